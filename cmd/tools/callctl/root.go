package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfgFile string
	baseURL string
	token   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "callctl",
		Short:         "Inspect and operate memorial call sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "profile path (default ~/.config/callctl/profile.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "override orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "override bearer token")

	rootCmd.AddCommand(newTokenCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newHeartbeatCmd(opts))
	rootCmd.AddCommand(newForceCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))

	return rootCmd
}

// profile loads the configured profile and applies CLI flag overrides.
func (o *rootOptions) profile() (*Profile, error) {
	p, err := loadProfile(o.cfgFile)
	if err != nil {
		return nil, err
	}
	if o.baseURL != "" {
		p.BaseURL = o.baseURL
	}
	if o.token != "" {
		p.Token = o.token
	}
	return p, nil
}

func (o *rootOptions) client() (*apiClient, error) {
	p, err := o.profile()
	if err != nil {
		return nil, err
	}
	return newAPIClient(p), nil
}
