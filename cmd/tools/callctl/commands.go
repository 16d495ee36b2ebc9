package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	"github.com/zhouzirui/memorial-call/backend/internal/service/heartbeat"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		memberID int64
		operator bool
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development credential",
		Example: `  callctl token --member 42
  callctl token --member 1 --operator --ttl 2h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.profile()
			if err != nil {
				return err
			}
			if p.JWTSecret == "" {
				return errors.New("jwt_secret is not configured (profile or JWT_SECRET)")
			}
			issuer, err := identity.NewIssuer(identity.Config{Secret: []byte(p.JWTSecret), Issuer: p.JWTIssuer})
			if err != nil {
				return err
			}
			role := identity.RoleMember
			if operator {
				role = identity.RoleOperator
			}
			token, err := issuer.Issue(memberID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().Int64Var(&memberID, "member", 0, "member id carried by the credential")
	cmd.Flags().BoolVar(&operator, "operator", false, "issue an operator credential")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "credential lifetime")
	_ = cmd.MarkFlagRequired("member")

	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active sessions (operator)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp struct {
				Sessions []model.Session `json:"sessions"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/operator/sessions", nil, &resp); err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), resp.Sessions)
		},
	}
}

func printSessions(out io.Writer, sessions []model.Session) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tOWNER\tSTATE\tBOUND\tEXPIRES")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\n",
			s.Key, s.OwnerID, s.FlowState, s.TransportID != nil, s.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <sessionKey>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var s json.RawMessage
			if err := c.do(cmd.Context(), http.MethodGet, "/api/sessions/"+url.PathEscape(args[0]), nil, &s); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func newHeartbeatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <sessionKey>",
		Short: "Extend a session and ping its transport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp struct {
				Extended  bool `json:"extended"`
				Delivered bool `json:"delivered"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/heartbeat", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "extended=%t delivered=%t\n", resp.Extended, resp.Delivered)
			return nil
		},
	}
}

func newForceCmd(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:     "force <sessionKey> <state>",
		Short:   "Force a session into a flow state (operator)",
		Example: `  callctl force abc123 RECORDING_COMPLETE --reason "client stuck"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, ok := model.ParseFlowState(args[1])
			if !ok {
				return fmt.Errorf("unknown flow state %q", args[1])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]string{"state": string(state), "reason": reason}
			var s model.Session
			if err := c.do(cmd.Context(), http.MethodPost, "/api/operator/sessions/"+url.PathEscape(args[0])+"/transition", body, &s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", s.Key, s.FlowState)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "audit reason recorded on the session")
	return cmd
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run an expiry sweep now (operator)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var result heartbeat.SweepResult
			if err := c.do(cmd.Context(), http.MethodPost, "/api/operator/sweep", nil, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d released=%d\n", result.Expired, result.Released)
			return nil
		},
	}
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail flow transitions (operator)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			return c.stream(ctx, "/api/operator/events", "transition", func(data []byte) error {
				var ev flow.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					return fmt.Errorf("decode event: %w", err)
				}
				if session != "" && ev.SessionKey != session {
					return nil
				}
				marker := ""
				if ev.Forced {
					marker = " (forced)"
				}
				fmt.Fprintf(out, "%s %s %s -> %s%s\n", ev.At.Format(time.RFC3339), ev.SessionKey, ev.From, ev.To, marker)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "", "only show this session")
	return cmd
}
