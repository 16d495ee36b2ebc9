package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile 是 callctl 的连接配置
type Profile struct {
	// BaseURL 编排服务地址
	BaseURL string `yaml:"base_url"`
	// Token 调用 REST 接口使用的 bearer 令牌
	Token string `yaml:"token"`
	// JWTSecret / JWTIssuer 仅用于 token 子命令在本地签发开发令牌
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

func defaultProfile() *Profile {
	return &Profile{
		BaseURL:   "http://localhost:8080",
		JWTIssuer: "memorial-call",
	}
}

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "callctl", "profile.yaml")
}

// loadProfile reads path (or the default location) and applies environment
// overrides. A missing default file is not an error.
func loadProfile(path string) (*Profile, error) {
	p := defaultProfile()

	explicit := path != ""
	if !explicit {
		path = defaultProfilePath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, p); err != nil {
				return nil, fmt.Errorf("parse profile %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, fmt.Errorf("read profile: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("CALLCTL_BASE_URL")); v != "" {
		p.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CALLCTL_TOKEN")); v != "" {
		p.Token = v
	}
	if p.JWTSecret == "" {
		p.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	}
	if v := strings.TrimSpace(os.Getenv("JWT_ISSUER")); v != "" && p.JWTIssuer == "" {
		p.JWTIssuer = v
	}
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")
	return p, nil
}
