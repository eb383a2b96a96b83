package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// ClientProfile is the on-disk form of the client settings:
//
//	api_url: https://tutor.example.com
//	token: s3cret
//	transport: ws
//	timeout: 45s
type ClientProfile struct {
	APIURL    string `yaml:"api_url"`
	Token     string `yaml:"token"`
	Transport string `yaml:"transport"`
	Timeout   string `yaml:"timeout"`
}

// LoadClientProfile reads a YAML profile from path.
func LoadClientProfile(path string) (*ClientProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p ClientProfile
	if err := yaml.UnmarshalWithOptions(data, &p, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// ApplyProfile fills settings from p that the environment leaves unset.
func (c *ClientConfig) ApplyProfile(p *ClientProfile) error {
	if p == nil {
		return nil
	}
	if !envSet("TUTOR_API_URL") && p.APIURL != "" {
		c.APIURL = p.APIURL
	}
	if !envSet("TUTOR_TOKEN") && p.Token != "" {
		c.Token = p.Token
	}
	if !envSet("TUTOR_TRANSPORT") && p.Transport != "" {
		c.Transport = strings.ToLower(p.Transport)
	}
	if !envSet("TUTOR_REQUEST_TIMEOUT") && p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return fmt.Errorf("profile timeout %q: %w", p.Timeout, err)
		}
		c.RequestTimeout = d
	}
	return nil
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}
