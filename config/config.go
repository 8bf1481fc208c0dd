// Package config loads and validates the TOML configuration and manages
// the ACME account key.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// ErrKeyAlreadyExists is returned when the account key file already
// exists. A key must be deleted before a new one can be generated.
var ErrKeyAlreadyExists = errors.New("account key file already exists")

// Common holds the scheduling policy and account material locations.
type Common struct {
	RenewalDays      int    `toml:"renewal_days" comment:"Days before expiry at which a certificate is renewed"`
	InstallDelayDays int    `toml:"delayed_installation_days" comment:"Minimum age in days before a renewed certificate is installed"`
	IncludeChain     bool   `toml:"include_chain" comment:"Install the issuer chain together with the leaf"`
	AccountKey       string `toml:"account_key" comment:"Path to the ACME account private key"`
}

// LoadBalancer identifies the device pair and the challenge datagroup.
type LoadBalancer struct {
	Cluster            bool   `toml:"cluster" comment:"Redundant pair; host2 must be set when true"`
	Host1              string `toml:"host1" comment:"Management address of the first unit"`
	Host2              string `toml:"host2" comment:"Management address of the second unit"`
	Username           string `toml:"username"`
	Password           string `toml:"password" comment:"Can be overridden with LBCERT_LB_PASSWORD"`
	Datagroup          string `toml:"datagroup" comment:"Datagroup the challenge iRule reads"`
	DatagroupPartition string `toml:"datagroup_partition"`
}

// CertificateAuthority locates the ACME endpoint.
type CertificateAuthority struct {
	DirectoryURL string `toml:"directory_url"`
	UseProxy     bool   `toml:"use_proxy"`
	Proxy        string `toml:"proxy" comment:"HTTPS proxy towards the CA"`
}

// Config is the full configuration file.
type Config struct {
	Common               Common               `toml:"common"`
	LoadBalancer         LoadBalancer         `toml:"load_balancer"`
	CertificateAuthority CertificateAuthority `toml:"certificate_authority"`
}

// secretOverrides are environment variables that take precedence over the
// file, so secrets can stay out of it.
type secretOverrides struct {
	LBPassword string `env:"LBCERT_LB_PASSWORD"`
	AccountKey string `env:"LBCERT_ACCOUNT_KEY"`
}

// Load reads, overrides and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	var overrides secretOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("config: reading environment overrides: %w", err)
	}
	if overrides.LBPassword != "" {
		cfg.LoadBalancer.Password = overrides.LBPassword
	}
	if overrides.AccountKey != "" {
		cfg.Common.AccountKey = overrides.AccountKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every required field is present.
func (c *Config) Validate() error {
	if c.Common.RenewalDays <= 0 {
		return errors.New("config: common.renewal_days must be positive")
	}
	if c.Common.InstallDelayDays < 0 {
		return errors.New("config: common.delayed_installation_days cannot be negative")
	}
	if c.Common.AccountKey == "" {
		return errors.New("config: common.account_key cannot be empty")
	}
	if c.LoadBalancer.Host1 == "" {
		return errors.New("config: load_balancer.host1 cannot be empty")
	}
	if c.LoadBalancer.Cluster && c.LoadBalancer.Host2 == "" {
		return errors.New("config: load_balancer.host2 cannot be empty when cluster is enabled")
	}
	if c.LoadBalancer.Username == "" {
		return errors.New("config: load_balancer.username cannot be empty")
	}
	if c.LoadBalancer.Password == "" {
		return errors.New("config: load_balancer.password cannot be empty")
	}
	if c.LoadBalancer.Datagroup == "" {
		return errors.New("config: load_balancer.datagroup cannot be empty")
	}
	if c.LoadBalancer.DatagroupPartition == "" {
		return errors.New("config: load_balancer.datagroup_partition cannot be empty")
	}
	if c.CertificateAuthority.DirectoryURL == "" {
		return errors.New("config: certificate_authority.directory_url cannot be empty")
	}
	if c.CertificateAuthority.UseProxy && c.CertificateAuthority.Proxy == "" {
		return errors.New("config: certificate_authority.proxy cannot be empty when use_proxy is enabled")
	}
	return nil
}

// ProxyURL returns the proxy to use towards the CA, empty when disabled.
func (c *Config) ProxyURL() string {
	if !c.CertificateAuthority.UseProxy {
		return ""
	}
	return c.CertificateAuthority.Proxy
}

// Default returns the configuration written by the bootstrap command.
func Default() *Config {
	return &Config{
		Common: Common{
			RenewalDays:      20,
			InstallDelayDays: 5,
			IncludeChain:     true,
			AccountKey:       "./config/key.pem",
		},
		LoadBalancer: LoadBalancer{
			Cluster:            true,
			Host1:              "lb1.example.com",
			Host2:              "lb2.example.com",
			Username:           "admin",
			Password:           "password01",
			Datagroup:          "acme_responses_dg",
			DatagroupPartition: "Common",
		},
		CertificateAuthority: CertificateAuthority{
			DirectoryURL: "https://acme-v02.api.letsencrypt.org/directory",
		},
	}
}

// WriteDefault writes the default configuration file. The file holds a
// password, so permissions are restrictive. Refuses to clobber an
// existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: encoding default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o660); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
