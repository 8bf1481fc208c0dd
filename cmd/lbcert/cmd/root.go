// Package cmd implements the lbcert command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/lbcert/ca"
	"github.com/caasmo/lbcert/cert"
	"github.com/caasmo/lbcert/config"
	"github.com/caasmo/lbcert/engine"
	"github.com/caasmo/lbcert/history/zombiezen"
	"github.com/caasmo/lbcert/lb"
	"github.com/caasmo/lbcert/lb/icontrol"
)

const (
	configFile  = "./config/config.toml"
	certDir     = "./cert"
	historyFile = "./config/history.db"
)

var (
	configDir string
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lbcert",
	Short: "ACME certificate automation for load-balanced TLS",
	Long: `lbcert renews TLS certificates through an ACME certificate authority
and deploys them to a redundant pair of load-balancing devices.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if os.Getenv("LOG_LEVEL") == "debug" {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
		if err := os.Chdir(configDir); err != nil {
			return fmt.Errorf("could not enter the configuration folder %s: %w", configDir, err)
		}
		return nil
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".",
		"the configuration folder to use")
}

// loadConfig reads the configuration file relative to the config dir.
func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// newDevice selects the active unit of the configured pair.
func newDevice(ctx context.Context, cfg *config.Config) (lb.Device, error) {
	units := []lb.Unit{icontrol.New(unitConfig(cfg, cfg.LoadBalancer.Host1))}
	if cfg.LoadBalancer.Cluster {
		units = append(units, icontrol.New(unitConfig(cfg, cfg.LoadBalancer.Host2)))
	}
	return lb.SelectActive(ctx, units...)
}

func unitConfig(cfg *config.Config, host string) icontrol.Config {
	return icontrol.Config{
		Host:               host,
		Username:           cfg.LoadBalancer.Username,
		Password:           cfg.LoadBalancer.Password,
		Datagroup:          cfg.LoadBalancer.Datagroup,
		DatagroupPartition: cfg.LoadBalancer.DatagroupPartition,
	}
}

// newAuthority builds the CA client with the account key loaded.
func newAuthority(cfg *config.Config) (*ca.Authority, error) {
	key, err := cfg.ReadAccountKey()
	if err != nil {
		return nil, err
	}
	return ca.New(ca.Config{
		DirectoryURL: cfg.CertificateAuthority.DirectoryURL,
		AccountKey:   key,
		ProxyURL:     cfg.ProxyURL(),
	}, logger)
}

// buildRecordEngine assembles an engine for operations that only touch
// the record store and the CA (remove, revoke). The device handle points
// at host1 and is never contacted, so no unit needs to be reachable.
func buildRecordEngine(cfg *config.Config) (*engine.Engine, error) {
	store, err := cert.NewStore(certDir, logger)
	if err != nil {
		return nil, err
	}
	authority, err := newAuthority(cfg)
	if err != nil {
		return nil, err
	}
	device := icontrol.New(unitConfig(cfg, cfg.LoadBalancer.Host1))
	return engine.New(engine.Config{
		RenewalDays:      cfg.Common.RenewalDays,
		InstallDelayDays: cfg.Common.InstallDelayDays,
		IncludeChain:     cfg.Common.IncludeChain,
	}, store, authority, device, logger), nil
}

// buildEngine assembles the full pipeline. The returned cleanup closes
// the history database pool.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, func(), error) {
	store, err := cert.NewStore(certDir, logger)
	if err != nil {
		return nil, nil, err
	}
	authority, err := newAuthority(cfg)
	if err != nil {
		return nil, nil, err
	}
	device, err := newDevice(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	pool, err := sqlitex.NewPool(historyFile, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate,
		PoolSize: 1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not open history database: %w", err)
	}
	cleanup := func() {
		if err := pool.Close(); err != nil {
			logger.Error("could not close history database pool", "error", err)
		}
	}
	writer, err := zombiezen.NewWriter(pool)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	e := engine.New(engine.Config{
		RenewalDays:      cfg.Common.RenewalDays,
		InstallDelayDays: cfg.Common.InstallDelayDays,
		IncludeChain:     cfg.Common.IncludeChain,
	}, store, authority, device, logger, engine.WithHistory(writer))
	return e, cleanup, nil
}
