package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/shardxa"
	"pkt.systems/shardxa/internal/mysqlconn"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage shardxa configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.shardxa/" + shardxa.DefaultConfigFileName
	if p, err := shardxa.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default shardxa configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				p, err := shardxa.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = p
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			// DSNs carry credentials.
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                   string           `yaml:"store"`
	LogPrefix               string           `yaml:"log-prefix"`
	DataNodes               []mysqlconn.Node `yaml:"data-nodes"`
	XIDPrefix               string           `yaml:"xid-prefix"`
	CommitRetryLimit        int              `yaml:"commit-retry-limit"`
	CommitRetryBackoff      string           `yaml:"commit-retry-backoff"`
	CommitRetryBackoffMax   string           `yaml:"commit-retry-backoff-max"`
	AlwaysRetry             bool             `yaml:"always-retry"`
	BackgroundRetryLimit    int              `yaml:"background-retry-limit"`
	BackgroundRetryInterval string           `yaml:"background-retry-interval"`
	BackgroundMaxSessions   int              `yaml:"background-max-sessions"`
	BackgroundConcurrency   int              `yaml:"background-concurrency"`
	DisableRecovery         bool             `yaml:"disable-recovery"`
	RecoveryWait            string           `yaml:"recovery-wait"`
	ConnExecTimeout         string           `yaml:"conn-exec-timeout"`
	ConnDialTimeout         string           `yaml:"conn-dial-timeout"`
	ProbeTimeout            string           `yaml:"probe-timeout"`
	MetricsListen           string           `yaml:"metrics-listen"`
	PprofListen             string           `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool             `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string           `yaml:"otlp-endpoint"`
	S3Region                string           `yaml:"s3-region"`
	S3SSE                   string           `yaml:"s3-sse"`
	S3KMSKeyID              string           `yaml:"s3-kms-key-id"`
	StorageRetryMaxAttempts int              `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string           `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string           `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64          `yaml:"storage-retry-multiplier"`
	ShutdownTimeout         string           `yaml:"shutdown-timeout"`
	LogLevel                string           `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:     shardxa.DefaultStore,
		LogPrefix: shardxa.DefaultLogPrefix,
		DataNodes: []mysqlconn.Node{
			{Name: "dn1", DSN: "user:password@tcp(127.0.0.1:3306)/"},
		},
		XIDPrefix:               shardxa.DefaultXIDPrefix,
		CommitRetryLimit:        shardxa.DefaultCommitRetryLimit,
		CommitRetryBackoff:      shardxa.DefaultCommitRetryBackoff.String(),
		CommitRetryBackoffMax:   shardxa.DefaultCommitRetryBackoffMax.String(),
		BackgroundRetryInterval: shardxa.DefaultBackgroundRetryInterval.String(),
		BackgroundMaxSessions:   shardxa.DefaultBackgroundMaxSessions,
		BackgroundConcurrency:   shardxa.DefaultBackgroundConcurrency,
		RecoveryWait:            shardxa.DefaultRecoveryWait.String(),
		ConnExecTimeout:         shardxa.DefaultConnExecTimeout.String(),
		ConnDialTimeout:         shardxa.DefaultConnDialTimeout.String(),
		ProbeTimeout:            shardxa.DefaultProbeTimeout.String(),
		StorageRetryMaxAttempts: shardxa.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   shardxa.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    shardxa.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  shardxa.DefaultStorageRetryMultiplier,
		ShutdownTimeout:         shardxa.DefaultShutdownTimeout.String(),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
