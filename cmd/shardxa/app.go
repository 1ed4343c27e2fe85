package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/shardxa"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/mysqlconn"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SHARDXA_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "shardxa")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := root.Flags().ShorthandLookup(string(ch))
				if flag == nil {
					flag = root.PersistentFlags().ShorthandLookup(string(ch))
				}
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := shardxa.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shardxa",
		Short:         "shardxa coordinates XA two-phase commit across MySQL data nodes",
		SilenceErrors: true,
		Example: `
  # Two data nodes, recovery log on local disk
  shardxa --store disk:///var/lib/shardxa \
    --data-node dn1='proxy:secret@tcp(10.0.0.11:3306)/' \
    --data-node dn2='proxy:secret@tcp(10.0.0.12:3306)/'

  # Recovery log in MinIO (TLS on by default; append ?insecure=1 for HTTP)
  SHARDXA_STORE=s3://localhost:9000/shardxa?insecure=1 SHARDXA_S3_ACCESS_KEY_ID=minioadmin SHARDXA_S3_SECRET_ACCESS_KEY=minioadmin shardxa

  # Keep retrying commits in the foreground, expose metrics and alerts
  shardxa --always-retry --metrics-listen :9464
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to shardxa",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			logger = applyLogLevel(logger)
			cliLogger = loggingutil.WithSubsystem(logger, "cli.root")

			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			svc, err := shardxa.NewService(cfg, shardxa.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.ShutdownTimeout())
				defer cancel()
				_ = svc.Shutdown(shutdownCtx)
				return err
			}
			if configFile != "" {
				watchRetryPolicy(svc, cliLogger)
			}

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.ShutdownTimeout())
			defer cancel()
			if err := svc.Shutdown(shutdownCtx); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.shardxa/"+shardxa.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.String("store", shardxa.DefaultStore, "recovery log backend URL (mem://, s3://host[:port]/bucket, aws://bucket, disk:///path)")
	persistentFlags.String("log-prefix", shardxa.DefaultLogPrefix, "object key prefix for recovery log records")
	persistentFlags.String("s3-region", "", "region for s3:// and aws:// backends")
	persistentFlags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	persistentFlags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	persistentFlags.Int("storage-retry-attempts", shardxa.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	persistentFlags.Duration("storage-retry-base-delay", shardxa.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	persistentFlags.Duration("storage-retry-max-delay", shardxa.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	persistentFlags.Float64("storage-retry-multiplier", shardxa.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")

	flags := cmd.Flags()
	flags.StringArray("data-node", nil, "data node as name=dsn (repeatable)")
	flags.String("xid-prefix", shardxa.DefaultXIDPrefix, "prefix of generated global transaction ids")
	flags.Int("commit-retry-limit", shardxa.DefaultCommitRetryLimit, "foreground COMMIT attempts, initial attempt included")
	flags.Duration("commit-retry-backoff", shardxa.DefaultCommitRetryBackoff, "pause before the second foreground COMMIT attempt, doubled per attempt")
	flags.Duration("commit-retry-backoff-max", shardxa.DefaultCommitRetryBackoffMax, "maximum pause between foreground COMMIT attempts")
	flags.Bool("always-retry", false, "retry COMMIT in the foreground until it succeeds")
	flags.Int("background-retry-limit", 0, "background hand-offs per transaction (0 is unlimited)")
	flags.Duration("background-retry-interval", shardxa.DefaultBackgroundRetryInterval, "interval between background retry passes")
	flags.Int("background-max-sessions", shardxa.DefaultBackgroundMaxSessions, "transactions parked for background retry")
	flags.Int("background-concurrency", shardxa.DefaultBackgroundConcurrency, "background retries dispatched concurrently per pass")
	flags.Bool("disable-recovery", false, "skip recovery log replay on start")
	flags.Duration("recovery-wait", shardxa.DefaultRecoveryWait, "how long start waits for each recovered commit")
	flags.Duration("conn-exec-timeout", shardxa.DefaultConnExecTimeout, "timeout for one XA statement on a data node")
	flags.Duration("conn-dial-timeout", shardxa.DefaultConnDialTimeout, "dial timeout for data node DSNs without one")
	flags.Duration("probe-timeout", shardxa.DefaultProbeTimeout, "timeout for XA RECOVER and KILL")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus, /alerts and /healthz; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("prepare-delay", 0, "pause before XA PREPARE (debug)")
	flags.Duration("commit-delay", 0, "pause before XA COMMIT (debug)")
	flags.Duration("shutdown-timeout", shardxa.DefaultShutdownTimeout, "graceful shutdown timeout")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("SHARDXA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level", "store", "log-prefix",
		"s3-region", "s3-sse", "s3-kms-key-id",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"data-node", "xid-prefix", "commit-retry-limit", "always-retry",
		"commit-retry-backoff", "commit-retry-backoff-max",
		"background-retry-limit", "background-retry-interval", "background-max-sessions", "background-concurrency",
		"disable-recovery", "recovery-wait", "conn-exec-timeout", "conn-dial-timeout", "probe-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"prepare-delay", "commit-delay", "shutdown-timeout",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newLogCommand(loggingutil.WithSubsystem(baseLogger, "cli.log")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func applyLogLevel(logger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return logger.LogLevel(level)
	}
	return logger
}

// bindStoreConfig reads the settings shared by every command that opens the
// recovery log.
func bindStoreConfig(cfg *shardxa.Config) {
	cfg.Store = viper.GetString("store")
	cfg.LogPrefix = viper.GetString("log-prefix")
	cfg.S3Region = strings.TrimSpace(viper.GetString("s3-region"))
	if cfg.S3Region == "" {
		for _, key := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				cfg.S3Region = v
				break
			}
		}
	}
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
}

func bindRetryPolicy(cfg *shardxa.Config) {
	cfg.CommitRetryLimit = viper.GetInt("commit-retry-limit")
	cfg.AlwaysRetry = viper.GetBool("always-retry")
	cfg.BackgroundRetryLimit = viper.GetInt("background-retry-limit")
	cfg.BackgroundRetryInterval = viper.GetDuration("background-retry-interval")
}

func bindConfig() (shardxa.Config, error) {
	var cfg shardxa.Config
	bindStoreConfig(&cfg)
	bindRetryPolicy(&cfg)
	cfg.XIDPrefix = viper.GetString("xid-prefix")
	cfg.CommitRetryBackoff = viper.GetDuration("commit-retry-backoff")
	cfg.CommitRetryBackoffMax = viper.GetDuration("commit-retry-backoff-max")
	cfg.BackgroundMaxSessions = viper.GetInt("background-max-sessions")
	cfg.BackgroundConcurrency = viper.GetInt("background-concurrency")
	cfg.DisableRecovery = viper.GetBool("disable-recovery")
	cfg.RecoveryWait = viper.GetDuration("recovery-wait")
	cfg.ConnExecTimeout = viper.GetDuration("conn-exec-timeout")
	cfg.ConnDialTimeout = viper.GetDuration("conn-dial-timeout")
	cfg.ProbeTimeout = viper.GetDuration("probe-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.PrepareDelay = viper.GetDuration("prepare-delay")
	cfg.CommitDelay = viper.GetDuration("commit-delay")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")

	var nodes []mysqlconn.Node
	if viper.IsSet("data-nodes") {
		if err := viper.UnmarshalKey("data-nodes", &nodes); err != nil {
			return cfg, fmt.Errorf("parse data-nodes: %w", err)
		}
	}
	for _, raw := range viper.GetStringSlice("data-node") {
		n, err := shardxa.ParseDataNode(raw)
		if err != nil {
			return cfg, err
		}
		nodes = append(nodes, n)
	}
	cfg.DataNodes = nodes
	return cfg, nil
}

// watchRetryPolicy applies retry settings edited in the config file to the
// running service. Other settings need a restart.
func watchRetryPolicy(svc *shardxa.Service, logger pslog.Logger) {
	viper.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		var cfg shardxa.Config
		bindRetryPolicy(&cfg)
		if err := svc.ApplyRetryPolicy(cfg); err != nil {
			logger.Warn("config.reload.rejected", "path", ev.Name, "error", err)
			return
		}
		logger.Info("config.reload.applied", "path", ev.Name)
	})
	viper.WatchConfig()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
