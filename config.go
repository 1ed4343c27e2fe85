package shardxa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/shardxa/internal/commit"
	"pkt.systems/shardxa/internal/mysqlconn"
	"pkt.systems/shardxa/internal/retryqueue"
	"pkt.systems/shardxa/internal/xalog"
)

const (
	// DefaultStore points the recovery log at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultLogPrefix is the object key prefix for recovery records.
	DefaultLogPrefix = xalog.DefaultPrefix
	// DefaultXIDPrefix prefixes every generated global transaction id.
	DefaultXIDPrefix = commit.DefaultXIDPrefix
	// DefaultCommitRetryLimit bounds synchronous COMMIT attempts (initial
	// attempt included) before a transaction moves to the background queue.
	DefaultCommitRetryLimit = commit.DefaultRetryLimit
	// DefaultCommitRetryBackoff is the pause before the second foreground
	// COMMIT attempt; it doubles per attempt.
	DefaultCommitRetryBackoff = commit.DefaultRetryBackoff
	// DefaultCommitRetryBackoffMax caps the pause between foreground attempts.
	DefaultCommitRetryBackoffMax = commit.DefaultRetryBackoffMax
	// DefaultBackgroundRetryInterval separates background retry passes.
	DefaultBackgroundRetryInterval = retryqueue.DefaultInterval
	// DefaultBackgroundMaxSessions caps transactions parked for background retry.
	DefaultBackgroundMaxSessions = 1024
	// DefaultBackgroundConcurrency bounds retries dispatched per pass.
	DefaultBackgroundConcurrency = retryqueue.DefaultConcurrency
	// DefaultRecoveryWait bounds how long crash recovery waits per re-driven commit.
	DefaultRecoveryWait = 30 * time.Second
	// DefaultConnExecTimeout bounds one XA statement on a data node.
	DefaultConnExecTimeout = 30 * time.Second
	// DefaultConnDialTimeout is applied to data node DSNs without a timeout.
	DefaultConnDialTimeout = 5 * time.Second
	// DefaultProbeTimeout bounds XA RECOVER and KILL.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts bounds retries of transient storage errors.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the first backoff delay.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the backoff delay.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff delay.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file looked up in the config dir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures coordinator service configuration.
type Config struct {
	Store     string
	LogPrefix string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3Region          string
	S3SSE             string
	S3KMSKeyID        string

	XIDPrefix             string
	CommitRetryLimit      int
	CommitRetryBackoff    time.Duration
	CommitRetryBackoffMax time.Duration
	// AlwaysRetry keeps retrying COMMIT in the foreground without bound.
	AlwaysRetry bool
	// BackgroundRetryLimit bounds background hand-offs per transaction; zero
	// is unlimited.
	BackgroundRetryLimit    int
	BackgroundRetryInterval time.Duration
	BackgroundMaxSessions   int
	BackgroundConcurrency   int

	DisableRecovery bool
	RecoveryWait    time.Duration

	DataNodes       []mysqlconn.Node
	ConnExecTimeout time.Duration
	ConnDialTimeout time.Duration
	ProbeTimeout    time.Duration

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	// PrepareDelay and CommitDelay pause before the phase; debug only.
	PrepareDelay time.Duration
	CommitDelay  time.Duration

	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.LogPrefix == "" {
		c.LogPrefix = DefaultLogPrefix
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	c.XIDPrefix = strings.Trim(strings.TrimSpace(c.XIDPrefix), "'")
	if c.XIDPrefix == "" {
		c.XIDPrefix = DefaultXIDPrefix
	}
	if strings.ContainsAny(c.XIDPrefix, "'\\") {
		return fmt.Errorf("config: xid prefix must not contain quotes or backslashes")
	}
	if c.CommitRetryLimit == 0 {
		c.CommitRetryLimit = DefaultCommitRetryLimit
	} else if c.CommitRetryLimit < 0 {
		return fmt.Errorf("config: commit retry limit must be >= 0")
	}
	if c.CommitRetryBackoff == 0 {
		c.CommitRetryBackoff = DefaultCommitRetryBackoff
	}
	if c.CommitRetryBackoffMax == 0 {
		c.CommitRetryBackoffMax = DefaultCommitRetryBackoffMax
	}
	if c.CommitRetryBackoff < 0 || c.CommitRetryBackoffMax < c.CommitRetryBackoff {
		return fmt.Errorf("config: commit retry backoff must be > 0 and <= its max")
	}
	if c.BackgroundRetryLimit < 0 {
		return fmt.Errorf("config: background retry limit must be >= 0")
	}
	if c.BackgroundRetryInterval == 0 {
		c.BackgroundRetryInterval = DefaultBackgroundRetryInterval
	} else if c.BackgroundRetryInterval < 0 {
		return fmt.Errorf("config: background retry interval must be >= 0")
	}
	if c.BackgroundMaxSessions == 0 {
		c.BackgroundMaxSessions = DefaultBackgroundMaxSessions
	} else if c.BackgroundMaxSessions < 0 {
		return fmt.Errorf("config: background max sessions must be >= 0")
	}
	if c.BackgroundConcurrency <= 0 {
		c.BackgroundConcurrency = DefaultBackgroundConcurrency
	}
	if c.RecoveryWait <= 0 {
		c.RecoveryWait = DefaultRecoveryWait
	}
	if c.ConnExecTimeout <= 0 {
		c.ConnExecTimeout = DefaultConnExecTimeout
	}
	if c.ConnDialTimeout <= 0 {
		c.ConnDialTimeout = DefaultConnDialTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	seen := make(map[string]struct{}, len(c.DataNodes))
	for _, n := range c.DataNodes {
		if strings.TrimSpace(n.Name) == "" || strings.TrimSpace(n.DSN) == "" {
			return fmt.Errorf("config: data node requires name and dsn")
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("config: duplicate data node %q", n.Name)
		}
		seen[n.Name] = struct{}{}
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.PrepareDelay < 0 || c.CommitDelay < 0 {
		return fmt.Errorf("config: phase delays must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// RetryPolicy returns the commit retry policy described by c.
func (c Config) RetryPolicy() commit.RetryPolicy {
	return commit.RetryPolicy{
		Limit:           c.CommitRetryLimit,
		AlwaysRetry:     c.AlwaysRetry,
		BackgroundLimit: c.BackgroundRetryLimit,
	}
}

// ParseDataNode parses "name=dsn".
func ParseDataNode(raw string) (mysqlconn.Node, error) {
	name, dsn, ok := strings.Cut(strings.TrimSpace(raw), "=")
	name, dsn = strings.TrimSpace(name), strings.TrimSpace(dsn)
	if !ok || name == "" || dsn == "" {
		return mysqlconn.Node{}, fmt.Errorf("config: data node %q must be name=dsn", raw)
	}
	return mysqlconn.Node{Name: name, DSN: dsn}, nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.shardxa).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SHARDXA_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shardxa"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
