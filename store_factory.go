package shardxa

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/clock"
	"pkt.systems/shardxa/internal/storage"
	"pkt.systems/shardxa/internal/storage/disk"
	storagelogging "pkt.systems/shardxa/internal/storage/logging"
	"pkt.systems/shardxa/internal/storage/memory"
	"pkt.systems/shardxa/internal/storage/retry"
	"pkt.systems/shardxa/internal/storage/s3"
)

const bucketCheckTimeout = 10 * time.Second

// OpenStore opens the recovery log backend named by cfg.Store, wrapped with
// tracing and transient-error retries.
func OpenStore(cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var raw storage.Backend
	switch u.Scheme {
	case "memory", "mem", "":
		logger.Warn("storage.memory", "detail", "recovery records do not survive a restart")
		raw = memory.New()
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		if raw, err = disk.New(diskCfg); err != nil {
			return nil, err
		}
	case "s3", "aws":
		s3cfg, source, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("storage.s3", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket, "prefix", s3cfg.Prefix, "credentials", source)
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := checkBucket(context.Background(), store); err != nil {
			return nil, err
		}
		raw = store
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	wrapped := storagelogging.Wrap(raw, logger.With("sys", "storage.backend"), "storage.backend")
	return retry.Wrap(wrapped, logger.With("sys", "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	}), nil
}

// BuildS3Config turns an s3://host[:port]/bucket[/prefix] or
// aws://bucket[/prefix] store URL into an s3.Config. The second result names
// where the credentials came from.
func BuildS3Config(cfg Config) (s3.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	q := u.Query()
	out := s3.Config{
		Region:        firstNonEmpty(q.Get("region"), cfg.S3Region),
		ServerSideEnc: cfg.S3SSE,
		KMSKeyID:      firstNonEmpty(q.Get("kms-key-id"), cfg.S3KMSKeyID),
	}
	var path string
	switch u.Scheme {
	case "s3":
		out.Endpoint = strings.TrimSpace(u.Host)
		if out.Endpoint == "" {
			return s3.Config{}, "", fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
		}
		path = strings.Trim(u.Path, "/")
		out.Bucket, path, _ = strings.Cut(path, "/")
		if out.Bucket == "" {
			return s3.Config{}, "", fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
		}
		insecure, err := queryBool(q, "insecure", false)
		if err != nil {
			return s3.Config{}, "", err
		}
		secure, err := queryBool(q, "secure", !insecure)
		if err != nil {
			return s3.Config{}, "", err
		}
		out.Insecure = !secure
		if out.ForcePathStyle, err = queryBool(q, "path-style", false); err != nil {
			return s3.Config{}, "", err
		}
	case "aws":
		out.Bucket = strings.TrimSpace(u.Host)
		if out.Bucket == "" {
			return s3.Config{}, "", fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
		}
		if out.Region == "" {
			return s3.Config{}, "", fmt.Errorf("aws store requires region (set --s3-region or SHARDXA_S3_REGION)")
		}
		out.Endpoint = firstNonEmpty(q.Get("endpoint"), fmt.Sprintf("s3.%s.amazonaws.com", out.Region))
		path = strings.Trim(u.Path, "/")
	default:
		return s3.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	out.Prefix = strings.Trim(path, "/")
	var source string
	out.CustomCreds, source, err = s3Credentials(cfg, u.Scheme)
	if err != nil {
		return s3.Config{}, source, err
	}
	return out, source, nil
}

// s3Credentials picks static keys from config or SHARDXA_S3_* for s3:// and
// the AWS provider chain for aws://.
func s3Credentials(cfg Config, scheme string) (*minioCredentials.Credentials, string, error) {
	if scheme == "aws" {
		return minioCredentials.NewChainCredentials([]minioCredentials.Provider{
			&minioCredentials.EnvAWS{},
			&minioCredentials.FileAWSCredentials{},
			&minioCredentials.IAM{},
		}), "aws-chain", nil
	}
	access, secret, token := strings.TrimSpace(cfg.S3AccessKeyID), cfg.S3SecretAccessKey, cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" && token == "" {
		access = strings.TrimSpace(os.Getenv("SHARDXA_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("SHARDXA_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("SHARDXA_S3_SESSION_TOKEN")
		source = "env"
	}
	switch {
	case access == "" && secret == "" && token == "":
		return minioCredentials.NewStaticV4("", "", ""), "anonymous", nil
	case access == "" || secret == "":
		return nil, source, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), source, nil
}

func queryBool(q url.Values, name string, def bool) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("store URL option %s: %w", name, err)
	}
	return b, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// checkBucket fails fast when the bucket is missing so the coordinator does
// not accept commits it cannot log.
func checkBucket(ctx context.Context, store *s3.Store) error {
	ctx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()
	exists, err := store.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", store.Bucket())
	}
	return nil
}

// BuildDiskConfig parses disk:///path URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		root = "/" + host + "/" + strings.TrimPrefix(root, "/")
	}
	if root == "" || root == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/shardxa)")
	}
	return disk.Config{Root: filepath.Clean(root)}, nil
}
