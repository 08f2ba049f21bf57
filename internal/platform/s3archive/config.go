package s3archive

import (
	"strconv"
	"time"

	"github.com/shelfsync/adapterfactory/pkg/errors"
)

// Config locates one platform's library exports in S3.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
	RequestTimeout  time.Duration
	ManifestSuffix  string
}

// NewDefaultConfig returns the settings used for keys the platform omits.
func NewDefaultConfig() Config {
	return Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		ManifestSuffix: ".json",
	}
}

// ParseConfig reads the merged platform configuration. Recognized keys:
// bucket, prefix, region, endpoint, force_path_style, access_key_id,
// secret_access_key, max_retries, request_timeout, manifest_suffix.
func ParseConfig(raw map[string]interface{}) (Config, error) {
	cfg := NewDefaultConfig()

	var err error
	str := func(key string, dst *string) {
		if err != nil {
			return
		}
		if v, ok := raw[key]; ok {
			s, isStr := v.(string)
			if !isStr {
				err = invalid(key, v)
				return
			}
			*dst = s
		}
	}
	str("bucket", &cfg.Bucket)
	str("prefix", &cfg.Prefix)
	str("region", &cfg.Region)
	str("endpoint", &cfg.Endpoint)
	str("access_key_id", &cfg.AccessKeyID)
	str("secret_access_key", &cfg.SecretAccessKey)
	str("manifest_suffix", &cfg.ManifestSuffix)
	if err != nil {
		return Config{}, err
	}

	if v, ok := raw["force_path_style"]; ok {
		switch b := v.(type) {
		case bool:
			cfg.ForcePathStyle = b
		case string:
			parsed, perr := strconv.ParseBool(b)
			if perr != nil {
				return Config{}, invalid("force_path_style", v)
			}
			cfg.ForcePathStyle = parsed
		default:
			return Config{}, invalid("force_path_style", v)
		}
	}

	if v, ok := raw["max_retries"]; ok {
		switch n := v.(type) {
		case int:
			cfg.MaxRetries = n
		case int64:
			cfg.MaxRetries = int(n)
		case float64:
			cfg.MaxRetries = int(n)
		default:
			return Config{}, invalid("max_retries", v)
		}
	}

	if v, ok := raw["request_timeout"]; ok {
		switch d := v.(type) {
		case time.Duration:
			cfg.RequestTimeout = d
		case string:
			parsed, perr := time.ParseDuration(d)
			if perr != nil {
				return Config{}, invalid("request_timeout", v)
			}
			cfg.RequestTimeout = parsed
		default:
			return Config{}, invalid("request_timeout", v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings required to reach the bucket.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "s3archive: bucket is required").
			WithComponent(driverName)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.NewError(errors.ErrCodeInvalidConfig, "s3archive: access_key_id and secret_access_key must be set together").
			WithComponent(driverName)
	}
	if c.MaxRetries < 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "s3archive: max_retries must be non-negative").
			WithComponent(driverName)
	}
	return nil
}

func invalid(key string, v interface{}) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, "s3archive: invalid %s: %#v", key, v).
		WithComponent(driverName)
}
