package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIURL         = "http://127.0.0.1:7400"
	DefaultLogLevel       = "info"
	DefaultDataDirName    = ".dsgate"
	DefaultSQLiteFileName = "records.db"
	DefaultBlobDirName    = "blobs"
	DefaultBucket         = "datasets"
	DefaultClass          = "Dataset"
	DefaultConsulPrefix   = "dsgate/locks/"

	DefaultLogMaxSizeMB   = 50
	DefaultLogMaxBackups  = 5
	DefaultLogMaxAgeDays  = 28
	DefaultPresignTTL     = 15 * time.Minute
	DefaultPresignCache   = 1024
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 50 * time.Millisecond
	DefaultRetryMaxDelay  = time.Second
	DefaultCallTimeout    = 30 * time.Second
	DefaultCompensation   = 15 * time.Second
	DefaultStaleness      = 15 * time.Minute
	DefaultSessionTTL     = 15 * time.Second

	configFileName           = ".dsgate.toml"
	configDirEnvKey          = "DSGATE_CONFIG_DIR"
	trustProjectConfigEnvKey = "DSGATE_TRUST_PROJECT_CONFIG"
)

// Blob backends.
const (
	BlobBackendLocal  = "local"
	BlobBackendS3     = "s3"
	BlobBackendMemory = "memory"
)

// Record backends.
const (
	RecordBackendSQLite   = "sqlite"
	RecordBackendPostgres = "postgres"
	RecordBackendMemory   = "memory"
)

// Lock backends.
const (
	LockBackendNone   = "none"
	LockBackendLocal  = "local"
	LockBackendConsul = "consul"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// BlobConfig selects and configures the blob store.
type BlobConfig struct {
	Backend          string   `toml:"backend"`
	Root             string   `toml:"root"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	PresignTTL       Duration `toml:"presign_ttl"`
	PresignSecret    string   `toml:"presign_secret"`
	PresignBaseURL   string   `toml:"presign_base_url"`
	QuotaBytes       int64    `toml:"quota_bytes"`
	PresignCacheSize int      `toml:"presign_cache_size"`
}

// RecordConfig selects and configures the record store.
type RecordConfig struct {
	Backend      string   `toml:"backend"`
	DSN          string   `toml:"dsn"`
	Classes      []string `toml:"classes"`
	DefaultClass string   `toml:"default_class"`
}

// RetryConfig bounds adapter retries on transient errors.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

// CoordinatorConfig tunes deadlines and the reconciliation window.
type CoordinatorConfig struct {
	CallTimeout         Duration `toml:"call_timeout"`
	CompensationTimeout Duration `toml:"compensation_timeout"`
	StalenessWindow     Duration `toml:"staleness_window"`
}

// LockConfig selects the advisory per-entity lock used by the gateway.
type LockConfig struct {
	Backend       string   `toml:"backend"`
	ConsulAddress string   `toml:"consul_address"`
	ConsulToken   string   `toml:"consul_token"`
	KeyPrefix     string   `toml:"key_prefix"`
	SessionTTL    Duration `toml:"session_ttl"`
}

// Config defines runtime configuration for dsgate.
type Config struct {
	APIURL                   string            `toml:"api_url"`
	LogLevel                 string            `toml:"log_level"`
	LogFile                  string            `toml:"log_file"`
	LogMaxSizeMB             int               `toml:"log_max_size_mb"`
	LogMaxBackups            int               `toml:"log_max_backups"`
	LogMaxAgeDays            int               `toml:"log_max_age_days"`
	Blob                     BlobConfig        `toml:"blob"`
	Record                   RecordConfig      `toml:"record"`
	Retry                    RetryConfig       `toml:"retry"`
	Coordinator              CoordinatorConfig `toml:"coordinator"`
	Lock                     LockConfig        `toml:"lock"`
	TrustedProjectConfigPath string            `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:        DefaultAPIURL,
		LogLevel:      DefaultLogLevel,
		LogMaxSizeMB:  DefaultLogMaxSizeMB,
		LogMaxBackups: DefaultLogMaxBackups,
		LogMaxAgeDays: DefaultLogMaxAgeDays,
		Blob: BlobConfig{
			Backend:          BlobBackendLocal,
			Bucket:           DefaultBucket,
			PresignTTL:       Duration{DefaultPresignTTL},
			PresignCacheSize: DefaultPresignCache,
		},
		Record: RecordConfig{
			Backend:      RecordBackendSQLite,
			Classes:      []string{DefaultClass},
			DefaultClass: DefaultClass,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultRetryAttempts,
			BaseDelay:   Duration{DefaultRetryBaseDelay},
			MaxDelay:    Duration{DefaultRetryMaxDelay},
		},
		Coordinator: CoordinatorConfig{
			CallTimeout:         Duration{DefaultCallTimeout},
			CompensationTimeout: Duration{DefaultCompensation},
			StalenessWindow:     Duration{DefaultStaleness},
		},
		Lock: LockConfig{
			Backend:    LockBackendLocal,
			KeyPrefix:  DefaultConsulPrefix,
			SessionTTL: Duration{DefaultSessionTTL},
		},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

type keyKind int

const (
	kindString keyKind = iota
	kindBool
	kindInt
	kindPositiveInt
	kindDuration
	kindList
)

var keyKinds = map[string]keyKind{
	"api_url":                          kindString,
	"log_level":                        kindString,
	"log_file":                         kindString,
	"log_max_size_mb":                  kindPositiveInt,
	"log_max_backups":                  kindInt,
	"log_max_age_days":                 kindInt,
	"blob.backend":                     kindString,
	"blob.root":                        kindString,
	"blob.endpoint":                    kindString,
	"blob.region":                      kindString,
	"blob.bucket":                      kindString,
	"blob.access_key":                  kindString,
	"blob.secret_key":                  kindString,
	"blob.use_ssl":                     kindBool,
	"blob.presign_ttl":                 kindDuration,
	"blob.presign_secret":              kindString,
	"blob.presign_base_url":            kindString,
	"blob.quota_bytes":                 kindInt,
	"blob.presign_cache_size":          kindInt,
	"record.backend":                   kindString,
	"record.dsn":                       kindString,
	"record.classes":                   kindList,
	"record.default_class":             kindString,
	"retry.max_attempts":               kindPositiveInt,
	"retry.base_delay":                 kindDuration,
	"retry.max_delay":                  kindDuration,
	"coordinator.call_timeout":         kindDuration,
	"coordinator.compensation_timeout": kindDuration,
	"coordinator.staleness_window":     kindDuration,
	"lock.backend":                     kindString,
	"lock.consul_address":              kindString,
	"lock.consul_token":                kindString,
	"lock.key_prefix":                  kindString,
	"lock.session_ttl":                 kindDuration,
}

var allowedKeys = []string{
	"api_url",
	"log_level",
	"log_file",
	"log_max_size_mb",
	"log_max_backups",
	"log_max_age_days",
	"blob.backend",
	"blob.root",
	"blob.endpoint",
	"blob.region",
	"blob.bucket",
	"blob.access_key",
	"blob.secret_key",
	"blob.use_ssl",
	"blob.presign_ttl",
	"blob.presign_secret",
	"blob.presign_base_url",
	"blob.quota_bytes",
	"blob.presign_cache_size",
	"record.backend",
	"record.dsn",
	"record.classes",
	"record.default_class",
	"retry.max_attempts",
	"retry.base_delay",
	"retry.max_delay",
	"coordinator.call_timeout",
	"coordinator.compensation_timeout",
	"coordinator.staleness_window",
	"lock.backend",
	"lock.consul_address",
	"lock.consul_token",
	"lock.key_prefix",
	"lock.session_ttl",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	_, ok := keyKinds[key]
	return ok
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "api_url":
		return c.APIURL, nil
	case "log_level":
		return c.LogLevel, nil
	case "log_file":
		return c.LogFile, nil
	case "log_max_size_mb":
		return strconv.Itoa(c.LogMaxSizeMB), nil
	case "log_max_backups":
		return strconv.Itoa(c.LogMaxBackups), nil
	case "log_max_age_days":
		return strconv.Itoa(c.LogMaxAgeDays), nil
	case "blob.backend":
		return c.Blob.Backend, nil
	case "blob.root":
		return c.Blob.Root, nil
	case "blob.endpoint":
		return c.Blob.Endpoint, nil
	case "blob.region":
		return c.Blob.Region, nil
	case "blob.bucket":
		return c.Blob.Bucket, nil
	case "blob.access_key":
		return c.Blob.AccessKey, nil
	case "blob.secret_key":
		return redact(c.Blob.SecretKey), nil
	case "blob.use_ssl":
		return strconv.FormatBool(c.Blob.UseSSL), nil
	case "blob.presign_ttl":
		return c.Blob.PresignTTL.String(), nil
	case "blob.presign_secret":
		return redact(c.Blob.PresignSecret), nil
	case "blob.presign_base_url":
		return c.Blob.PresignBaseURL, nil
	case "blob.quota_bytes":
		return strconv.FormatInt(c.Blob.QuotaBytes, 10), nil
	case "blob.presign_cache_size":
		return strconv.Itoa(c.Blob.PresignCacheSize), nil
	case "record.backend":
		return c.Record.Backend, nil
	case "record.dsn":
		return c.Record.DSN, nil
	case "record.classes":
		return strings.Join(c.Record.Classes, ","), nil
	case "record.default_class":
		return c.Record.DefaultClass, nil
	case "retry.max_attempts":
		return strconv.Itoa(c.Retry.MaxAttempts), nil
	case "retry.base_delay":
		return c.Retry.BaseDelay.String(), nil
	case "retry.max_delay":
		return c.Retry.MaxDelay.String(), nil
	case "coordinator.call_timeout":
		return c.Coordinator.CallTimeout.String(), nil
	case "coordinator.compensation_timeout":
		return c.Coordinator.CompensationTimeout.String(), nil
	case "coordinator.staleness_window":
		return c.Coordinator.StalenessWindow.String(), nil
	case "lock.backend":
		return c.Lock.Backend, nil
	case "lock.consul_address":
		return c.Lock.ConsulAddress, nil
	case "lock.consul_token":
		return redact(c.Lock.ConsulToken), nil
	case "lock.key_prefix":
		return c.Lock.KeyPrefix, nil
	case "lock.session_ttl":
		return c.Lock.SessionTTL.String(), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envOverrides = []struct {
	key   string
	apply func(*Config, string)
}{
	{"DSGATE_API_URL", func(c *Config, v string) { c.APIURL = v }},
	{"DSGATE_BLOB_BACKEND", func(c *Config, v string) { c.Blob.Backend = v }},
	{"DSGATE_BLOB_ROOT", func(c *Config, v string) { c.Blob.Root = v }},
	{"DSGATE_S3_ENDPOINT", func(c *Config, v string) { c.Blob.Endpoint = v }},
	{"DSGATE_S3_ACCESS_KEY", func(c *Config, v string) { c.Blob.AccessKey = v }},
	{"DSGATE_S3_SECRET_KEY", func(c *Config, v string) { c.Blob.SecretKey = v }},
	{"DSGATE_PRESIGN_SECRET", func(c *Config, v string) { c.Blob.PresignSecret = v }},
	{"DSGATE_RECORD_BACKEND", func(c *Config, v string) { c.Record.Backend = v }},
	{"DSGATE_RECORD_DSN", func(c *Config, v string) { c.Record.DSN = v }},
	{"DSGATE_CONSUL_ADDRESS", func(c *Config, v string) { c.Lock.ConsulAddress = v }},
	{"DSGATE_CONSUL_TOKEN", func(c *Config, v string) { c.Lock.ConsulToken = v }},
}

// DSGATE_LOG_LEVEL is resolved by the CLI so an invalid value can be reported
// against its source.
func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			o.apply(cfg, v)
		}
	}
}

// normalize fills empty values with defaults and derives local paths.
func (c *Config) normalize() {
	def := Default()
	c.LogLevel = strings.TrimSpace(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
	c.Record.Backend = strings.ToLower(strings.TrimSpace(c.Record.Backend))
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	if c.Blob.Backend == "" {
		c.Blob.Backend = def.Blob.Backend
	}
	if c.Record.Backend == "" {
		c.Record.Backend = def.Record.Backend
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = def.Lock.Backend
	}
	if strings.TrimSpace(c.Blob.Bucket) == "" {
		c.Blob.Bucket = DefaultBucket
	}
	if c.Blob.PresignTTL.Duration <= 0 {
		c.Blob.PresignTTL = def.Blob.PresignTTL
	}

	c.Record.Classes = splitCSV(strings.Join(c.Record.Classes, ","))
	c.Record.DefaultClass = strings.TrimSpace(c.Record.DefaultClass)
	if c.Record.DefaultClass == "" {
		if len(c.Record.Classes) > 0 {
			c.Record.DefaultClass = c.Record.Classes[0]
		} else {
			c.Record.DefaultClass = DefaultClass
		}
	}

	if c.Lock.KeyPrefix == "" {
		c.Lock.KeyPrefix = DefaultConsulPrefix
	}

	dataDir := ""
	if cwd, err := os.Getwd(); err == nil {
		dataDir = filepath.Join(cwd, DefaultDataDirName)
	}
	if c.Blob.Backend == BlobBackendLocal && c.Blob.Root == "" && dataDir != "" {
		c.Blob.Root = filepath.Join(dataDir, DefaultBlobDirName)
	}
	if c.Record.Backend == RecordBackendSQLite && c.Record.DSN == "" && dataDir != "" {
		c.Record.DSN = filepath.Join(dataDir, DefaultSQLiteFileName)
	}
}

// Validate rejects unknown backends and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.Blob.Backend {
	case BlobBackendLocal, BlobBackendMemory:
	case BlobBackendS3:
		if strings.TrimSpace(c.Blob.Endpoint) == "" {
			return fmt.Errorf("blob.endpoint is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid blob.backend %q (want local, s3 or memory)", c.Blob.Backend)
	}
	switch c.Record.Backend {
	case RecordBackendSQLite, RecordBackendMemory:
	case RecordBackendPostgres:
		if strings.TrimSpace(c.Record.DSN) == "" {
			return fmt.Errorf("record.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid record.backend %q (want sqlite, postgres or memory)", c.Record.Backend)
	}
	switch c.Lock.Backend {
	case LockBackendNone, LockBackendLocal, LockBackendConsul:
	default:
		return fmt.Errorf("invalid lock.backend %q (want none, local or consul)", c.Lock.Backend)
	}
	if c.Blob.QuotaBytes < 0 {
		return fmt.Errorf("blob.quota_bytes must be >= 0")
	}
	return nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch keyKinds[key] {
	case kindInt:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return parsed, nil
	case kindPositiveInt:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case kindBool:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case kindDuration:
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration such as 30s or 15m", key)
		}
		return parsed.String(), nil
	case kindList:
		return splitCSV(value), nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
