package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/stepauth/internal/logger"
)

// Session backends
const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const (
	defaultServer       = "http://localhost:8000"
	defaultStore        = StoreBadger
	defaultNamespace    = "default"
	defaultLoggingLevel = logger.LevelWarn
	defaultEnvironment  = logger.EnvProduction
	defaultTimeout      = 10 * time.Second
	defaultChallengeTTL = 5 * time.Minute
)

type Config struct {
	// Identity service base address
	Server string

	// Where the session is kept: badger, postgres or memory
	Store string

	// Badger directory
	// If empty than ~/.stepauth/session is used
	StorePath string

	// Database to connect to, required for postgres store
	DatabaseDSN string

	// Separates sessions of several profiles sharing one store
	Namespace string

	// Secret key
	// Persisted session entries are sealed with a key derived from it; empty keeps them in clear
	SecretKey string

	LogLevel    string
	Environment string

	// Limit for one exchange with the identity service
	Timeout time.Duration

	// How long a second factor code is awaited
	ChallengeTTL time.Duration

	// Prometheus text file written on exit, nothing is written if empty
	MetricsFile string
}

func NewConfig() *Config {
	return &Config{
		Server:       defaultServer,
		Store:        defaultStore,
		Namespace:    defaultNamespace,
		LogLevel:     defaultLoggingLevel,
		Environment:  defaultEnvironment,
		Timeout:      defaultTimeout,
		ChallengeTTL: defaultChallengeTTL,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"STEPAUTH_SERVER":        setString(&c.Server),
		"STEPAUTH_STORE":         setString(&c.Store),
		"STEPAUTH_STORE_PATH":    setString(&c.StorePath),
		"DATABASE_URI":           setString(&c.DatabaseDSN),
		"STEPAUTH_NAMESPACE":     setString(&c.Namespace),
		"SECRET_KEY":             setString(&c.SecretKey),
		"LOG_LEVEL":              setString(&c.LogLevel),
		"ENVIRONMENT":            setString(&c.Environment),
		"STEPAUTH_TIMEOUT":       setDuration(&c.Timeout),
		"STEPAUTH_CHALLENGE_TTL": setDuration(&c.ChallengeTTL),
		"STEPAUTH_METRICS_FILE":  setString(&c.MetricsFile),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

// ParseFlags parses global flags and returns the command with its arguments
func (c *Config) ParseFlags(args []string) ([]string, error) {
	fs := pflag.NewFlagSet("stepauth", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVarP(&c.Server, "server", "S", c.Server, "Identity service address")
	fs.StringVar(&c.Store, "store", c.Store, "Session store (badger, postgres, memory)")
	fs.StringVar(&c.StorePath, "store-path", c.StorePath, "Badger session directory")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.Namespace, "namespace", "n", c.Namespace, "Session namespace")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "Identity service request timeout")
	fs.DurationVar(&c.ChallengeTTL, "challenge-ttl", c.ChallengeTTL, "How long a second factor code is awaited")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "Write metrics to this file on exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server must be an http(s) address, got %q", c.Server)
	}

	if !slices.Contains([]string{StoreBadger, StorePostgres, StoreMemory}, c.Store) {
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Store == StorePostgres && c.DatabaseDSN == "" {
		return errors.New("database connection string is required for postgres store")
	}
	if c.Namespace == "" {
		return errors.New("namespace must not be empty")
	}

	if c.Timeout <= 0 || c.ChallengeTTL <= 0 {
		return errors.New("timeout and challenge ttl must be positive")
	}
	return nil
}

// storePath resolves the badger directory
func (c *Config) storePath() (string, error) {
	if c.StorePath != "" {
		return c.StorePath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("can't find home directory, set store path explicitly: %w", err)
	}
	return filepath.Join(home, ".stepauth", "session"), nil
}
