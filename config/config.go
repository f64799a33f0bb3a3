package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the sync core needs. It is loaded once at
// startup and passed by value to the components that need it.
type Config struct {
	// Directory endpoint
	BaseDN       string
	ServerFQDN   string
	BindUser     string
	BindPassword string
	PageSize     uint32

	// Optional audit store. Empty DSN disables run history.
	PostgresDSN string

	// Identity shaping
	ManagedSuffix    string // username suffix owned by this tool, gates deletion
	UsernameTemplate string // template over {employee_id}
	KiroGroup        string
	QdevGroup        string
	UseNewFormat     bool

	// Execution
	MaxWorkers       int
	OperationTimeout time.Duration
	ProgressInterval time.Duration

	// Retry
	RetryMaxAttempts   int
	RetryInitialDelay  time.Duration
	RetryBackoffFactor float64
}

// Defaults returns a Config with every optional knob at its default value.
func Defaults() Config {
	return Config{
		PageSize:           500,
		ManagedSuffix:      "@corp-sso.example.com",
		UsernameTemplate:   "{employee_id}@corp-sso.example.com",
		KiroGroup:          "Group_KIRO_eu-central-1",
		QdevGroup:          "Group_QDEV_eu-central-1",
		UseNewFormat:       true,
		MaxWorkers:         5,
		OperationTimeout:   60 * time.Second,
		ProgressInterval:   500 * time.Millisecond,
		RetryMaxAttempts:   3,
		RetryInitialDelay:  time.Second,
		RetryBackoffFactor: 2.0,
	}
}

// LoadEnvConfig reads configuration from an env file plus the process
// environment. Missing optional keys fall back to Defaults.
func LoadEnvConfig(configName string) Config {
	err := godotenv.Load(configName)
	if err != nil {
		log.Fatal("Error loading .env file")
	}

	cfg := Defaults()

	cfg.BaseDN = os.Getenv("LDAP_BASEDN")
	cfg.ServerFQDN = os.Getenv("LDAP_SERVER")
	cfg.BindUser = os.Getenv("LDAP_USERNAME")
	cfg.BindPassword = os.Getenv("LDAP_PASSWORD")
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")

	if v := os.Getenv("LDAP_PAGESIZE"); v != "" {
		pageSize, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("failed to parse LDAP_PAGESIZE: %v", err)
		}
		cfg.PageSize = uint32(pageSize)
	}

	if v := os.Getenv("MANAGED_SUFFIX"); v != "" {
		cfg.ManagedSuffix = v
	}
	if v := os.Getenv("USERNAME_TEMPLATE"); v != "" {
		cfg.UsernameTemplate = v
	}
	if v := os.Getenv("GROUP_KIRO"); v != "" {
		cfg.KiroGroup = v
	}
	if v := os.Getenv("GROUP_QDEV"); v != "" {
		cfg.QdevGroup = v
	}
	if v := os.Getenv("USE_NEW_FORMAT"); v != "" {
		useNew, err := strconv.ParseBool(v)
		if err != nil {
			log.Fatalf("failed to parse USE_NEW_FORMAT: %v", err)
		}
		cfg.UseNewFormat = useNew
	}

	if v := os.Getenv("MAX_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("failed to parse MAX_WORKERS: %v", err)
		}
		cfg.MaxWorkers = workers
	}
	if v := os.Getenv("OPERATION_TIMEOUT_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("failed to parse OPERATION_TIMEOUT_SECONDS: %v", err)
		}
		cfg.OperationTimeout = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("failed to parse RETRY_MAX_ATTEMPTS: %v", err)
		}
		cfg.RetryMaxAttempts = attempts
	}
	if v := os.Getenv("RETRY_INITIAL_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("failed to parse RETRY_INITIAL_DELAY_MS: %v", err)
		}
		cfg.RetryInitialDelay = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("RETRY_BACKOFF_FACTOR"); v != "" {
		factor, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatalf("failed to parse RETRY_BACKOFF_FACTOR: %v", err)
		}
		cfg.RetryBackoffFactor = factor
	}

	return cfg
}

// ClampWorkers bounds a requested worker count to the supported 1..10 range.
func ClampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}
