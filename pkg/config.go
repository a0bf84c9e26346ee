package pkg

import (
	"os"
	"strconv"
	"strings"

	"github.com/slipway-io/slipway/exec"
)

// LoadEnv builds the default configuration from SLIPWAY_* environment
// variables. A configuration document delivered through the service's
// config channel overlays these defaults.
func LoadEnv() Config {
	cfg := Config{
		SubjectPrefix: envOr("SLIPWAY_SUBJECT_PREFIX", "slipway"),
		Database: DatabaseConfig{
			Path: envOr("SLIPWAY_DB_PATH", "slipway.db"),
		},
		Executor: exec.Config{
			FromEnv: envBool("SLIPWAY_DOCKER_FROM_ENV", true),
			Url:     os.Getenv("SLIPWAY_DOCKER_URL"),
		},
		Bitbucket: BitbucketConfig{
			Url:   os.Getenv("SLIPWAY_BITBUCKET_URL"),
			Token: os.Getenv("SLIPWAY_BITBUCKET_TOKEN"),
		},
		Poll: PollConfig{
			IntervalSeconds: envInt("SLIPWAY_POLL_INTERVAL_SECONDS", 5),
			MaxIterations:   envInt("SLIPWAY_POLL_MAX_ITERATIONS", 120),
		},
		Retry: RetryConfig{
			MaxRetries: envInt("SLIPWAY_TRIGGER_MAX_RETRIES", 3),
			Enabled:    envBool("SLIPWAY_TRIGGER_RETRY", true),
		},
	}

	return cfg
}

type Config struct {
	SubjectPrefix string          `json:"subject_prefix"`
	Database      DatabaseConfig  `json:"database"`
	Executor      exec.Config     `json:"executor"`
	Bitbucket     BitbucketConfig `json:"bitbucket"`
	Poll          PollConfig      `json:"poll"`
	Retry         RetryConfig     `json:"retry"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type BitbucketConfig struct {
	Url   string `json:"url"`
	Token string `json:"token"`
}

type PollConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	MaxIterations   int `json:"max_iterations"`
}

type RetryConfig struct {
	MaxRetries int  `json:"max_retries"`
	Enabled    bool `json:"enabled"`
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
