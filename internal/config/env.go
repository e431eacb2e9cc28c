package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every override variable.
const EnvPrefix = "POSTWAVE_"

// overrides are the values operators usually inject at deploy time. Unset
// variables leave the file value alone.
type overrides struct {
	LogLevel      *string `env:"LOG_LEVEL"`
	LogFormat     *string `env:"LOG_FORMAT"`
	StorageDriver *string `env:"STORAGE_DRIVER"`
	StoragePath   *string `env:"STORAGE_PATH"`
	StorageDSN    *string `env:"STORAGE_DSN"`
	HTTPAddr      *string `env:"HTTP_ADDR"`
	HTTPToken     *string `env:"HTTP_TOKEN"`
	HTTPEnabled   *bool   `env:"HTTP_ENABLED"`
}

// ApplyEnv overlays POSTWAVE_* variables from environ onto cfg and expands
// ${VAR} references in account tokens. A nil environ reads the process
// environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	var o overrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Logging.Format, o.LogFormat)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.HTTP.Token, o.HTTPToken)
	set(&cfg.HTTP.Enabled, o.HTTPEnabled)

	lookup := func(k string) string { return environ[k] }
	for i := range cfg.Accounts {
		cfg.Accounts[i].AccessToken = os.Expand(strings.TrimSpace(cfg.Accounts[i].AccessToken), lookup)
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
