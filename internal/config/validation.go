package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateBackend(&cfg.Backend); err != nil {
		return err
	}
	if err := validateRouter(&cfg.Router); err != nil {
		return err
	}
	if err := validateThrottle(&cfg.Throttle); err != nil {
		return err
	}
	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}
	if err := validateStatus(&cfg.Status); err != nil {
		return err
	}
	return nil
}

func validateBackend(cfg *BackendConfig) error {
	if cfg.MaxBackends < 1 {
		return fmt.Errorf("backend.max_backends must be at least 1, got %d", cfg.MaxBackends)
	}
	if cfg.IdleTTLSecs < 1 {
		return fmt.Errorf("backend.idle_ttl_seconds must be positive, got %d", cfg.IdleTTLSecs)
	}
	if cfg.SpawnTimeoutSecs < 1 {
		return fmt.Errorf("backend.spawn_timeout_seconds must be positive, got %d", cfg.SpawnTimeoutSecs)
	}
	if cfg.RequestTimeoutSecs < 1 {
		return fmt.Errorf("backend.request_timeout_seconds must be positive, got %d", cfg.RequestTimeoutSecs)
	}
	return nil
}

func validateRouter(cfg *RouterConfig) error {
	for name, root := range map[string]string{
		"router.default_root":  cfg.DefaultRoot,
		"router.fallback_root": cfg.FallbackRoot,
	} {
		if root == "" {
			continue
		}
		if !filepath.IsAbs(root) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, root)
		}
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			return fmt.Errorf("%s is not an existing directory: %q", name, root)
		}
	}
	return nil
}

func validateThrottle(cfg *ThrottleConfig) error {
	if cfg.DebounceMS < 0 {
		return fmt.Errorf("throttle.debounce_ms must not be negative, got %d", cfg.DebounceMS)
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	switch cfg.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace/debug/info/warn/error, got %q", cfg.Level)
	}
	switch cfg.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", cfg.Format)
	}
	return nil
}

func validateStatus(cfg *StatusConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("status.port must be in 1..65535, got %d", cfg.Port)
	}
	if cfg.Host == "" {
		return fmt.Errorf("status.host must not be empty when the status endpoint is enabled")
	}
	return nil
}
