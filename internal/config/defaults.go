// Package-wide default configuration values.
package config

import "github.com/spf13/viper"

// DefaultIgnorePatterns is the canonical ignore list for the file watcher.
// Users can override via config.yaml: watcher.ignore_patterns.
var DefaultIgnorePatterns = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"vendor",
	"__pycache__",
	".pytest_cache",
	".mypy_cache",
	".venv",
	"venv",
	".idea",
	".vscode",
	"dist",
	"build",
	"target",
	"coverage",
	".next",
	".nuxt",
	".cache",
	"*.pyc",
	"*.swp",
	"*.log",
	".DS_Store",
	"Thumbs.db",
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.command", "")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.max_backends", 3)
	v.SetDefault("backend.idle_ttl_seconds", 600)
	v.SetDefault("backend.spawn_timeout_seconds", 30)
	v.SetDefault("backend.request_timeout_seconds", 120)
	v.SetDefault("backend.drain_grace_seconds", 5)
	v.SetDefault("backend.respawn_cooldown_seconds", 60)
	v.SetDefault("backend.sweep_interval_seconds", 60)
	v.SetDefault("backend.low_priority", true)
	v.SetDefault("backend.prewarm_default_root", false)

	// Router defaults
	v.SetDefault("router.default_root", "")
	v.SetDefault("router.fallback_root", "")

	// Throttle defaults
	v.SetDefault("throttle.debounce_ms", 500)

	// Watcher defaults
	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.ignore_patterns", DefaultIgnorePatterns)

	// Git filter defaults
	v.SetDefault("git.filter_enabled", true)
	v.SetDefault("git.cache_ttl_seconds", 60)
	v.SetDefault("git.cache_entries", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")

	// Status endpoint defaults
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 8991)

	// Instance defaults
	v.SetDefault("instance.single_instance", false)
	v.SetDefault("instance.lock_file", "")
}
