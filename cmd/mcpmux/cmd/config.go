package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mcpmux/mcpmux/internal/config"
)

var (
	configInitLocal bool
	configInitForce bool
)

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage mcpmux configuration.

Without subcommands, shows the current effective configuration.

Examples:
  mcpmux config              # Show current config
  mcpmux config init         # Create config file with defaults
  mcpmux config path         # Show config file location
  mcpmux config set <key> <value>  # Set a config value`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		printConfig(cfg)
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings and documentation.

By default, creates ~/.mcpmux/config.yaml.
Use --local to create ./config.yaml in the current directory.

Examples:
  mcpmux config init          # Create ~/.mcpmux/config.yaml
  mcpmux config init --local  # Create ./config.yaml
  mcpmux config init --force  # Overwrite existing file`,
	RunE: runConfigInit,
}

// configPathCmd shows config file locations.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file location",
	Run:   runConfigPath,
}

// configSetCmd sets a config value in the user config file.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by key.

Creates the config file if it doesn't exist.
Keys use dot notation to access nested values.

Examples:
  mcpmux config set backend.command my-mcp-server
  mcpmux config set backend.max_backends 5
  mcpmux config set logging.level debug`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configSetCmd)

	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create config in current directory instead of ~/.mcpmux/")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite existing config file")
}

func printConfig(cfg *config.Config) {
	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	fmt.Printf("Backend Command:  %s\n", cfg.Backend.Command)
	fmt.Printf("Max Backends:     %d\n", cfg.Backend.MaxBackends)
	fmt.Printf("Idle TTL:         %s\n", cfg.Backend.IdleTTL())
	fmt.Printf("Request Timeout:  %s\n", cfg.Backend.RequestTimeout())
	fmt.Printf("Default Root:     %s\n", cfg.Router.DefaultRoot)
	fmt.Printf("Debounce:         %s\n", cfg.Throttle.Debounce())
	fmt.Printf("Watcher Enabled:  %t\n", cfg.Watcher.Enabled)
	fmt.Printf("Git Filter:       %t\n", cfg.Git.FilterEnabled)
	fmt.Printf("Log Level:        %s\n", cfg.Logging.Level)
	fmt.Printf("Log Format:       %s\n", cfg.Logging.Format)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var configPath string

	if configInitLocal {
		configPath = "config.yaml"
	} else {
		configDir, err := config.EnsureConfigDir()
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		if !configInitForce {
			return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
		}
	}

	if err := writeDefaultConfig(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println("Edit this file to customize mcpmux behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting config dir: %v\n", err)
		os.Exit(1)
	}

	locations := []string{
		"./config.yaml",
		filepath.Join(configDir, "config.yaml"),
		"/etc/mcpmux/config.yaml",
	}

	fmt.Println("Config search paths (in order):")
	for i, loc := range locations {
		exists := "not found"
		if _, err := os.Stat(loc); err == nil {
			exists = "exists"
		}
		fmt.Printf("  %d. %s (%s)\n", i+1, loc, exists)
	}

	fmt.Printf("\nConfig directory: %s\n", configDir)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configDir, err := config.EnsureConfigDir()
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	var data map[string]interface{}
	if content, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(content, &data); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
	}
	if data == nil {
		data = make(map[string]interface{})
	}

	if err := setNestedValue(data, key, value); err != nil {
		return err
	}

	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(configPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Set %s = %s in %s\n", key, value, configPath)
	return nil
}

func setNestedValue(data map[string]interface{}, key string, value string) error {
	parts := strings.Split(key, ".")

	current := data
	for i := 0; i < len(parts)-1; i++ {
		if _, ok := current[parts[i]]; !ok {
			current[parts[i]] = make(map[string]interface{})
		}
		if nested, ok := current[parts[i]].(map[string]interface{}); ok {
			current = nested
		} else {
			return fmt.Errorf("cannot set nested value: %s is not a map", parts[i])
		}
	}

	current[parts[len(parts)-1]] = parseValue(key, value)
	return nil
}

func parseValue(key string, value string) interface{} {
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	intKeys := []string{"max_backends", "debounce_ms", "port", "cache_entries",
		"idle_ttl_seconds", "spawn_timeout_seconds", "request_timeout_seconds",
		"drain_grace_seconds", "respawn_cooldown_seconds", "sweep_interval_seconds",
		"cache_ttl_seconds"}
	for _, k := range intKeys {
		if strings.HasSuffix(key, k) {
			var i int
			if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
				return i
			}
		}
	}

	return value
}

func writeDefaultConfig(path string) error {
	content := `# mcpmux Configuration
# Copy this file to ~/.mcpmux/config.yaml and modify as needed

# Backend processes
backend:
  # Command spawned once per workspace root. "{root}" in any argument is
  # replaced with the root path.
  command: ""
  args: []

  # Maximum concurrent backend processes. The least recently used idle
  # backend is retired when the limit is hit.
  max_backends: 3

  # Idle backends are retired after this many seconds
  idle_ttl_seconds: 600

  # How long a backend may take to start and answer initialize
  spawn_timeout_seconds: 30

  # How long a single request may stay unanswered
  request_timeout_seconds: 120

  # Grace given to in-flight requests when a backend is retired
  drain_grace_seconds: 5

  # A backend crashing twice in a row is not respawned for this long
  respawn_cooldown_seconds: 60

  # Spawn backends at reduced scheduling priority
  low_priority: true

  # Spawn the default root's backend during initialize
  prewarm_default_root: false

# Request routing
router:
  # Root used when a request carries no path and only one root is unknown
  # default_root: "/path/to/project"

  # Last-resort root before failing a request
  # fallback_root: "/path/to/project"

# File change batching
throttle:
  # Collect change notifications for this long before forwarding one
  # batched notification per workspace root
  debounce_ms: 500

# File watcher
watcher:
  # Watch workspace roots and report changes to backends
  enabled: true

  # Patterns to ignore (supports glob syntax)
  ignore_patterns:
    - ".git"
    - "node_modules"
    - ".venv"
    - "venv"
    - "__pycache__"
    - "*.pyc"
    - ".DS_Store"
    - "dist"
    - "build"
    - ".next"
    - "target"

# Git integration
git:
  # Only report changes to files git tracks (or could track)
  filter_enabled: true

  # How long a root's tracked-file list is cached
  cache_ttl_seconds: 60

  # How many roots keep a cached tracked-file list
  cache_entries: 10

# Logging (always stderr or file; stdout carries protocol traffic)
logging:
  # Log level: trace, debug, info, warn, error
  level: "info"

  # Log format: console (human-readable) or json
  format: "console"

  # Log to a file instead of stderr
  # file: "/tmp/mcpmux.log"

# Optional local status/metrics HTTP endpoint
status:
  enabled: false
  host: "127.0.0.1"
  port: 8991

# Single-instance locking
instance:
  single_instance: false
  # lock_file: "/tmp/mcpmux.lock"
`

	return os.WriteFile(path, []byte(content), 0o644)
}
