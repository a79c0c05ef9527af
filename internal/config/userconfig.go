package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	// EnvLogLevel overrides [settings] log_level.
	EnvLogLevel = "LSMCP_LOG_LEVEL"
	// EnvConfig points at an explicit user config file, bypassing the
	// default search path.
	EnvConfig = "LSMCP_CONFIG"
)

// Settings holds the ambient, non-language-specific knobs of a user config
// file.
type Settings struct {
	LogLevel string `mapstructure:"log_level"`
}

// UserConfig is the top tier of spec §4.1's precedence stack. LSP is keyed
// by package name and merge-overs a registry entry of the same name (or
// defines a wholly new one); LanguageOverrides maps a language id to the
// package name that should serve it instead of the registry's default.
type UserConfig struct {
	Settings          Settings              `mapstructure:"settings"`
	LanguageOverrides map[string]string     `mapstructure:"language_overrides"`
	LSP               map[string]LspPackage `mapstructure:"lsp"`
}

// candidatePaths returns the user config search order: an explicit
// argument or $LSMCP_CONFIG first, then $PWD/.lsmcp.toml, then
// $XDG_CONFIG_HOME/lsmcp/config.toml (or ~/.config/lsmcp/config.toml).
func candidatePaths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return []string{env}
	}

	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".lsmcp.toml"))
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configDir = filepath.Join(home, ".config")
		}
	}
	if configDir != "" {
		paths = append(paths, filepath.Join(configDir, "lsmcp", "config.toml"))
	}
	return paths
}

// Which returns the path of the user config file that LoadUserConfig would
// use, or "" if none of the candidates exist. Backs `lsmcp config which`.
func Which(explicit string) string {
	for _, path := range candidatePaths(explicit) {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadUserConfig reads the first existing candidate path into a UserConfig
// using viper, which also supplies [settings]'s defaults and environment
// binding (spec's ambient configuration stack). No candidate existing is
// not an error: an empty UserConfig leaves the registry and builtins tiers
// untouched.
func LoadUserConfig(explicit string) (UserConfig, string, error) {
	path := Which(explicit)
	if path == "" {
		return defaultSettings(), "", nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("settings.log_level", "info")
	_ = v.BindEnv("settings.log_level", EnvLogLevel)

	if err := v.ReadInConfig(); err != nil {
		return UserConfig{}, path, fmt.Errorf("read user config %s: %w", path, err)
	}

	var cfg UserConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return UserConfig{}, path, fmt.Errorf("decode user config %s: %w", path, err)
	}
	return cfg, path, nil
}

func defaultSettings() UserConfig {
	logLevel := os.Getenv(EnvLogLevel)
	if logLevel == "" {
		logLevel = "info"
	}
	return UserConfig{Settings: Settings{LogLevel: logLevel}}
}
