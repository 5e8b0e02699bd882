// Package config handles per-runtime configuration files: discovery of
// the config path, format negotiation by extension (TOML/YAML/JSON),
// reading with environment overrides, and writing defaults back to disk
// on first start.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v3"
)

// extensions are the recognized config formats, in lookup order. The
// last one is the default format when no file exists yet.
var extensions = []string{"toml", "yaml", "yml", "json"}

// Path returns the configuration file path for the named runtime: the
// first existing candidate under the user config directory, or the
// default (JSON) candidate when none exists.
func Path(name string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	dir := filepath.Join(base, name)

	var last string
	for _, ext := range extensions {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%s", name, ext))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		last = candidate
	}
	return last, nil
}

// Load reads the configuration file at path into conf. Values may be
// overridden through <NAME>_* environment variables. conf must be a
// pointer.
func Load(name, path string, conf any) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix(envPrefix(name))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("unable to read the configuration file %s: %w", path, err)
	}
	if err := v.Unmarshal(conf); err != nil {
		return fmt.Errorf("unable to decode the configuration file %s: %w", path, err)
	}
	return nil
}

// Save writes conf to path in the format selected by the file
// extension, creating parent directories as needed.
func Save(path string, conf any) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	var (
		contents []byte
		err      error
	)
	switch ext {
	case "toml":
		contents, err = toml.Marshal(conf)
	case "yaml", "yml":
		contents, err = yaml.Marshal(conf)
	case "json":
		contents, err = json.MarshalIndent(conf, "", "  ")
	default:
		return fmt.Errorf("unsupported config extension: %q", ext)
	}
	if err != nil {
		return fmt.Errorf("unable to encode configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("unable to create config directory: %w", err)
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return fmt.Errorf("unable to write configuration %s: %w", path, err)
	}
	return nil
}

// LoadOrInit loads the config at path into conf, writing conf's current
// (default) values to disk first when the file does not exist yet.
func LoadOrInit(name, path string, conf any) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Save(path, conf)
	}
	return Load(name, path, conf)
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
