package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Oberacda/dblogd/errors"
)

// Load reads a configuration file, applies defaults, and validates the
// result. The format is chosen by file extension: .json is JSON, anything
// else is parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load",
			fmt.Sprintf("read configuration file %s", path))
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes configuration bytes in the given format (".json" or a YAML
// extension), applies defaults, and validates.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config

	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Parse", "decode JSON configuration")
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Parse", "decode YAML configuration")
		}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
