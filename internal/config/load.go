package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/validate"
)

// Parse parses data with the front-end chosen by file's extension: .cue
// for CUE, .yaml, .yml or .json for YAML.
func Parse(file string, data []byte) (*Document, error) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".cue":
		return ParseCUE(file, data)
	case ".yaml", ".yml", ".json":
		return ParseYAML(file, data)
	default:
		return nil, Errors{{Pos: Position{File: file}, Message: fmt.Sprintf("unsupported configuration format %q", filepath.Ext(file))}}
	}
}

// Load reads, decodes and validates the configuration at path. Custom
// validation rules resolve against validate.Builtins. Errors are config
// failures wrapping Errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, "config.load", err)
	}
	return LoadBytes(path, data, validate.Builtins())
}

// LoadBytes is Load for in-memory documents. file picks the front-end and
// labels positions.
func LoadBytes(file string, data []byte, funcs validate.Funcs) (*Config, error) {
	doc, err := Parse(file, data)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, "config.load", err)
	}
	cfg, err := Decode(doc)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, "config.load", err)
	}
	if err := cfg.Validate(funcs); err != nil {
		return nil, failure.Wrap(failure.KindConfig, "config.load", err)
	}
	return cfg, nil
}
