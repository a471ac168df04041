// Package config reads and writes the mirror config file.
package config

import (
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/danielberg/mirror/pkg/errors"
)

// DefaultPath is the default location of the mirror config.
const DefaultPath = "~/.mirror.yaml"

// Config describes one sync setup: the local root, where the peer is
// (or where to listen for one), and the rule overrides layered on top
// of the tree's .gitignore files.
type Config struct {
	// Root is the directory to keep in sync.
	Root string `json:"root"`

	// Remote is the address of the peer daemon, for `mirror sync`.
	Remote string `json:"remote,omitempty"`

	// Listen is the address to serve on, for `mirror daemon`.
	Listen string `json:"listen,omitempty"`

	// LogFile, when set, sends daemon logs to a rotating file instead
	// of stderr.
	LogFile string `json:"logFile,omitempty"`

	// Excludes are extra ignore rules applied on top of the tree's
	// .gitignore files.
	Excludes []string `json:"excludes,omitempty"`

	// Includes re-include paths the excludes (or a .gitignore) would
	// otherwise drop.
	Includes []string `json:"includes,omitempty"`
}

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

// Parse reads the config at path (or the default path when empty).
func Parse(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	expanded, err := homedirExpand(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	configBytes, err := afero.ReadFile(fs, expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.FileNotFound{Path: expanded}
		}
		return Config{}, errors.WithContext(err, "read file")
	}

	var config Config
	if err := yaml.UnmarshalStrict(configBytes, &config); err != nil {
		return Config{}, errors.NewFriendlyError(
			"Configuration file could not be parsed. Please review %q.\n\n"+
				"For reference, here is the error from the parser:\n%s",
			expanded, err)
	}

	if err := config.normalize(expanded); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Write writes the config to path (or the default path when empty).
func Write(config Config, path string) error {
	if path == "" {
		path = DefaultPath
	}
	expanded, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(config)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	if err := afero.WriteFile(fs, expanded, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func (c *Config) normalize(configPath string) error {
	if c.Root == "" {
		return errors.MissingFieldError{Field: "root"}
	}

	root, err := homedirExpand(c.Root)
	if err != nil {
		return errors.WithContext(err, "expand root path")
	}
	// Evaluate relative paths relative to the config path.
	if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(configPath), root)
	}
	c.Root = root
	return nil
}
