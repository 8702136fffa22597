// Package definition loads production and social template YAML, validates it,
// and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/bakehouse/model"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var builtin embed.FS

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a DefinitionFile.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var defs []model.DefinitionFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return parse(data, path)
}

// LoadBuiltin returns the definitions compiled into the binary. They are used
// when no definition directory is configured.
func (l *Loader) LoadBuiltin() ([]model.DefinitionFile, error) {
	var defs []model.DefinitionFile
	err := fs.WalkDir(builtin, "defaults", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		data, err := builtin.ReadFile(path)
		if err != nil {
			return err
		}
		def, err := parse(data, "builtin:"+path)
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading builtin definitions: %w", err)
	}
	return defs, nil
}

func parse(data []byte, source string) (model.DefinitionFile, error) {
	var def model.DefinitionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source

	return def, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
