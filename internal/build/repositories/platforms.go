// Package repositories loads the platform table and image configuration a
// build is planned from.
package repositories

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
)

const (
	platformsFile = "platforms.yaml"
	imageFile     = "image.yaml"
)

var _ build.PlatformRepository = (*PlatformRepository)(nil)

// PlatformRepository reads platforms.yaml from ConfigDir, falling back to the
// built-in table when the workspace has none.
type PlatformRepository struct {
	ConfigDir string
}

func (r *PlatformRepository) Platforms(architecture arch.Architecture) (build.PlatformTable, error) {
	data, source, err := r.read()
	if err != nil {
		return nil, err
	}

	var all map[string]build.PlatformTable
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&all); err != nil {
		return nil, &build.ConfigError{Message: fmt.Sprintf("parse %s: %v", source, err)}
	}

	table, ok := all[architecture.String()]
	if !ok {
		return nil, &build.ConfigError{Message: fmt.Sprintf("%s has no entries for %s", source, architecture)}
	}
	if table == nil {
		table = build.PlatformTable{}
	}
	return table, nil
}

func (r *PlatformRepository) read() ([]byte, string, error) {
	if r.ConfigDir != "" {
		path := filepath.Join(r.ConfigDir, platformsFile)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("read %s: %w", path, err)
		}
	}
	return embeddedPlatforms, "built-in " + platformsFile, nil
}
