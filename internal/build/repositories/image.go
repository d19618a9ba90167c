package repositories

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/internal/build"
)

var _ build.ImageConfigRepository = (*ImageConfigRepository)(nil)

// ImageConfigRepository reads image.yaml from ConfigDir.
type ImageConfigRepository struct {
	ConfigDir string
}

type imageFields struct {
	OSName             string   `yaml:"osname"`
	Rootfs             string   `yaml:"rootfs"`
	ExtraKargs         []string `yaml:"extra-kargs"`
	DeployViaContainer bool     `yaml:"deploy-via-container"`
	ContainerImgref    string   `yaml:"container-imgref"`
}

// ImageConfig returns the parsed image.yaml. A missing file yields an empty
// configuration.
func (r *ImageConfigRepository) ImageConfig() (build.ImageConfig, error) {
	path := filepath.Join(r.ConfigDir, imageFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return build.ImageConfig{Doc: map[string]any{}}, nil
		}
		return build.ImageConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseImageConfig(data, path)
}

// ParseImageConfig decodes an image.yaml document.
func ParseImageConfig(data []byte, source string) (build.ImageConfig, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return build.ImageConfig{}, &build.ConfigError{Message: fmt.Sprintf("parse %s: %v", source, err)}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	var fields imageFields
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return build.ImageConfig{}, &build.ConfigError{Message: fmt.Sprintf("parse %s: %v", source, err)}
	}

	return build.ImageConfig{
		Doc:                normalize(doc).(map[string]any),
		OSName:             fields.OSName,
		Rootfs:             fields.Rootfs,
		ExtraKargs:         fields.ExtraKargs,
		DeployViaContainer: fields.DeployViaContainer,
		ContainerImgref:    fields.ContainerImgref,
	}, nil
}

// normalize turns the map[any]any values older YAML documents can produce
// into map[string]any so the document can be encoded as JSON.
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			v[key] = normalize(nested)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, nested := range v {
			out[fmt.Sprint(key)] = normalize(nested)
		}
		return out
	case []any:
		for i, nested := range v {
			v[i] = normalize(nested)
		}
		return v
	default:
		return v
	}
}
