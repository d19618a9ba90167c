package build

import "github.com/cochaviz/kiln/arch"

// PlatformRepository loads the platform table for an architecture.
type PlatformRepository interface {
	Platforms(architecture arch.Architecture) (PlatformTable, error)
}

// ImageConfigRepository loads image.yaml.
type ImageConfigRepository interface {
	ImageConfig() (ImageConfig, error)
}
