package build

import (
	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/setup"
)

// Platform is one entry of the platform table.
type Platform struct {
	SizeGiB       int      `yaml:"size-gib,omitempty" json:"size-gib,omitempty"`
	RootfsSizeMiB int      `yaml:"rootfs-size-mib,omitempty" json:"rootfs-size-mib,omitempty"`
	Kargs         []string `yaml:"kargs,omitempty" json:"kargs,omitempty"`
}

// PlatformTable maps a platform or image kind name to its settings for one
// architecture.
type PlatformTable map[string]Platform

// Lookup prefers an entry for the kind itself over one for its Ignition
// platform.
func (t PlatformTable) Lookup(kind Kind) (Platform, bool) {
	if p, ok := t[kind.Name]; ok {
		return p, true
	}
	p, ok := t[kind.Platform]
	return p, ok
}

// ImageConfig is image.yaml. Doc holds every key; the typed fields are the
// ones kiln reads itself.
type ImageConfig struct {
	Doc map[string]any

	OSName             string
	Rootfs             string
	ExtraKargs         []string
	DeployViaContainer bool
	ContainerImgref    string
}

// SecureExecutionOptions are the operator inputs for qemu-secex.
type SecureExecutionOptions struct {
	// HostKey is a host key document. When set, GenprotimgVM is unused.
	HostKey string
	// GenprotimgVM is the protection VM image used to derive the key at
	// build time.
	GenprotimgVM string
}

// DefaultGenprotimgVM is where the protection VM image is looked up when
// no path is given.
const DefaultGenprotimgVM = "/data.secex/genprotimgvm.qcow2"

// BuildRequest asks for one image kind of one build.
type BuildRequest struct {
	Kind    Kind
	BuildID string
	// Force rebuilds an existing image and breaks a leftover build lock.
	Force           bool
	SecureExecution SecureExecutionOptions
}

// Outcome describes a finished request.
type Outcome struct {
	Build *builds.Build
	Kind  Kind
	// Skipped is set when the image already existed and nothing ran.
	Skipped bool
	// Path is the image in the build directory.
	Path      string
	Artifacts []builds.ArtifactEntry
}

// BuildContext is handed to every stage of a build.
type BuildContext struct {
	Request BuildRequest
	Build   *builds.Build
	Spec    DiskSpec
	Scratch *setup.Scratch
	Secex   *SecexAttachments
}

// BuildOutput lists what the driver produced, before publication.
type BuildOutput struct {
	DiskImage          artifacts.Output
	CompanionArtifacts []artifacts.Output
}
