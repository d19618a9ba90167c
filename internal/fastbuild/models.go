// Package fastbuild layers a filesystem overlay onto the previous build's
// commit and applies it to a copy-on-write clone of that build's qemu image.
package fastbuild

import (
	"context"
	"errors"

	"github.com/cochaviz/kiln/internal/ostree"
	"github.com/cochaviz/kiln/internal/vm"
)

// ErrEmptyOverlay is returned when the overlay holds nothing to commit.
var ErrEmptyOverlay = errors.New("overlay is empty")

const (
	// CloneSize is the virtual size of the cloned image.
	CloneSize = 20 << 30

	// DefaultTool applies a commit to the disk inside the appliance.
	DefaultTool = "offline-update"

	overridesVersionPrefix = "overrides-"
	versionTimeLayout      = "20060102T150405Z"
)

// KeptMetadata are the parent commit's metadata keys carried into the fast
// commit.
var KeptMetadata = []string{"kiln.basearch", "kiln.stream", "ostree.bootable"}

// Options selects the overlay source and how the image is updated.
type Options struct {
	// BuildID is the build to layer onto, "latest" when empty.
	BuildID string
	// Project, when set, is installed with make into a scratch overlay
	// instead of using overrides/rootfs.
	Project string
	// NoUndeploy keeps the previous deployment in the cloned image.
	NoUndeploy bool
	Network    bool
	// OutputDir receives the image, fastbuilds/ when empty.
	OutputDir string
}

// Result describes a finished fast build.
type Result struct {
	Name    string
	Version string
	Parent  string
	Commit  string
	Path    string
}

// Repository is the ostree repository the fast commit is written to.
type Repository interface {
	HasCommit(ctx context.Context, commit string) (bool, error)
	ImportArchive(ctx context.Context, archive, ref string) error
	Commit(ctx context.Context, opts ostree.CommitOptions) (string, error)
}

// Executor runs a job in a VM.
type Executor interface {
	Run(ctx context.Context, job vm.Job) error
}
