package build

import (
	"context"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/builds"
)

// BuildEnvironmentPreparer creates the scratch files a build needs.
type BuildEnvironmentPreparer interface {
	Prepare(ctx context.Context, buildContext BuildContext) (BuildEnvironment, error)
}

type BuildEnvironment interface {
	Cleanup() error
}

// BuildDriver runs the disk builder against a prepared environment.
type BuildDriver interface {
	Build(ctx context.Context, buildContext BuildContext, environment BuildEnvironment) (BuildOutput, error)
}

// SizeEstimator returns the inflated rootfs size of a commit in MiB.
type SizeEstimator interface {
	Estimate(ctx context.Context, commit string, blockSize int) (int, error)
}

// CommitSource makes sure a build's commit is available to the builder.
type CommitSource interface {
	HasCommit(ctx context.Context, commit string) (bool, error)
	ImportArchive(ctx context.Context, archive, ref string) error
}

// ArtifactPublisher finalizes outputs into a build and records them.
type ArtifactPublisher interface {
	Publish(ctx context.Context, b *builds.Build, outputs []artifacts.Output) ([]builds.ArtifactEntry, error)
}
