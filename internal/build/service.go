package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/buildlock"
	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/setup"
	"github.com/cochaviz/kiln/internal/sizing"
)

// Service builds one image kind for one build.
type Service struct {
	Logger              *slog.Logger
	Workdir             setup.Workdir
	Store               *builds.Store
	Platforms           PlatformRepository
	Images              ImageConfigRepository
	Commits             CommitSource
	Estimator           SizeEstimator
	EnvironmentPreparer BuildEnvironmentPreparer
	BuildDriver         BuildDriver
	Publisher           ArtifactPublisher
}

// Run builds request.Kind. When the image is already recorded and Force is
// not set it returns a skipped outcome without touching anything.
func (s *Service) Run(ctx context.Context, request BuildRequest) (outcome *Outcome, err error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	kind := request.Kind
	if err := kind.CheckArch(s.Workdir.Arch); err != nil {
		return nil, err
	}

	build, err := s.Store.Resolve(request.BuildID)
	if err != nil {
		return nil, err
	}
	logger := s.logger().With("build", build.ID, "kind", kind.Name, "arch", build.Arch)

	meta, err := build.Meta()
	if err != nil {
		return nil, err
	}
	if entry, ok := meta.Image(kind.Name); ok && !request.Force {
		path := build.Path(entry.Path)
		logger.Info("image already built", "path", path)
		return &Outcome{Build: build, Kind: kind, Skipped: true, Path: path}, nil
	}

	var secex *SecexAttachments
	if kind.SecureExecution {
		if secex, err = ResolveSecureExecution(request.SecureExecution); err != nil {
			return nil, err
		}
	}

	if request.Force {
		if err := buildlock.Break(build.Dir, kind.Name, logger); err != nil {
			return nil, err
		}
	}
	lock, err := buildlock.Acquire(build.Dir, kind.Name)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, lock.Release())
	}()
	logger.Info("starting image build")
	start := time.Now()

	if err := s.ensureCommit(ctx, build, meta, logger); err != nil {
		return nil, err
	}

	image, err := s.Images.ImageConfig()
	if err != nil {
		return nil, err
	}
	platforms, err := s.Platforms.Platforms(build.Arch)
	if err != nil {
		return nil, err
	}

	rootfsMiB := 0
	if kind.SizePolicy == SizeFromEstimate {
		rootfsMiB, err = s.Estimator.Estimate(ctx, meta.Commit(), sizing.BlockSizeFor(image.Rootfs))
		if err != nil {
			return nil, fmt.Errorf("estimate rootfs size: %w", err)
		}
	}

	spec, err := Plan(PlanInput{
		Kind:         kind,
		Arch:         build.Arch,
		Build:        build,
		Meta:         meta,
		RootfsMiB:    rootfsMiB,
		Platforms:    platforms,
		Image:        image,
		GuestWorkDir: GuestWorkDir,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("planned disk",
		"image", spec.ImageName,
		"disk_mib", spec.DiskSizeMiB,
		"rootfs_mib", spec.RootfsSizeMiB,
		"platform", spec.Platform,
	)

	scratch, err := s.Workdir.NewScratch()
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, scratch.Remove())
	}()

	buildContext := BuildContext{
		Request: request,
		Build:   build,
		Spec:    spec,
		Scratch: scratch,
		Secex:   secex,
	}
	env, err := s.EnvironmentPreparer.Prepare(ctx, buildContext)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, env.Cleanup())
	}()

	output, err := s.BuildDriver.Build(ctx, buildContext, env)
	if err != nil {
		return nil, err
	}

	entries, err := s.Publisher.Publish(ctx, build, append([]artifacts.Output{output.DiskImage}, output.CompanionArtifacts...))
	if err != nil {
		return nil, err
	}
	logger.Info("image build finished", "duration", time.Since(start).Round(time.Second).String())

	return &Outcome{
		Build:     build,
		Kind:      kind,
		Path:      build.Path(entries[0].Path),
		Artifacts: entries,
	}, nil
}

// ensureCommit imports the build's ostree archive when the repository does
// not already hold its commit.
func (s *Service) ensureCommit(ctx context.Context, build *builds.Build, meta *builds.Meta, logger *slog.Logger) error {
	commit := meta.Commit()
	if commit == "" {
		return &ConfigError{Message: fmt.Sprintf("build %s has no ostree-commit", build.ID)}
	}
	present, err := s.Commits.HasCommit(ctx, commit)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	entry, ok := meta.Image("ostree")
	if !ok {
		return fmt.Errorf("commit %s of build %s is not in the repository and no ostree archive is recorded: %w", commit, build.ID, builds.ErrNotFound)
	}
	logger.Info("importing ostree commit", "commit", commit, "archive", entry.Path)
	return s.Commits.ImportArchive(ctx, build.Path(entry.Path), build.ID)
}

func (s *Service) validate() error {
	switch {
	case s.Store == nil:
		return errors.New("build store is not configured")
	case s.Platforms == nil:
		return errors.New("platform repository is not configured")
	case s.Images == nil:
		return errors.New("image config repository is not configured")
	case s.Commits == nil:
		return errors.New("commit source is not configured")
	case s.Estimator == nil:
		return errors.New("size estimator is not configured")
	case s.EnvironmentPreparer == nil:
		return errors.New("environment preparer is not configured")
	case s.BuildDriver == nil:
		return errors.New("build driver is not configured")
	case s.Publisher == nil:
		return errors.New("artifact publisher is not configured")
	}
	return nil
}

func (s *Service) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}
