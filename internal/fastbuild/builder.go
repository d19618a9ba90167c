package fastbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/ostree"
	"github.com/cochaviz/kiln/internal/setup"
	"github.com/cochaviz/kiln/internal/vm"
)

// Builder produces fast-build images for one working directory.
type Builder struct {
	Workdir  setup.Workdir
	Store    *builds.Store
	Repo     Repository
	Executor Executor
	Run      command.Func
	Tool     string
	Logger   *slog.Logger

	now func() time.Time
}

// Build commits the overlay onto the previous build and applies it to a
// clone of that build's qemu image. An empty overlay is rejected before the
// repository or any build is touched.
func (b *Builder) Build(ctx context.Context, opts Options) (result *Result, err error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	logger := logging.Ensure(b.Logger)

	if opts.Project == "" {
		if err := checkNotEmpty(b.Workdir.OverlayDir()); err != nil {
			return nil, err
		}
	}

	prev, err := b.Store.Resolve(opts.BuildID)
	if err != nil {
		return nil, err
	}
	meta, err := prev.Meta()
	if err != nil {
		return nil, err
	}
	parent := meta.Commit()
	if parent == "" {
		return nil, fmt.Errorf("build %s has no ostree-commit", prev.ID)
	}
	qemu, ok := meta.Image("qemu")
	if !ok {
		return nil, fmt.Errorf("build %s has no qemu image: %w", prev.ID, builds.ErrNotFound)
	}
	baseImage := prev.Path(qemu.Path)
	if _, err := os.Stat(baseImage); err != nil {
		return nil, fmt.Errorf("qemu image of build %s: %w", prev.ID, builds.ErrNotFound)
	}

	scratch, err := b.Workdir.NewScratch()
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, scratch.Remove())
	}()

	ov := &overlay{dir: b.Workdir.OverlayDir(), reusable: true}
	name := meta.Name()
	var version string
	if opts.Project != "" {
		project, err := filepath.Abs(opts.Project)
		if err != nil {
			return nil, fmt.Errorf("resolve project %q: %w", opts.Project, err)
		}
		name = filepath.Base(project)
		ov = &overlay{dir: scratch.Path("rootfs")}
		if err := installProject(ctx, b.Run, project, ov.dir); err != nil {
			return nil, err
		}
		if err := checkNotEmpty(ov.dir); err != nil {
			return nil, err
		}
		if version, err = projectVersion(ctx, b.Run, project); err != nil {
			return nil, err
		}
	} else {
		version = overridesVersionPrefix + b.timestamp().UTC().Format(versionTimeLayout)
	}
	if name == "" {
		return nil, fmt.Errorf("build %s has no name", prev.ID)
	}
	if name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) {
		return nil, fmt.Errorf("build %s: invalid name %q", prev.ID, name)
	}
	logger = logger.With("name", name, "version", version, "build", prev.ID)

	if err := b.ensureCommit(ctx, prev, meta, parent, logger); err != nil {
		return nil, err
	}

	if err := ov.moveEtc(); err != nil {
		return nil, err
	}
	commit, commitErr := b.Repo.Commit(ctx, ostree.CommitOptions{
		Branch:       "fastbuild/" + name,
		Parent:       parent,
		Trees:        []string{"ref=" + parent, "dir=" + ov.dir},
		KeepMetadata: KeptMetadata,
		Metadata:     map[string]string{"version": version},
	})
	if err := errors.Join(commitErr, ov.restore()); err != nil {
		return nil, err
	}
	logger.Info("committed overlay", "commit", commit, "parent", parent)

	clone := scratch.Path("fastbuild.qcow2")
	if err := vm.CloneBacked(ctx, b.Run, baseImage, clone, CloneSize); err != nil {
		return nil, err
	}

	job := b.job(scratch.Dir, clone, commit, opts)
	if err := b.Executor.Run(ctx, job); err != nil {
		return nil, fmt.Errorf("apply %s: %w", commit, err)
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = b.Workdir.FastbuildDir()
	}
	// Each target keeps its images in its own directory so pruning one
	// name can never match another whose name it prefixes.
	targetDir := filepath.Join(outputDir, name)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	removed, err := pruneImages(targetDir, name)
	if err != nil {
		return nil, err
	}
	for _, path := range removed {
		logger.Debug("pruned fast-build image", "path", path)
	}

	final := filepath.Join(targetDir, imageName(name, version))
	// The clone keeps its backing file, so it is moved rather than converted.
	finalizer := &artifacts.Finalizer{Run: b.Run, Logger: b.Logger}
	if err := finalizer.Finalize(ctx, clone, final, ""); err != nil {
		return nil, err
	}
	logger.Info("fast build finished", "path", final)

	return &Result{
		Name:    name,
		Version: version,
		Parent:  parent,
		Commit:  commit,
		Path:    final,
	}, nil
}

func (b *Builder) job(workDir, clone, commit string, opts Options) vm.Job {
	tool := b.Tool
	if tool == "" {
		tool = DefaultTool
	}
	args := []string{"--repo", vm.GuestRoot + "/" + vm.RepoTag, "--commit", commit}
	if opts.NoUndeploy {
		args = append(args, "--no-undeploy")
	}
	return vm.Job{
		Name:    "fastbuild",
		Command: tool,
		Args:    args,
		WorkDir: workDir,
		Disks:   []vm.Disk{{Path: clone, Format: "qcow2", Serial: vm.TargetSerial}},
		Shares:  []vm.Share{{Source: b.Workdir.RepoDir(), Tag: vm.RepoTag, ReadOnly: true}},
		Network: opts.Network,
	}
}

func (b *Builder) ensureCommit(ctx context.Context, prev *builds.Build, meta *builds.Meta, commit string, logger *slog.Logger) error {
	present, err := b.Repo.HasCommit(ctx, commit)
	if err != nil || present {
		return err
	}
	entry, ok := meta.Image("ostree")
	if !ok {
		return fmt.Errorf("commit %s of build %s is not in the repository: %w", commit, prev.ID, builds.ErrNotFound)
	}
	logger.Info("importing ostree commit", "archive", entry.Path)
	return b.Repo.ImportArchive(ctx, prev.Path(entry.Path), prev.ID)
}

func (b *Builder) timestamp() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *Builder) validate() error {
	switch {
	case b.Store == nil:
		return errors.New("build store is not configured")
	case b.Repo == nil:
		return errors.New("ostree repository is not configured")
	case b.Executor == nil:
		return errors.New("executor is not configured")
	}
	return nil
}
