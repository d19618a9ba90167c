// Package simple wires kiln's components together for the CLI.
package simple

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/build/adapters/libvirt"
	"github.com/cochaviz/kiln/internal/build/repositories"
	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/fastbuild"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/ostree"
	"github.com/cochaviz/kiln/internal/setup"
	"github.com/cochaviz/kiln/internal/sizing"
	"github.com/cochaviz/kiln/internal/vm"
)

var DefaultConnectionURI = vm.DefaultConnectURI

// Executor runs a job in a VM.
type Executor interface {
	Run(ctx context.Context, job vm.Job) error
}

// Options configures one invocation.
type Options struct {
	ConnectURI string
	Logger     *slog.Logger
	// Run replaces command.Exec for every external tool.
	Run command.Func
	// Executor replaces the libvirt executor.
	Executor Executor
}

func (o Options) logger() *slog.Logger {
	return logging.Ensure(o.Logger)
}

func (o Options) executor(wd setup.Workdir) Executor {
	if o.Executor != nil {
		return o.Executor
	}
	connectURI := o.ConnectURI
	if connectURI == "" {
		connectURI = DefaultConnectionURI
	}
	return vm.NewExecutor(vm.Config{ConnectURI: connectURI, Arch: wd.Arch}, o.logger().With("component", "vm"))
}

// OpenWorkdir opens root for the host architecture.
func OpenWorkdir(root string) (setup.Workdir, error) {
	host, err := arch.Host()
	if err != nil {
		return setup.Workdir{}, err
	}
	return setup.Open(root, host)
}

// NewBuildService assembles the image build flow for wd.
func NewBuildService(wd setup.Workdir, opts Options) *build.Service {
	logger := opts.logger()
	store := &builds.Store{Dir: wd.BuildsDir(), Arch: wd.Arch}
	return &build.Service{
		Logger:    logger.With("component", "build"),
		Workdir:   wd,
		Store:     store,
		Platforms: &repositories.PlatformRepository{ConfigDir: wd.ConfigDir()},
		Images:    &repositories.ImageConfigRepository{ConfigDir: wd.ConfigDir()},
		Commits:   &ostree.Repo{Path: wd.RepoDir(), Run: opts.Run},
		Estimator: &sizing.Estimator{
			Repo:   wd.RepoDir(),
			Run:    opts.Run,
			Logger: logger.With("component", "sizing"),
		},
		EnvironmentPreparer: &libvirt.DiskEnvironmentPreparer{Run: opts.Run},
		BuildDriver: &libvirt.DiskBuilder{
			Executor: opts.executor(wd),
			Logger:   logger.With("component", "disk-builder"),
		},
		Publisher: &artifacts.Publisher{
			Finalizer: &artifacts.Finalizer{Run: opts.Run, Logger: logger.With("component", "artifacts")},
			Logger:    logger.With("component", "artifacts"),
		},
	}
}

// BuildImage builds one image kind.
func BuildImage(ctx context.Context, wd setup.Workdir, request build.BuildRequest, opts Options) (*build.Outcome, error) {
	return NewBuildService(wd, opts).Run(ctx, request)
}

// NewFastBuilder assembles the fast-build flow for wd.
func NewFastBuilder(wd setup.Workdir, opts Options) *fastbuild.Builder {
	return &fastbuild.Builder{
		Workdir:  wd,
		Store:    &builds.Store{Dir: wd.BuildsDir(), Arch: wd.Arch},
		Repo:     &ostree.Repo{Path: wd.RepoDir(), Run: opts.Run},
		Executor: opts.executor(wd),
		Run:      opts.Run,
		Logger:   opts.logger().With("component", "fastbuild"),
	}
}

// FastBuild produces a fast-build image.
func FastBuild(ctx context.Context, wd setup.Workdir, options fastbuild.Options, opts Options) (*fastbuild.Result, error) {
	return NewFastBuilder(wd, opts).Build(ctx, options)
}

// BuildSummary is one line of kiln list.
type BuildSummary struct {
	ID     string
	Images []string
	// Err is set when the build's metadata could not be read.
	Err error
}

// List reports every build of wd's architecture and the image kinds it
// records.
func List(wd setup.Workdir) ([]BuildSummary, error) {
	store := &builds.Store{Dir: wd.BuildsDir(), Arch: wd.Arch}
	ids, err := store.List()
	if err != nil {
		return nil, err
	}

	summaries := make([]BuildSummary, 0, len(ids))
	for _, id := range ids {
		b, err := store.Resolve(id)
		if err != nil {
			continue
		}
		summary := BuildSummary{ID: id}
		meta, err := b.Meta()
		if err != nil {
			summary.Err = err
			summaries = append(summaries, summary)
			continue
		}
		if images, ok := meta.Document()["images"].(map[string]any); ok {
			for kind := range images {
				summary.Images = append(summary.Images, kind)
			}
			sort.Strings(summary.Images)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// MetaGet reads a dotted key from a build's meta.json.
func MetaGet(wd setup.Workdir, buildID, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("meta key is required")
	}
	store := &builds.Store{Dir: wd.BuildsDir(), Arch: wd.Arch}
	b, err := store.Resolve(buildID)
	if err != nil {
		return "", err
	}
	return b.ReadMetaKey(key)
}
