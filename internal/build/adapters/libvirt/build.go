// Package libvirt runs the disk builder for a planned image inside a libvirt
// VM.
package libvirt

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/vm"
)

const (
	// DefaultTool is the disk builder inside the appliance.
	DefaultTool = "create_disk"

	// IgnitionKeyKind is the images key of the Secure Execution public key.
	IgnitionKeyKind = "ignition-gpg-key"

	specInput      = "spec.json"
	platformsInput = "platforms.json"
)

// Executor runs a job in a VM.
type Executor interface {
	Run(ctx context.Context, job vm.Job) error
}

var _ build.BuildDriver = (*DiskBuilder)(nil)

// DiskBuilder turns a DiskSpec into a VM job.
type DiskBuilder struct {
	Executor Executor
	Tool     string
	Logger   *slog.Logger
}

func (b *DiskBuilder) Build(ctx context.Context, bc build.BuildContext, env build.BuildEnvironment) (build.BuildOutput, error) {
	diskEnv, ok := env.(*DiskEnvironment)
	if !ok {
		return build.BuildOutput{}, &build.ConfigError{Message: "invalid environment type: expected *DiskEnvironment"}
	}

	job := b.job(bc, diskEnv)
	logging.Ensure(b.Logger).Info("running disk builder",
		"build", bc.Build.ID,
		"kind", bc.Spec.Kind.Name,
		"command", job.Command+" "+strings.Join(job.Args, " "),
	)
	if err := b.Executor.Run(ctx, job); err != nil {
		return build.BuildOutput{}, fmt.Errorf("build %s image: %w", bc.Spec.Kind.Name, err)
	}

	output := build.BuildOutput{
		DiskImage: artifacts.Output{
			Kind:     bc.Spec.Kind.Name,
			TempPath: diskEnv.DiskPath,
			Name:     bc.Spec.ImageName,
			Format:   bc.Spec.Kind.Format,
		},
	}
	if bc.Spec.Kind.SecureExecution {
		output.CompanionArtifacts = append(output.CompanionArtifacts, artifacts.Output{
			Kind:            IgnitionKeyKind,
			TempPath:        diskEnv.PubkeyPath,
			Name:            strings.TrimSuffix(bc.Spec.ImageName, "."+bc.Spec.Kind.Extension()) + "-ignition-secex-key.gpg.pub",
			SkipCompression: true,
			Optional:        true,
		})
	}
	return output, nil
}

func (b *DiskBuilder) job(bc build.BuildContext, env *DiskEnvironment) vm.Job {
	spec := bc.Spec
	tool := b.Tool
	if tool == "" {
		tool = DefaultTool
	}

	args := []string{
		"--config", path.Join(vm.GuestInputDir, specInput),
		"--platforms-json", path.Join(vm.GuestInputDir, platformsInput),
		"--kargs", strings.Join(spec.Kargs, " "),
		"--platform", spec.Platform,
		"--disk-size", fmt.Sprintf("%dM", spec.DiskSizeMiB),
	}
	args = append(args, spec.ExtraFlags...)

	disks := []vm.Disk{{
		Path:       env.DiskPath,
		Format:     spec.Kind.Format,
		Serial:     vm.TargetSerial,
		SectorSize: spec.SectorSize,
	}}
	if secex := bc.Secex; secex != nil {
		if secex.HostKey != "" {
			disks = append(disks, vm.Disk{Path: secex.HostKey, Format: "raw", Serial: "hostkey", ReadOnly: true})
		} else {
			disks = append(disks,
				vm.Disk{Path: secex.GenprotimgVM, Format: "qcow2", Serial: "genprotimgvm", ReadOnly: true},
				vm.Disk{Path: env.SecexScratchPath, Format: "raw", Serial: "se"},
			)
		}
	}

	return vm.Job{
		Name:    spec.Kind.Name,
		Command: tool,
		Args:    args,
		WorkDir: env.WorkDir,
		Disks:   disks,
		Inputs: map[string]string{
			specInput:      env.SpecPath,
			platformsInput: env.PlatformsPath,
		},
	}
}
