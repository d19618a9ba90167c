package libvirt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/vm"
)

// SecexScratchSize is the size of the ext4 disk the protection VM writes the
// derived host key material to.
const SecexScratchSize = 512 << 20

var _ build.BuildEnvironmentPreparer = (*DiskEnvironmentPreparer)(nil)

// DiskEnvironmentPreparer creates the empty target disk, the disk spec file
// and any Secure Execution scratch disk inside the run's scratch directory.
type DiskEnvironmentPreparer struct {
	Run command.Func
}

func (p *DiskEnvironmentPreparer) Prepare(ctx context.Context, bc build.BuildContext) (build.BuildEnvironment, error) {
	if bc.Scratch == nil {
		return nil, errors.New("scratch directory is not prepared")
	}
	workDir := bc.Scratch.Dir
	info, err := os.Stat(workDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scratch dir %q does not exist", workDir)
		}
		return nil, fmt.Errorf("stat scratch dir %q: %w", workDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scratch dir %q is not a directory", workDir)
	}
	if err := ensureExecutePermissions(workDir); err != nil {
		return nil, err
	}

	env := &DiskEnvironment{
		WorkDir:       workDir,
		DiskPath:      filepath.Join(workDir, "disk."+bc.Spec.Kind.Format),
		SpecPath:      filepath.Join(workDir, "spec.json"),
		PlatformsPath: filepath.Join(workDir, "platforms.json"),
		PubkeyPath:    filepath.Join(workDir, build.PubkeyFile),
	}

	if err := writeJSON(env.SpecPath, bc.Spec.Document); err != nil {
		return nil, fmt.Errorf("write disk spec: %w", err)
	}
	if err := writeJSON(env.PlatformsPath, bc.Spec.Platforms); err != nil {
		return nil, errors.Join(fmt.Errorf("write platform table: %w", err), env.Cleanup())
	}

	if err := vm.CreateImage(ctx, p.Run, env.DiskPath, bc.Spec.Kind.Format, int64(bc.Spec.DiskSizeMiB)<<20); err != nil {
		return nil, errors.Join(err, env.Cleanup())
	}

	if bc.Secex.NeedsScratch() {
		env.SecexScratchPath = filepath.Join(workDir, "se.ext4")
		if err := vm.CreateScratchExt4(ctx, p.Run, env.SecexScratchPath, SecexScratchSize); err != nil {
			return nil, errors.Join(err, env.Cleanup())
		}
	}
	return env, nil
}

var _ build.BuildEnvironment = (*DiskEnvironment)(nil)

// DiskEnvironment holds the files of one disk build.
type DiskEnvironment struct {
	WorkDir          string
	DiskPath         string
	SpecPath         string
	PlatformsPath    string
	PubkeyPath       string
	SecexScratchPath string
}

// Cleanup removes the working files. The target disk is gone by now when it
// was published.
func (env *DiskEnvironment) Cleanup() error {
	var cleanupErr error
	for _, path := range []string{env.DiskPath, env.SpecPath, env.PlatformsPath, env.PubkeyPath, env.SecexScratchPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			cleanupErr = errors.Join(cleanupErr, fmt.Errorf("remove %s: %w", filepath.Base(path), err))
		}
	}
	return cleanupErr
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ensureExecutePermissions makes every parent of path traversable so the
// hypervisor, which may run as another user, can reach the disks.
func ensureExecutePermissions(path string) error {
	for dir := path; ; {
		if info, err := os.Stat(dir); err == nil {
			currentPerm := info.Mode().Perm()
			desiredPerm := currentPerm | 0o711
			if desiredPerm != currentPerm {
				newMode := info.Mode()&^os.ModePerm | desiredPerm
				if err := os.Chmod(dir, newMode); err != nil {
					if errors.Is(err, fs.ErrPermission) {
						break
					}
					return fmt.Errorf("chmod %q: %w", dir, err)
				}
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %q: %w", dir, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}
