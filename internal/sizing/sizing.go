// Package sizing turns the external commit size estimate into partition and
// disk sizes.
package sizing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/logging"
)

const (
	// Margin is the headroom added on top of the raw estimate.
	Margin = 1.35
	// ReservedMB is the space kept for boot, ESP and the other non-rootfs
	// partitions.
	ReservedMB = 513

	estimatorTool = "estimate-commit-disk-size"
)

// Estimator queries the external estimator for one repository.
type Estimator struct {
	Repo   string
	Tool   string
	Run    command.Func
	Logger *slog.Logger
}

// Estimate returns the inflated rootfs size in MB for commit. blockSize is
// passed to the estimator when non-zero.
func (e *Estimator) Estimate(ctx context.Context, commit string, blockSize int) (int, error) {
	if commit == "" {
		return 0, fmt.Errorf("estimate: commit is required")
	}
	tool := e.Tool
	if tool == "" {
		tool = estimatorTool
	}

	args := []string{"--repo", e.Repo}
	if blockSize > 0 {
		args = append(args, "--blksize", strconv.Itoa(blockSize))
	}
	args = append(args, commit)

	out, err := command.Output(ctx, e.Run, tool, args...)
	if err != nil {
		return 0, err
	}
	raw, err := parseMB(out)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", tool, err)
	}
	rootfs := Inflate(raw)
	logging.Ensure(e.Logger).Debug("estimated rootfs size",
		"commit", commit,
		"raw_mb", raw,
		"rootfs_mb", rootfs,
		"block_size", blockSize,
	)
	return rootfs, nil
}

// Inflate applies the safety margin to a raw estimate.
func Inflate(rawMB int) int {
	return int(math.Round(float64(rawMB) * Margin))
}

// DiskSizeMB is the total disk size for a rootfs of rootfsMB.
func DiskSizeMB(rootfsMB int) int {
	return rootfsMB + ReservedMB
}

// BlockSizeFor returns the block size hint the estimator needs for a rootfs
// type, or 0 when the default applies. fs-verity requires page-sized blocks.
func BlockSizeFor(rootfsType string) int {
	if rootfsType == "ext4verity" {
		return unix.Getpagesize()
	}
	return 0
}

func parseMB(out string) (int, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty size estimate")
	}
	value, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("parse size estimate %q: %w", out, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative size estimate %d", value)
	}
	return value, nil
}
