// Package vm runs a single command inside a disposable libvirt domain booted
// from the builder appliance, with the job's disks and shares attached.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/logging"
)

const consoleTailBytes = 4096

// Executor runs jobs. The zero value talks to libvirt with default settings.
type Executor struct {
	Config     Config
	Hypervisor Hypervisor
	Logger     *slog.Logger
}

// NewExecutor returns an executor for cfg backed by libvirt.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	cfg = cfg.WithDefaults()
	return &Executor{
		Config:     cfg,
		Hypervisor: &LibvirtHypervisor{ConnectURI: cfg.ConnectURI},
		Logger:     logger,
	}
}

// Run boots a VM for job and blocks until it shuts off. A missing or
// non-zero exit status is returned as a *command.ToolError; the job's disks
// are then in an undefined state.
func (e *Executor) Run(ctx context.Context, job Job) error {
	cfg := e.Config.WithDefaults()
	if err := validateJob(job); err != nil {
		return err
	}

	hv := e.Hypervisor
	if hv == nil {
		hv = &LibvirtHypervisor{ConnectURI: cfg.ConnectURI}
	}

	runDir := filepath.Join(job.WorkDir, "vm-"+job.Name)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create vm run directory: %w", err)
	}
	rcPath := filepath.Join(job.WorkDir, rcFile)
	if err := os.Remove(rcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale exit status: %w", err)
	}

	shares := append([]Share{{Source: job.WorkDir, Tag: WorkTag}}, job.Shares...)
	jobDisk, err := prepareJobDisk(runDir, job, shares)
	if err != nil {
		return err
	}
	disks := append([]Disk{{Path: jobDisk, Format: "raw", Serial: JobSerial, ReadOnly: true}}, job.Disks...)

	name := fmt.Sprintf("kiln-%s-%s", job.Name, uuid.NewString()[:8])
	consoleLog := filepath.Join(runDir, "console.log")
	data, err := buildDomainTemplateData(cfg, name, job, disks, shares, consoleLog)
	if err != nil {
		return fmt.Errorf("derive domain template data: %w", err)
	}
	domainXML, err := renderDomainXML(data)
	if err != nil {
		return fmt.Errorf("render domain definition: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "domain.xml"), []byte(domainXML), 0o644); err != nil {
		return fmt.Errorf("write domain definition: %w", err)
	}

	logger := logging.Ensure(e.Logger).With("domain", name)
	logger.Info("starting build vm",
		"command", job.Command,
		"disks", len(job.Disks),
		"network", job.Network,
		"console_log", consoleLog,
	)

	start := time.Now()
	dom, err := hv.Create(domainXML)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := waitForShutoff(ctx, dom, cfg.PollInterval); err != nil {
		if ctx.Err() != nil {
			logger.Warn("build vm interrupted, destroying domain")
			if destroyErr := dom.Destroy(); destroyErr != nil {
				return errors.Join(err, fmt.Errorf("destroy domain %s: %w", name, destroyErr))
			}
		}
		return err
	}
	logger.Info("build vm shut off", "duration", time.Since(start).Round(time.Second).String())

	return checkExitStatus(job, rcPath, consoleLog)
}

func validateJob(job Job) error {
	if job.Name == "" {
		return errors.New("vm job name is required")
	}
	if job.Command == "" {
		return errors.New("vm job command is required")
	}
	if job.WorkDir == "" {
		return errors.New("vm job work directory is required")
	}
	serials := map[string]bool{JobSerial: true}
	for _, disk := range job.Disks {
		if disk.Path == "" {
			return errors.New("vm job disk path is required")
		}
		if disk.Serial == "" {
			continue
		}
		if serials[disk.Serial] {
			return fmt.Errorf("duplicate disk serial %q", disk.Serial)
		}
		serials[disk.Serial] = true
	}
	for _, share := range job.Shares {
		if share.Tag == WorkTag {
			return fmt.Errorf("share tag %q is reserved", WorkTag)
		}
	}
	return nil
}

func waitForShutoff(ctx context.Context, dom Domain, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		active, err := dom.IsActive()
		if err != nil {
			return fmt.Errorf("query domain state: %w", err)
		}
		if !active {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func checkExitStatus(job Job, rcPath, consoleLog string) error {
	toolErr := &command.ToolError{
		Tool:     job.Command,
		Args:     append([]string(nil), job.Args...),
		ExitCode: -1,
	}

	data, err := os.ReadFile(rcPath)
	if err != nil {
		toolErr.Err = errors.New("no exit status recorded")
		toolErr.Stderr = readTail(consoleLog, consoleTailBytes)
		return toolErr
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		toolErr.Err = fmt.Errorf("malformed exit status %q", strings.TrimSpace(string(data)))
		toolErr.Stderr = readTail(consoleLog, consoleTailBytes)
		return toolErr
	}
	if code != 0 {
		toolErr.ExitCode = code
		toolErr.Stderr = readTail(consoleLog, consoleTailBytes)
		return toolErr
	}
	return nil
}

func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
