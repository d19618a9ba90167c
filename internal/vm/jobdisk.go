package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kdomanski/iso9660"
)

const (
	jobFile       = "job.json"
	jobDiskLabel  = "KILNJOB"
	inputsDirName = "inputs"
)

// jobDocument is what the appliance reads from the job disk.
type jobDocument struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Inputs  []string `json:"inputs,omitempty"`
	Mounts  []string `json:"mounts"`
	RCFile  string   `json:"rc-file"`
}

// prepareJobDisk stages job.json and the job's inputs and packs them into an
// iso9660 image next to the staging directory.
func prepareJobDisk(dir string, job Job, shares []Share) (string, error) {
	stagingDir := filepath.Join(dir, "job_data")
	if err := os.RemoveAll(stagingDir); err != nil {
		return "", fmt.Errorf("clear job staging directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(stagingDir, inputsDirName), 0o755); err != nil {
		return "", fmt.Errorf("create job staging directory: %w", err)
	}

	doc := jobDocument{
		Name:    job.Name,
		Command: job.Command,
		Args:    append([]string{}, job.Args...),
		RCFile:  filepath.Join(GuestRoot, WorkTag, rcFile),
	}
	for _, share := range shares {
		doc.Mounts = append(doc.Mounts, share.Tag)
	}

	names := make([]string, 0, len(job.Inputs))
	for name := range job.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "" || filepath.Base(name) != name {
			return "", fmt.Errorf("invalid input name %q", name)
		}
		if err := copyFile(job.Inputs[name], filepath.Join(stagingDir, inputsDirName, name)); err != nil {
			return "", fmt.Errorf("stage input %s: %w", name, err)
		}
		doc.Inputs = append(doc.Inputs, name)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", jobFile, err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, jobFile), data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", jobFile, err)
	}

	imagePath := filepath.Join(dir, "job.iso")
	if err := createISOFromDirectory(stagingDir, imagePath, jobDiskLabel); err != nil {
		return "", fmt.Errorf("create job disk: %w", err)
	}
	return imagePath, nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) (err error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close image file: %w", closeErr)
		}
		if err != nil {
			_ = os.Remove(imagePath)
		}
	}()

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		return fmt.Errorf("write iso: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errors.New("not a regular file")
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
