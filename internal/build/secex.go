package build

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// SecexAttachments are the extra disks a Secure Execution build needs. Either
// HostKey is set, or GenprotimgVM is set and a scratch disk must be created.
type SecexAttachments struct {
	HostKey      string
	GenprotimgVM string
}

// NeedsScratch reports whether the protection VM path is used.
func (a *SecexAttachments) NeedsScratch() bool {
	return a != nil && a.HostKey == "" && a.GenprotimgVM != ""
}

// ResolveSecureExecution picks the host key path when a key is given and
// falls back to the protection VM image otherwise.
func ResolveSecureExecution(opts SecureExecutionOptions) (*SecexAttachments, error) {
	if opts.HostKey != "" {
		if err := requireFile(opts.HostKey); err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("secure execution host key: %v", err)}
		}
		return &SecexAttachments{HostKey: opts.HostKey}, nil
	}

	vm := opts.GenprotimgVM
	if vm == "" {
		vm = DefaultGenprotimgVM
	}
	if err := requireFile(vm); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("secure execution needs --hostkey or a protection VM image: %v", err)}
	}
	return &SecexAttachments{GenprotimgVM: vm}, nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s does not exist", path)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}
