package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Architecture is a base architecture as recorded in build directories
// (builds/<id>/<arch>) and passed to qemu/libvirt.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
	RISCV64 Architecture = "riscv64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		AArch64,
		PPC64LE,
		S390X,
		RISCV64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64, PPC64LE, S390X, RISCV64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(S390X):
		return S390X
	case string(RISCV64):
		return RISCV64
	default:
		return ""
	}
}

// Host returns the architecture of the running kernel. It falls back to the
// architecture the binary was compiled for when uname is unavailable.
func Host() (Architecture, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		if arch := Normalize(unix.ByteSliceToString(uts.Machine[:])); arch != "" {
			return arch, nil
		}
	}
	return Parse(runtime.GOARCH)
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
