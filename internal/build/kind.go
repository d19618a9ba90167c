package build

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cochaviz/kiln/arch"
)

// SizePolicy decides where a kind's disk and rootfs sizes come from.
type SizePolicy int

const (
	// SizeFromEstimate sizes the disk from the commit estimate plus the
	// reserved partitions and lets the rootfs fill it.
	SizeFromEstimate SizePolicy = iota
	// SizeFromPlatform takes both sizes from the platform table.
	SizeFromPlatform
)

// Kind is one of the disk image kinds kiln can build. The set is closed; use
// Kinds or ParseKind rather than constructing values.
type Kind struct {
	// Name is the CLI name and the images.<name> key in meta.json.
	Name string
	// Platform is the Ignition platform id baked into the kernel arguments.
	Platform string
	// Format is the on-disk image format, raw or qcow2.
	Format string
	// SectorSize is the logical and physical block size of the target disk,
	// 0 for the hypervisor default.
	SectorSize int
	SizePolicy SizePolicy
	// ExtraFlags are passed to the disk builder as-is.
	ExtraFlags      []string
	SecureExecution bool

	arches      []arch.Architecture
	excluded    []arch.Architecture
	archMessage string
}

var (
	Metal = Kind{
		Name:       "metal",
		Platform:   "metal",
		Format:     "raw",
		SizePolicy: SizeFromEstimate,
	}
	Metal4K = Kind{
		Name:        "metal4k",
		Platform:    "metal",
		Format:      "raw",
		SectorSize:  4096,
		SizePolicy:  SizeFromEstimate,
		ExtraFlags:  []string{"--no-x86-bios-bootloader"},
		excluded:    []arch.Architecture{arch.S390X},
		archMessage: "metal4k images are not supported on s390x, build dasd instead",
	}
	Dasd = Kind{
		Name:        "dasd",
		Platform:    "metal",
		Format:      "raw",
		SectorSize:  4096,
		SizePolicy:  SizeFromEstimate,
		arches:      []arch.Architecture{arch.S390X},
		archMessage: "dasd images can only be built on s390x",
	}
	Qemu = Kind{
		Name:       "qemu",
		Platform:   "qemu",
		Format:     "qcow2",
		SizePolicy: SizeFromPlatform,
	}
	QemuSecex = Kind{
		Name:            "qemu-secex",
		Platform:        "qemu",
		Format:          "qcow2",
		SizePolicy:      SizeFromPlatform,
		SecureExecution: true,
		arches:          []arch.Architecture{arch.S390X},
		archMessage:     "secure execution images can only be built on s390x",
	}
)

// Kinds returns every kind in a stable order.
func Kinds() []Kind {
	return []Kind{Metal, Metal4K, Dasd, Qemu, QemuSecex}
}

// ParseKind looks a kind up by name.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, kind := range Kinds() {
		if kind.Name == name {
			return kind, nil
		}
	}
	names := make([]string, 0, len(Kinds()))
	for _, kind := range Kinds() {
		names = append(names, kind.Name)
	}
	return Kind{}, &ConfigError{Message: fmt.Sprintf("unknown image kind %q (supported: %s)", name, strings.Join(names, ", "))}
}

func (k Kind) String() string {
	return k.Name
}

// SupportedOn reports whether the kind can be built on a.
func (k Kind) SupportedOn(a arch.Architecture) bool {
	if len(k.arches) > 0 && !slices.Contains(k.arches, a) {
		return false
	}
	return !slices.Contains(k.excluded, a)
}

// CheckArch returns a *ConfigError when the kind cannot be built on a.
func (k Kind) CheckArch(a arch.Architecture) error {
	if k.SupportedOn(a) {
		return nil
	}
	msg := k.archMessage
	if msg == "" {
		msg = fmt.Sprintf("%s images are not supported on %s", k.Name, a)
	}
	return &ConfigError{Message: fmt.Sprintf("%s (host is %s)", msg, a)}
}

// Extension is the file extension of the image.
func (k Kind) Extension() string {
	return k.Format
}
