package vm

import (
	"time"

	"github.com/cochaviz/kiln/arch"
)

const (
	// WorkTag is the 9p mount tag of the job's work directory.
	WorkTag = "work"
	// RepoTag is the 9p mount tag used to expose an ostree repository.
	RepoTag = "repo"
	// JobSerial identifies the job disk inside the guest.
	JobSerial = "job"
	// TargetSerial identifies the output disk inside the guest.
	TargetSerial = "target"

	// GuestRoot is where the appliance mounts kiln's shares, e.g.
	// /kiln/work and /kiln/repo.
	GuestRoot = "/kiln"
	// GuestInputDir holds the job's inputs inside the guest.
	GuestInputDir = GuestRoot + "/job/" + inputsDirName

	rcFile = "rc"
)

// Disk is a block device attached to the build VM.
type Disk struct {
	Path     string
	Format   string
	Serial   string
	ReadOnly bool
	// SectorSize sets both logical and physical block size when non-zero.
	SectorSize int
}

// Share exposes a host directory to the guest over 9p.
type Share struct {
	Source   string
	Tag      string
	ReadOnly bool
}

// Job is one command executed inside a throwaway VM.
type Job struct {
	Name    string
	Command string
	Args    []string
	// WorkDir is shared read-write under WorkTag. The appliance writes the
	// command's exit code to WorkDir/rc.
	WorkDir string
	Disks   []Disk
	Shares  []Share
	// Inputs maps a file name on the job disk to the host file copied there.
	Inputs    map[string]string
	Network   bool
	MemoryMiB int
}

// Config describes the builder appliance and the hypervisor connection.
type Config struct {
	ConnectURI   string
	DomainType   string
	Kernel       string
	Initrd       string
	Arch         arch.Architecture
	Machine      string
	MemoryMiB    int
	VCPUs        int
	ExtraCmdline []string
	PollInterval time.Duration
}

const (
	DefaultConnectURI   = "qemu:///session"
	DefaultDomainType   = "kvm"
	DefaultKernel       = "/usr/lib/kiln/appliance/vmlinuz"
	DefaultInitrd       = "/usr/lib/kiln/appliance/initrd.img"
	DefaultMemoryMiB    = 2048
	DefaultVCPUs        = 2
	defaultPollInterval = time.Second
)

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.ConnectURI == "" {
		c.ConnectURI = DefaultConnectURI
	}
	if c.DomainType == "" {
		c.DomainType = DefaultDomainType
	}
	if c.Kernel == "" {
		c.Kernel = DefaultKernel
	}
	if c.Initrd == "" {
		c.Initrd = DefaultInitrd
	}
	if c.Arch == "" {
		if host, err := arch.Host(); err == nil {
			c.Arch = host
		}
	}
	if c.Machine == "" {
		c.Machine = defaultMachine(c.Arch)
	}
	if c.MemoryMiB <= 0 {
		c.MemoryMiB = DefaultMemoryMiB
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

func defaultMachine(a arch.Architecture) string {
	switch a {
	case arch.X86_64:
		return "q35"
	case arch.AArch64, arch.RISCV64:
		return "virt"
	case arch.PPC64LE:
		return "pseries"
	case arch.S390X:
		return "s390-ccw-virtio"
	default:
		return ""
	}
}

func consoleDevice(a arch.Architecture) string {
	switch a {
	case arch.AArch64:
		return "ttyAMA0"
	case arch.PPC64LE:
		return "hvc0"
	case arch.S390X:
		return "ttysclp0"
	default:
		return "ttyS0"
	}
}
