package vm

import (
	"bytes"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/cochaviz/kiln/arch"
)

//go:embed assets/domain.xml
var domainTemplateSource string

var domainTemplate = template.Must(template.New("domain").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(domainTemplateSource))

type domainDisk struct {
	Disk
	Target string
}

type domainTemplateData struct {
	Type       string
	Name       string
	MemoryMiB  int
	VCPUs      int
	Arch       string
	Machine    string
	Kernel     string
	Initrd     string
	Cmdline    string
	ACPI       bool
	SCLP       bool
	Disks      []domainDisk
	Shares     []Share
	Network    bool
	ConsoleLog string
}

func buildDomainTemplateData(cfg Config, name string, job Job, disks []Disk, shares []Share, consoleLog string) (domainTemplateData, error) {
	if name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	if len(disks) > 26 {
		return domainTemplateData{}, fmt.Errorf("too many disks (%d)", len(disks))
	}

	memory := job.MemoryMiB
	if memory <= 0 {
		memory = cfg.MemoryMiB
	}

	data := domainTemplateData{
		Type:       cfg.DomainType,
		Name:       name,
		MemoryMiB:  memory,
		VCPUs:      cfg.VCPUs,
		Arch:       cfg.Arch.String(),
		Machine:    cfg.Machine,
		Kernel:     cfg.Kernel,
		Initrd:     cfg.Initrd,
		Cmdline:    kernelCmdline(cfg),
		ACPI:       cfg.Arch == arch.X86_64 || cfg.Arch == arch.AArch64,
		SCLP:       cfg.Arch == arch.S390X,
		Shares:     shares,
		Network:    job.Network,
		ConsoleLog: consoleLog,
	}
	for i, disk := range disks {
		if disk.Format == "" {
			disk.Format = "raw"
		}
		data.Disks = append(data.Disks, domainDisk{Disk: disk, Target: "vd" + string(rune('a'+i))})
	}
	return data, nil
}

func kernelCmdline(cfg Config) string {
	args := []string{
		"console=" + consoleDevice(cfg.Arch),
		"quiet",
		"kiln.job=" + JobSerial,
	}
	args = append(args, cfg.ExtraCmdline...)
	return strings.Join(args, " ")
}

func renderDomainXML(data domainTemplateData) (string, error) {
	var buf bytes.Buffer
	if err := domainTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute domain template: %w", err)
	}
	return buf.String(), nil
}

func xmlEscape(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
