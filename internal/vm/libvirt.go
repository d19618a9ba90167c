package vm

import (
	"errors"
	"fmt"
	"slices"

	libvirt "libvirt.org/go/libvirt"
)

// Hypervisor starts transient domains.
type Hypervisor interface {
	Create(domainXML string) (Domain, error)
}

// Domain is the part of a running domain the executor needs.
// *libvirt.Domain satisfies it.
type Domain interface {
	IsActive() (bool, error)
	Destroy() error
	Free() error
}

// LibvirtHypervisor creates domains over a libvirt connection.
type LibvirtHypervisor struct {
	ConnectURI string
}

var _ Hypervisor = (*LibvirtHypervisor)(nil)

func (h *LibvirtHypervisor) Create(domainXML string) (Domain, error) {
	conn, err := libvirt.NewConnect(h.ConnectURI)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", h.ConnectURI, err)
	}
	dom, err := conn.DomainCreateXML(domainXML, libvirt.DOMAIN_NONE)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create domain: %w", err)
	}
	return &libvirtDomain{Domain: dom, conn: conn}, nil
}

// libvirtDomain keeps the connection open for as long as the domain handle
// is in use.
type libvirtDomain struct {
	*libvirt.Domain
	conn *libvirt.Connect
}

func (d *libvirtDomain) IsActive() (bool, error) {
	active, err := d.Domain.IsActive()
	if err != nil {
		// A transient domain disappears once it shuts off.
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
			return false, nil
		}
		return false, err
	}
	return active, nil
}

func (d *libvirtDomain) Destroy() error {
	if err := d.Domain.Destroy(); err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
			return nil
		}
		return err
	}
	return nil
}

func (d *libvirtDomain) Free() error {
	freeErr := d.Domain.Free()
	_, closeErr := d.conn.Close()
	return errors.Join(freeErr, closeErr)
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
