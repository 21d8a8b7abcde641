package model

import (
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"grimm.is/netplane/internal/errors"
)

// LeaseAssociation is one fixed address bound to an instance's virtual
// interface on a network.
type LeaseAssociation struct {
	Address          string
	NetworkID        int
	InstanceUUID     string
	InstanceHostname string
	InstanceCreated  time.Time
	InstanceUpdated  time.Time
	VIFID            int
	VIFAddress       string
	Allocated        bool
	Leased           bool
}

// Validate checks the fields that end up in generated dnsmasq files.
func (a *LeaseAssociation) Validate() error {
	if _, err := net.ParseMAC(a.VIFAddress); err != nil {
		return a.invalid("vif_address", "invalid MAC %q", a.VIFAddress)
	}
	if ip, err := netip.ParseAddr(a.Address); err != nil || !ip.Is4() {
		return a.invalid("address", "invalid IPv4 address %q", a.Address)
	}
	if _, err := uuid.Parse(a.InstanceUUID); err != nil {
		return a.invalid("instance_uuid", "invalid instance uuid %q", a.InstanceUUID)
	}
	if a.InstanceHostname != "" {
		if _, ok := dns.IsDomainName(a.InstanceHostname); !ok {
			return a.invalid("instance_hostname", "invalid hostname %q", a.InstanceHostname)
		}
	}
	return nil
}

func (a *LeaseAssociation) invalid(field, format string, args ...any) error {
	err := errors.Errorf(errors.KindValidation, format, args...)
	err = errors.Attr(err, "vif", a.VIFID)
	return errors.Attr(err, "field", field)
}

// SortByVIF orders associations by ascending VIF id, keeping the input
// order for equal ids.
func SortByVIF(assocs []LeaseAssociation) []LeaseAssociation {
	out := make([]LeaseAssociation, len(assocs))
	copy(out, assocs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].VIFID < out[j].VIFID })
	return out
}

// VIF is a virtual interface record.
type VIF struct {
	ID           int    `yaml:"id"`
	Address      string `yaml:"address"`
	UUID         string `yaml:"uuid"`
	NetworkID    int    `yaml:"network_id"`
	InstanceUUID string `yaml:"instance_uuid"`
}

// FloatingIP maps a public address onto an instance's fixed address.
type FloatingIP struct {
	Address      string `yaml:"address"`
	FixedAddress string `yaml:"fixed_address"`
	// Device is the public interface; empty matches any interface.
	Device string `yaml:"device,omitempty"`
}

// Validate checks both addresses.
func (f *FloatingIP) Validate() error {
	for _, v := range []string{f.Address, f.FixedAddress} {
		if a, err := netip.ParseAddr(v); err != nil || !a.Is4() {
			return errors.Attr(errors.Errorf(errors.KindValidation, "invalid floating ip mapping address %q", v), "floating", f.Address)
		}
	}
	return nil
}

// SNATRule source-NATs traffic from a fixed range leaving a public interface.
type SNATRule struct {
	Source    string `yaml:"source"`
	ToSource  string `yaml:"to_source"`
	Interface string `yaml:"interface,omitempty"`
}

// Validate checks the source range and translation address.
func (s *SNATRule) Validate() error {
	if _, err := netip.ParsePrefix(s.Source); err != nil {
		return errors.Errorf(errors.KindValidation, "invalid snat source %q", s.Source)
	}
	if a, err := netip.ParseAddr(s.ToSource); err != nil || !a.Is4() {
		return errors.Errorf(errors.KindValidation, "invalid snat address %q", s.ToSource)
	}
	return nil
}
