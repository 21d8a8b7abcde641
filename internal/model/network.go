// Package model holds the records the engine converges from: network
// descriptors, lease associations, virtual interfaces and floating
// addresses. Values are immutable snapshots; nothing in the engine
// mutates them.
package model

import (
	"net/netip"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/validation"
)

// Network describes one virtual network as seen by this host.
type Network struct {
	ID              int    `yaml:"id"`
	UUID            string `yaml:"uuid,omitempty"`
	Label           string `yaml:"label"`
	CIDR            string `yaml:"cidr"`
	CIDRv6          string `yaml:"cidr_v6,omitempty"`
	Netmask         string `yaml:"netmask,omitempty"`
	Gateway         string `yaml:"gateway,omitempty"`
	GatewayV6       string `yaml:"gateway_v6,omitempty"`
	Broadcast       string `yaml:"broadcast,omitempty"`
	DNS1            string `yaml:"dns1,omitempty"`
	DNS2            string `yaml:"dns2,omitempty"`
	DHCPServer      string `yaml:"dhcp_server,omitempty"`
	DHCPStart       string `yaml:"dhcp_start,omitempty"`
	Domain          string `yaml:"domain,omitempty"`
	Bridge          string `yaml:"bridge"`
	BridgeInterface string `yaml:"bridge_interface,omitempty"`
	VLAN            *int   `yaml:"vlan,omitempty"`
	MultiHost       bool   `yaml:"multi_host"`
	// ShareAddress overrides the host-wide shared DHCP address setting.
	ShareAddress *bool  `yaml:"share_address,omitempty"`
	Host         string `yaml:"host,omitempty"`
	ProjectID    string `yaml:"project_id,omitempty"`
}

// Validate checks the descriptor before any command is issued.
func (n *Network) Validate() error {
	if n.Bridge == "" {
		return invalid(n, "bridge", "bridge name is required")
	}
	if err := validation.InterfaceName(n.Bridge); err != nil {
		return fieldErr(n, "bridge", err)
	}
	if err := validation.OptionalInterfaceName(n.BridgeInterface); err != nil {
		return fieldErr(n, "bridge_interface", err)
	}
	if n.Label != "" {
		if err := validation.Label(n.Label); err != nil {
			return fieldErr(n, "label", err)
		}
	}
	prefix, err := netip.ParsePrefix(n.CIDR)
	if err != nil || !prefix.Addr().Is4() {
		return invalid(n, "cidr", "invalid IPv4 cidr %q", n.CIDR)
	}
	prefix = prefix.Masked()

	server := n.DHCPServerAddress()
	addr, err := netip.ParseAddr(server)
	if err != nil {
		return invalid(n, "dhcp_server", "invalid dhcp server address %q", server)
	}
	if !prefix.Contains(addr) {
		return invalid(n, "dhcp_server", "dhcp server %s is outside %s", addr, prefix)
	}

	for _, f := range [][2]string{
		{"broadcast", n.Broadcast},
		{"gateway", n.Gateway},
		{"dhcp_start", n.DHCPStart},
		{"dns1", n.DNS1},
		{"dns2", n.DNS2},
	} {
		if f[1] == "" {
			continue
		}
		if a, err := netip.ParseAddr(f[1]); err != nil || !a.Is4() {
			return invalid(n, f[0], "invalid IPv4 address %q", f[1])
		}
	}
	if n.Netmask != "" {
		if a, err := netip.ParseAddr(n.Netmask); err != nil || !a.Is4() {
			return invalid(n, "netmask", "invalid netmask %q", n.Netmask)
		}
	}

	if n.CIDRv6 != "" {
		p, err := netip.ParsePrefix(n.CIDRv6)
		if err != nil || !p.Addr().Is6() {
			return invalid(n, "cidr_v6", "invalid IPv6 cidr %q", n.CIDRv6)
		}
	}
	if n.VLAN != nil && (*n.VLAN < 1 || *n.VLAN > 4094) {
		return invalid(n, "vlan", "vlan %d out of range", *n.VLAN)
	}
	if n.UUID != "" {
		if _, err := uuid.Parse(n.UUID); err != nil {
			return invalid(n, "uuid", "invalid network uuid %q", n.UUID)
		}
	}
	if n.Domain != "" {
		if _, ok := dns.IsDomainName(n.Domain); !ok {
			return invalid(n, "domain", "invalid domain %q", n.Domain)
		}
	}
	return nil
}

func invalid(n *Network, field, format string, args ...any) error {
	return fieldErr(n, field, errors.Errorf(errors.KindValidation, format, args...))
}

func fieldErr(n *Network, field string, err error) error {
	err = errors.Attr(err, "network", n.ID)
	return errors.Attr(err, "field", field)
}

func (n *Network) prefix() (netip.Prefix, bool) {
	p, err := netip.ParsePrefix(n.CIDR)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p.Masked(), true
}

// Prefix returns the prefix length of the IPv4 cidr.
func (n *Network) Prefix() int {
	p, ok := n.prefix()
	if !ok {
		return 0
	}
	return p.Bits()
}

// NetmaskString returns the dotted netmask, derived from the cidr when
// the descriptor does not carry one.
func (n *Network) NetmaskString() string {
	if n.Netmask != "" {
		return n.Netmask
	}
	p, ok := n.prefix()
	if !ok {
		return ""
	}
	return maskOf(p.Bits())
}

// LeaseMax is the number of addresses in the IPv4 cidr.
func (n *Network) LeaseMax() int {
	p, ok := n.prefix()
	if !ok {
		return 0
	}
	return 1 << (32 - p.Bits())
}

// DHCPServerAddress returns the address dnsmasq listens on. Networks
// without an explicit server use their gateway.
func (n *Network) DHCPServerAddress() string {
	if n.DHCPServer != "" {
		return n.DHCPServer
	}
	return n.Gateway
}

// BroadcastAddress returns the broadcast address, derived from the cidr
// when absent.
func (n *Network) BroadcastAddress() string {
	if n.Broadcast != "" {
		return n.Broadcast
	}
	p, ok := n.prefix()
	if !ok {
		return ""
	}
	b := p.Addr().As4()
	hostBits := 32 - p.Bits()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= uint32(uint64(1)<<hostBits - 1)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}).String()
}

// DHCPRangeStart returns the first address of the static range.
func (n *Network) DHCPRangeStart() string {
	if n.DHCPStart != "" {
		return n.DHCPStart
	}
	p, ok := n.prefix()
	if !ok {
		return ""
	}
	return p.Addr().Next().Next().String()
}

// ShareAddressOr resolves the shared DHCP address mode against the host default.
func (n *Network) ShareAddressOr(def bool) bool {
	if n.ShareAddress != nil {
		return *n.ShareAddress
	}
	return def
}

// DNSServers returns the network's own resolvers in order.
func (n *Network) DNSServers() []string {
	var out []string
	for _, s := range []string{n.DNS1, n.DNS2} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func maskOf(bits int) string {
	var v uint32
	if bits > 0 {
		v = ^uint32(0) << (32 - bits)
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}).String()
}
