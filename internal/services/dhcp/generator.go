package dhcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grimm.is/netplane/internal/clock"
	"grimm.is/netplane/internal/model"
)

// DefaultLeaseTime is dnsmasq's lease duration unless configured.
const DefaultLeaseTime = 120 * time.Second

// DefaultDomain is appended to instance hostnames.
const DefaultDomain = "novalocal"

// AssociationSource looks up the leases a device must serve.
type AssociationSource interface {
	// Associated returns the allocated associations of a network. A non-empty
	// host keeps only instances running on that host; a non-empty address
	// keeps only that fixed address.
	Associated(ctx context.Context, networkID int, host, address string) ([]model.LeaseAssociation, error)
	// VIFsByInstance returns an instance's interfaces in ascending id order.
	VIFsByInstance(ctx context.Context, instanceUUID string) ([]model.VIF, error)
}

// DefaultGatewayPolicy picks, for every instance in assocs, the VIF that
// carries its default route. The result maps instance UUID to VIF id.
type DefaultGatewayPolicy interface {
	DefaultVIFs(ctx context.Context, assocs []model.LeaseAssociation) (map[string]int, error)
}

// FirstVIFPolicy routes each instance through its lowest-numbered VIF.
type FirstVIFPolicy struct {
	Source AssociationSource
}

func (p FirstVIFPolicy) DefaultVIFs(ctx context.Context, assocs []model.LeaseAssociation) (map[string]int, error) {
	out := make(map[string]int)
	for _, a := range assocs {
		if _, ok := out[a.InstanceUUID]; ok {
			continue
		}
		vifs, err := p.Source.VIFsByInstance(ctx, a.InstanceUUID)
		if err != nil {
			return nil, err
		}
		if len(vifs) == 0 {
			continue
		}
		first := vifs[0].ID
		for _, v := range vifs[1:] {
			if v.ID < first {
				first = v.ID
			}
		}
		out[a.InstanceUUID] = first
	}
	return out, nil
}

// Generator renders dnsmasq input files.
type Generator struct {
	Domain    string
	LeaseTime time.Duration
	// SingleDefaultGateway tags every host so that dnsmasq can withhold the
	// router option on all but one interface per instance.
	SingleDefaultGateway bool
	Clock                clock.Clock
}

// NewGenerator returns a generator with default domain and lease time.
func NewGenerator() *Generator {
	return &Generator{Domain: DefaultDomain, LeaseTime: DefaultLeaseTime, Clock: &clock.RealClock{}}
}

// ForNetwork returns the generator to use for n: a copy carrying the
// network's own domain when it sets one, g otherwise.
func (g *Generator) ForNetwork(n *model.Network) *Generator {
	if n == nil || n.Domain == "" || n.Domain == g.Domain {
		return g
	}
	c := *g
	c.Domain = n.Domain
	return &c
}

// Tag is the dnsmasq tag for a VIF.
func Tag(vifID int) string {
	return fmt.Sprintf("NW-%d", vifID)
}

func (g *Generator) fqdn(hostname string) string {
	if g.Domain == "" {
		return hostname
	}
	return hostname + "." + g.Domain
}

// HostLine renders one --dhcp-hostsfile entry.
func (g *Generator) HostLine(a model.LeaseAssociation) string {
	line := fmt.Sprintf("%s,%s,%s", a.VIFAddress, g.fqdn(a.InstanceHostname), a.Address)
	if g.SingleDefaultGateway {
		line += ",net:" + Tag(a.VIFID)
	}
	return line
}

// DNSLine renders one --addn-hosts entry.
func (g *Generator) DNSLine(a model.LeaseAssociation) string {
	return fmt.Sprintf("%s\t%s", a.Address, g.fqdn(a.InstanceHostname))
}

// OptsLine renders the option that suppresses the router for a VIF.
func OptsLine(vifID int) string {
	return Tag(vifID) + ",3"
}

// Hosts renders the dnsmasq hosts file.
func (g *Generator) Hosts(assocs []model.LeaseAssociation) string {
	var lines []string
	for _, a := range model.SortByVIF(assocs) {
		if a.Allocated {
			lines = append(lines, g.HostLine(a))
		}
	}
	return strings.Join(lines, "\n")
}

// DNSHosts renders the additional hosts file used for multi-host networks.
func (g *Generator) DNSHosts(assocs []model.LeaseAssociation) string {
	var lines []string
	for _, a := range model.SortByVIF(assocs) {
		if a.Allocated {
			lines = append(lines, g.DNSLine(a))
		}
	}
	return strings.Join(lines, "\n")
}

// Opts renders the options file. Every VIF that is not its instance's
// default gateway VIF gets the router option suppressed. Instances missing
// from defaults are skipped.
func (g *Generator) Opts(assocs []model.LeaseAssociation, defaults map[string]int) string {
	var lines []string
	for _, a := range model.SortByVIF(assocs) {
		if !a.Allocated {
			continue
		}
		def, ok := defaults[a.InstanceUUID]
		if ok && def != a.VIFID {
			lines = append(lines, OptsLine(a.VIFID))
		}
	}
	return strings.Join(lines, "\n")
}

// Leases renders dnsmasq's lease database for the lease script's init
// call. Only leased associations appear.
func (g *Generator) Leases(assocs []model.LeaseAssociation) string {
	now := g.now()
	expiry := now.Add(g.leaseTime()).Unix()
	if expiry <= now.Unix() {
		expiry = now.Unix() + 1
	}

	var lines []string
	for _, a := range model.SortByVIF(assocs) {
		if !a.Allocated || !a.Leased {
			continue
		}
		hostname := a.InstanceHostname
		if hostname == "" {
			hostname = "*"
		}
		lines = append(lines, fmt.Sprintf("%d %s %s %s *", expiry, a.VIFAddress, a.Address, hostname))
	}
	return strings.Join(lines, "\n")
}

func (g *Generator) now() time.Time {
	if g.Clock == nil {
		return time.Now()
	}
	return g.Clock.Now()
}

func (g *Generator) leaseTime() time.Duration {
	if g.LeaseTime <= 0 {
		return DefaultLeaseTime
	}
	return g.LeaseTime
}
