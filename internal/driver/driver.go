package driver

import (
	"context"
	"net"

	"grimm.is/netplane/internal/clock"
	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/firewall"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/metrics"
	"grimm.is/netplane/internal/model"
	"grimm.is/netplane/internal/network"
	"grimm.is/netplane/internal/services/dhcp"
	"grimm.is/netplane/internal/validation"
)

// Options are the host-wide settings the driver applies to every network.
type Options struct {
	// Host names this compute node. Multi-host networks only serve the
	// instances running here.
	Host string
	// FlatInterface and VLANInterface override a network's bridge_interface.
	FlatInterface string
	VLANInterface string
	// ForwardInterfaces restricts forwarding out of bridges.
	ForwardInterfaces []string
	DropAction        string
	// ShareAddress is the default for networks that do not set share_address.
	ShareAddress bool
	// ChecksumFill adds a mangle rule filling DHCP reply checksums.
	ChecksumFill bool
}

// Deps are the collaborators a Driver drives.
type Deps struct {
	Firewall  *firewall.Manager
	Ebtables  *firewall.Ebtables
	Bridges   network.BridgeProvisioner
	Gateway   *network.Reconciler
	Dnsmasq   *dhcp.Dnsmasq
	Generator *dhcp.Generator
	Source    dhcp.AssociationSource
	// Policy defaults to dhcp.FirstVIFPolicy over Source.
	Policy   dhcp.DefaultGatewayPolicy
	Releaser dhcp.Releaser

	Logger  *logging.Logger
	Metrics *metrics.Registry
	Clock   clock.Clock
}

// Driver is the host network façade.
type Driver struct {
	fw       *firewall.Manager
	ebt      *firewall.Ebtables
	bridges  network.BridgeProvisioner
	gateway  *network.Reconciler
	dnsmasq  *dhcp.Dnsmasq
	gen      *dhcp.Generator
	source   dhcp.AssociationSource
	policy   dhcp.DefaultGatewayPolicy
	releaser dhcp.Releaser

	opts    Options
	logger  *logging.Logger
	metrics *metrics.Registry
	clock   clock.Clock
}

// New creates a driver. Firewall, Ebtables and Bridges are required; the
// DHCP collaborators are only needed by the DHCP operations.
func New(deps Deps, opts Options) (*Driver, error) {
	switch {
	case deps.Firewall == nil:
		return nil, errors.New(errors.KindValidation, "driver requires a firewall manager")
	case deps.Ebtables == nil:
		return nil, errors.New(errors.KindValidation, "driver requires ebtables")
	case deps.Bridges == nil:
		return nil, errors.New(errors.KindValidation, "driver requires a bridge provisioner")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	clk := deps.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	gen := deps.Generator
	if gen == nil {
		gen = dhcp.NewGenerator()
	}
	policy := deps.Policy
	if policy == nil && deps.Source != nil {
		policy = dhcp.FirstVIFPolicy{Source: deps.Source}
	}

	return &Driver{
		fw:       deps.Firewall,
		ebt:      deps.Ebtables,
		bridges:  deps.Bridges,
		gateway:  deps.Gateway,
		dnsmasq:  deps.Dnsmasq,
		gen:      gen,
		source:   deps.Source,
		policy:   policy,
		releaser: deps.Releaser,
		opts:     opts,
		logger:   logger.WithComponent("driver"),
		metrics:  deps.Metrics,
		clock:    clk,
	}, nil
}

// Firewall exposes the underlying manager, mainly for rendering.
func (d *Driver) Firewall() *firewall.Manager {
	return d.fw
}

// physicalInterface is the interface a network's bridge is attached to.
func (d *Driver) physicalInterface(n *model.Network) string {
	if n.VLAN != nil {
		if d.opts.VLANInterface != "" {
			return d.opts.VLANInterface
		}
		return n.BridgeInterface
	}
	if d.opts.FlatInterface != "" {
		return d.opts.FlatInterface
	}
	return n.BridgeInterface
}

// isolated reports whether n's DHCP address must be fenced off the bridge.
// That is the case when every host shares the same address, since the
// copies on other hosts would otherwise answer ARP and DHCP.
func (d *Driver) isolated(n *model.Network) bool {
	return n.ShareAddressOr(d.opts.ShareAddress)
}

func (d *Driver) forwardRules(bridge string) []firewall.ChainRule {
	return firewall.BridgeForwardRules(bridge, true, d.opts.ForwardInterfaces, d.opts.DropAction)
}

// Plug creates the network's bridge (on a VLAN when the network has one),
// admits forwarded traffic through it and, in shared-address mode, isolates
// the DHCP address from the physical network. It returns the bridge name.
func (d *Driver) Plug(ctx context.Context, n *model.Network, mac string) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	iface := d.physicalInterface(n)

	err := d.fw.Batch(ctx, func() error {
		if n.VLAN != nil {
			if _, err := d.bridges.EnsureVLANBridge(ctx, *n.VLAN, n.Bridge, iface, mac); err != nil {
				return err
			}
		} else if err := d.bridges.EnsureBridge(ctx, n.Bridge, iface); err != nil {
			return err
		}

		filter := d.fw.IPv4("filter")
		if err := filter.AddRules(d.forwardRules(n.Bridge)); err != nil {
			return err
		}

		if d.isolated(n) {
			dhcpAddr := n.DHCPServerAddress()
			if err := d.ebt.Ensure(ctx, "filter", firewall.IsolationEbtablesRules(iface, dhcpAddr)); err != nil {
				return err
			}
			if err := filter.AddRules(firewall.IsolationForwardRules(iface, dhcpAddr), firewall.OnTop()); err != nil {
				return err
			}
		}
		return d.fw.Apply(ctx)
	})
	if err != nil {
		return "", errors.Attr(err, "bridge", n.Bridge)
	}
	d.logger.Info("plugged network", "network", n.ID, "bridge", n.Bridge, "interface", iface)
	return n.Bridge, nil
}

// Unplug reverses Plug.
func (d *Driver) Unplug(ctx context.Context, n *model.Network) error {
	iface := d.physicalInterface(n)

	err := d.fw.Batch(ctx, func() error {
		if n.VLAN != nil {
			if err := d.bridges.RemoveVLANBridge(ctx, *n.VLAN, n.Bridge); err != nil {
				return err
			}
		} else if err := d.bridges.RemoveBridge(ctx, n.Bridge); err != nil {
			return err
		}

		filter := d.fw.IPv4("filter")
		filter.RemoveRules(d.forwardRules(n.Bridge))

		if d.isolated(n) {
			dhcpAddr := n.DHCPServerAddress()
			if err := d.ebt.Remove(ctx, "filter", firewall.IsolationEbtablesRules(iface, dhcpAddr)); err != nil {
				return err
			}
			filter.RemoveRules(firewall.IsolationForwardRules(iface, dhcpAddr), firewall.OnTop())
		}
		return d.fw.Apply(ctx)
	})
	if err != nil {
		return errors.Attr(err, "bridge", n.Bridge)
	}
	d.logger.Info("unplugged network", "network", n.ID, "bridge", n.Bridge)
	return nil
}

// InitializeGateway gives dev the network's DHCP server address.
func (d *Driver) InitializeGateway(ctx context.Context, dev string, n *model.Network) error {
	if d.gateway == nil {
		return errors.New(errors.KindInternal, "driver has no gateway reconciler")
	}
	return d.gateway.InitializeGatewayDevice(ctx, dev, n)
}

// EnsureFloatingForward maps a floating address onto its fixed address.
// Rules left over from an earlier mapping of the same floating address are
// dropped first.
func (d *Driver) EnsureFloatingForward(ctx context.Context, f model.FloatingIP, n *model.Network) error {
	if err := f.Validate(); err != nil {
		return err
	}
	nat := d.fw.IPv4("nat")
	if removed := nat.RemoveRulesRegex(firewall.FloatingRulesRegex(f.Address)); removed > 0 {
		d.logger.Warn("removed duplicate floating forward rules", "floating", f.Address, "count", removed)
	}
	if err := nat.AddRules(firewall.FloatingForwardRules(f.Address, f.FixedAddress, f.Device)); err != nil {
		return err
	}
	if err := d.fw.Apply(ctx); err != nil {
		return err
	}
	if f.Device != n.Bridge {
		return d.ebt.Ensure(ctx, "nat", firewall.FloatingEbtablesRules(f.FixedAddress, n.Bridge, n.CIDR))
	}
	return nil
}

// RemoveFloatingForward reverses EnsureFloatingForward.
func (d *Driver) RemoveFloatingForward(ctx context.Context, f model.FloatingIP, n *model.Network) error {
	nat := d.fw.IPv4("nat")
	nat.RemoveRules(firewall.FloatingForwardRules(f.Address, f.FixedAddress, f.Device))
	if err := d.fw.Apply(ctx); err != nil {
		return err
	}
	if f.Device != n.Bridge {
		return d.ebt.Remove(ctx, "nat", firewall.FloatingEbtablesRules(f.FixedAddress, n.Bridge, n.CIDR))
	}
	return nil
}

// AddSNATRule source-NATs a fixed range.
func (d *Driver) AddSNATRule(ctx context.Context, r model.SNATRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	rule := firewall.SNATRule(r.Source, r.ToSource, r.Interface)
	if err := d.fw.IPv4("nat").AddRule(rule.Chain, rule.Rule); err != nil {
		return err
	}
	return d.fw.Apply(ctx)
}

// hostFilter limits multi-host networks to the instances on this host.
func (d *Driver) hostFilter(n *model.Network) string {
	if n.MultiHost {
		return d.opts.Host
	}
	return ""
}

func (d *Driver) requireDHCP() error {
	if d.dnsmasq == nil || d.source == nil {
		return errors.New(errors.KindInternal, "driver has no dhcp backend")
	}
	return nil
}

// DHCPFiles is everything dnsmasq needs to serve one device.
type DHCPFiles struct {
	Hosts string
	// DNSHosts is only produced for multi-host networks.
	DNSHosts string
	// Opts is only produced in single-default-gateway mode.
	Opts    string
	Leases  string
	Command []string
}

// RenderDHCP generates the dnsmasq files for dev without touching the host.
func (d *Driver) RenderDHCP(ctx context.Context, dev string, n *model.Network) (*DHCPFiles, error) {
	if err := d.requireDHCP(); err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	assocs, err := d.source.Associated(ctx, n.ID, d.hostFilter(n), "")
	if err != nil {
		return nil, err
	}
	gen := d.gen.ForNetwork(n)
	files := &DHCPFiles{
		Hosts:   gen.Hosts(assocs),
		Leases:  gen.Leases(assocs),
		Command: d.dnsmasq.Args(dev, n),
	}
	if n.MultiHost {
		all, err := d.source.Associated(ctx, n.ID, "", "")
		if err != nil {
			return nil, err
		}
		files.DNSHosts = gen.DNSHosts(all)
	}
	if d.gen.SingleDefaultGateway {
		if files.Opts, err = d.dhcpOpts(ctx, assocs); err != nil {
			return nil, err
		}
	}
	if d.metrics != nil {
		d.metrics.DHCPHostsWritten.WithLabelValues(dev).Set(float64(countAllocated(assocs)))
	}
	return files, nil
}

// UpdateDHCP rewrites the files dnsmasq serves dev from and reloads it.
func (d *Driver) UpdateDHCP(ctx context.Context, dev string, n *model.Network) error {
	files, err := d.RenderDHCP(ctx, dev, n)
	if err != nil {
		return err
	}
	if err := d.dnsmasq.EnsureDirs(); err != nil {
		return err
	}
	if err := d.dnsmasq.Write(dev, dhcp.KindConf, files.Hosts); err != nil {
		return err
	}
	if n.MultiHost {
		if err := d.dnsmasq.Write(dev, dhcp.KindHosts, files.DNSHosts); err != nil {
			return err
		}
	}
	return d.restart(ctx, dev, n, files.Opts)
}

// RestartDHCP reloads or starts the dnsmasq serving dev without touching
// the hosts file.
func (d *Driver) RestartDHCP(ctx context.Context, dev string, n *model.Network) error {
	if err := d.requireDHCP(); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	var opts string
	if d.gen.SingleDefaultGateway {
		assocs, err := d.source.Associated(ctx, n.ID, d.hostFilter(n), "")
		if err != nil {
			return err
		}
		if opts, err = d.dhcpOpts(ctx, assocs); err != nil {
			return err
		}
	}
	return d.restart(ctx, dev, n, opts)
}

func (d *Driver) dhcpOpts(ctx context.Context, assocs []model.LeaseAssociation) (string, error) {
	defaults, err := d.policy.DefaultVIFs(ctx, assocs)
	if err != nil {
		return "", err
	}
	return d.gen.Opts(assocs, defaults), nil
}

func (d *Driver) restart(ctx context.Context, dev string, n *model.Network, opts string) error {
	if err := d.dnsmasq.Restart(ctx, dev, n, opts); err != nil {
		return err
	}

	if err := d.fw.IPv4("filter").AddRules(firewall.DnsmasqAcceptRules(dev)); err != nil {
		return err
	}
	if d.opts.ChecksumFill {
		rule := firewall.DHCPChecksumRule(dev)
		if err := d.fw.IPv4("mangle").AddRule(rule.Chain, rule.Rule); err != nil {
			return err
		}
	}
	return d.fw.Apply(ctx)
}

// KillDHCP stops the dnsmasq serving dev and closes its ports.
func (d *Driver) KillDHCP(ctx context.Context, dev string) error {
	if d.dnsmasq == nil {
		return errors.New(errors.KindInternal, "driver has no dhcp backend")
	}
	if err := d.dnsmasq.Kill(ctx, dev); err != nil {
		return err
	}
	d.fw.IPv4("filter").RemoveRules(firewall.DnsmasqAcceptRules(dev))
	if d.opts.ChecksumFill {
		rule := firewall.DHCPChecksumRule(dev)
		d.fw.IPv4("mangle").RemoveRule(rule.Chain, rule.Rule)
	}
	return d.fw.Apply(ctx)
}

// ReleaseDHCP sends a DHCPRELEASE for address to the dnsmasq on dev, so the
// lease is freed without waiting for it to expire.
func (d *Driver) ReleaseDHCP(ctx context.Context, dev string, n *model.Network, address, mac string) error {
	if d.releaser == nil {
		return errors.New(errors.KindInternal, "driver has no dhcp releaser")
	}
	if err := validation.InterfaceName(dev); err != nil {
		return err
	}
	client := net.ParseIP(address)
	if client == nil || client.To4() == nil {
		return errors.Errorf(errors.KindValidation, "invalid client address %q", address)
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid client mac")
	}
	server := net.ParseIP(n.DHCPServerAddress())
	if server == nil {
		return errors.Errorf(errors.KindValidation, "network %d has no dhcp server address", n.ID)
	}
	return d.releaser.Release(ctx, dev, server, client, hw)
}

// Leases renders the lease database dnsmasq asks for on startup.
func (d *Driver) Leases(ctx context.Context, n *model.Network) (string, error) {
	if d.source == nil {
		return "", errors.New(errors.KindInternal, "driver has no association source")
	}
	assocs, err := d.source.Associated(ctx, n.ID, d.hostFilter(n), "")
	if err != nil {
		return "", err
	}
	return d.gen.Leases(assocs), nil
}

// Converge brings the host in line with hs: bridges, gateway addresses,
// floating forwards, DHCP servers and SNAT rules. iptables is applied once.
func (d *Driver) Converge(ctx context.Context, hs *model.HostState) (err error) {
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordConverge(d.clock.Now(), err)
		}
	}()
	if err := hs.Validate(); err != nil {
		return err
	}

	start := d.clock.Now()
	err = d.fw.Batch(ctx, func() error {
		for i := range hs.Networks {
			if err := d.convergeAttachment(ctx, &hs.Networks[i]); err != nil {
				return errors.Attr(err, "network", hs.Networks[i].ID)
			}
		}
		for _, r := range hs.SNAT {
			if err := d.AddSNATRule(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Info("converged host", "networks", len(hs.Networks), "snat", len(hs.SNAT), "elapsed", d.clock.Since(start))
	return nil
}

func (d *Driver) convergeAttachment(ctx context.Context, att *model.Attachment) error {
	n := &att.Network
	if att.Plug {
		if _, err := d.Plug(ctx, n, att.MAC); err != nil {
			return err
		}
	}
	dev := att.DeviceName()
	if att.InitGateway {
		if err := d.InitializeGateway(ctx, dev, n); err != nil {
			return err
		}
	}
	for _, f := range att.FloatingIPs {
		if err := d.EnsureFloatingForward(ctx, f, n); err != nil {
			return err
		}
	}
	if att.DHCP {
		return d.UpdateDHCP(ctx, dev, n)
	}
	return nil
}

func countAllocated(assocs []model.LeaseAssociation) int {
	n := 0
	for _, a := range assocs {
		if a.Allocated {
			n++
		}
	}
	return n
}
