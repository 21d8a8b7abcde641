package network

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/logging"
)

// BridgeProvisioner creates and removes the bridges instances plug into.
type BridgeProvisioner interface {
	EnsureBridge(ctx context.Context, bridge, iface string) error
	// EnsureVLANBridge creates vlan<N> on iface and bridges it. It returns
	// the VLAN interface name.
	EnsureVLANBridge(ctx context.Context, vlan int, bridge, iface, mac string) (string, error)
	RemoveBridge(ctx context.Context, bridge string) error
	RemoveVLANBridge(ctx context.Context, vlan int, bridge string) error
}

// SysfsNetRoot is where bridge tunables live.
const SysfsNetRoot = "/sys/class/net"

// LinuxBridge provisions bridges over netlink.
type LinuxBridge struct {
	nl     Netlinker
	fs     host.FileSystem
	logger *logging.Logger

	// MTU is applied to VLAN interfaces when > 0.
	MTU int
}

// NewLinuxBridge creates a bridge provisioner. A nil nl uses DefaultNetlinker.
func NewLinuxBridge(nl Netlinker, fs host.FileSystem, mtu int, logger *logging.Logger) *LinuxBridge {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &LinuxBridge{nl: nl, fs: fs, logger: logger.WithComponent("bridge"), MTU: mtu}
}

// VLANInterfaceName returns the interface name used for a VLAN id.
func VLANInterfaceName(vlan int) string {
	return fmt.Sprintf("vlan%d", vlan)
}

// EnsureVLANBridge creates the tagged interface if missing, then bridges it.
func (b *LinuxBridge) EnsureVLANBridge(ctx context.Context, vlan int, bridge, iface, mac string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := VLANInterfaceName(vlan)

	if _, err := b.nl.LinkByName(name); err != nil {
		parent, err := b.nl.LinkByName(iface)
		if err != nil {
			return "", errors.Wrapf(err, errors.KindNotFound, "vlan parent %s", iface)
		}
		b.logger.Info("creating vlan interface", "vlan", name, "parent", iface)
		link := &netlink.Vlan{
			LinkAttrs: netlink.LinkAttrs{Name: name, ParentIndex: parent.Attrs().Index},
			VlanId:    vlan,
		}
		if err := b.nl.LinkAdd(link); err != nil {
			return "", errors.Wrapf(err, errors.KindExternalCommand, "add vlan %s", name)
		}
		created, err := b.nl.LinkByName(name)
		if err != nil {
			return "", errors.Wrapf(err, errors.KindNotFound, "vlan %s", name)
		}
		if mac != "" {
			if err := b.nl.LinkSetHardwareAddr(created, mac); err != nil {
				return "", errors.Wrapf(err, errors.KindExternalCommand, "set mac on %s", name)
			}
		}
		if err := b.nl.LinkSetUp(created); err != nil {
			return "", errors.Wrapf(err, errors.KindExternalCommand, "set %s up", name)
		}
		if b.MTU > 0 {
			if err := b.nl.LinkSetMTU(created, b.MTU); err != nil {
				return "", errors.Wrapf(err, errors.KindExternalCommand, "set mtu on %s", name)
			}
		}
	}

	if err := b.EnsureBridge(ctx, bridge, name); err != nil {
		return "", err
	}
	return name, nil
}

// EnsureBridge creates bridge if missing and enslaves iface to it. Any
// IPv4 addresses on iface move to the bridge along with its gateway routes.
func (b *LinuxBridge) EnsureBridge(ctx context.Context, bridge, iface string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	br, err := b.nl.LinkByName(bridge)
	if err != nil {
		b.logger.Info("creating bridge", "bridge", bridge)
		if err := b.nl.LinkAdd(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: bridge}}); err != nil {
			return errors.Wrapf(err, errors.KindExternalCommand, "add bridge %s", bridge)
		}
		if err := b.tune(bridge); err != nil {
			return err
		}
		if br, err = b.nl.LinkByName(bridge); err != nil {
			return errors.Wrapf(err, errors.KindNotFound, "bridge %s", bridge)
		}
	}
	if err := b.nl.LinkSetUp(br); err != nil {
		return errors.Wrapf(err, errors.KindExternalCommand, "set %s up", bridge)
	}

	if iface == "" {
		return nil
	}
	link, err := b.nl.LinkByName(iface)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "bridge interface %s", iface)
	}
	if link.Attrs().MasterIndex != br.Attrs().Index {
		if err := b.nl.LinkSetMaster(link, br); err != nil {
			return errors.Wrapf(err, errors.KindExternalCommand, "add %s to %s", iface, bridge)
		}
	}
	if err := b.nl.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, errors.KindExternalCommand, "set %s up", iface)
	}
	return b.moveAddresses(link, br)
}

// tune disables STP and forwarding delay.
func (b *LinuxBridge) tune(bridge string) error {
	dir := filepath.Join(SysfsNetRoot, bridge, "bridge")
	for file, value := range map[string]string{"forward_delay": "0", "stp_state": "0"} {
		if err := b.fs.WriteFile(filepath.Join(dir, file), []byte(value), 0644); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "tune bridge %s", bridge)
		}
	}
	return nil
}

func (b *LinuxBridge) moveAddresses(from, to netlink.Link) error {
	addrs, err := b.nl.AddrList(from, unix.AF_INET)
	if err != nil {
		return errors.Wrapf(err, errors.KindExternalCommand, "list addresses on %s", from.Attrs().Name)
	}
	if len(addrs) == 0 {
		return nil
	}

	routes, err := b.nl.RouteList(from, unix.AF_INET)
	if err != nil {
		return errors.Wrapf(err, errors.KindExternalCommand, "list routes on %s", from.Attrs().Name)
	}
	var gwRoutes []netlink.Route
	for _, rt := range routes {
		if rt.Gw != nil {
			gwRoutes = append(gwRoutes, rt)
		}
	}

	b.logger.Info("moving addresses to bridge", "from", from.Attrs().Name, "to", to.Attrs().Name, "addresses", len(addrs), "routes", len(gwRoutes))

	for i := range gwRoutes {
		if err := b.nl.RouteDel(&gwRoutes[i]); err != nil {
			return errors.Wrapf(err, errors.KindExternalCommand, "delete route %s", gwRoutes[i].String())
		}
	}
	for i := range addrs {
		a := addrs[i]
		if err := b.nl.AddrDel(from, &a); err != nil {
			return errors.Wrapf(err, errors.KindExternalCommand, "delete address %s", a.IPNet)
		}
		moved := &netlink.Addr{IPNet: a.IPNet, Broadcast: a.Broadcast}
		if err := b.nl.AddrAdd(to, moved); err != nil {
			return errors.Wrapf(err, errors.KindExternalCommand, "add address %s", a.IPNet)
		}
	}
	for i := range gwRoutes {
		rt := gwRoutes[i]
		rt.LinkIndex = to.Attrs().Index
		if err := b.nl.RouteAdd(&rt); err != nil {
			return errors.Wrapf(err, errors.KindExternalCommand, "add route %s", rt.String())
		}
	}
	return nil
}

// RemoveBridge deletes bridge; a missing bridge is not an error.
func (b *LinuxBridge) RemoveBridge(ctx context.Context, bridge string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.remove(bridge)
}

// RemoveVLANBridge deletes the bridge and then its VLAN interface.
func (b *LinuxBridge) RemoveVLANBridge(ctx context.Context, vlan int, bridge string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.remove(bridge); err != nil {
		return err
	}
	return b.remove(VLANInterfaceName(vlan))
}

func (b *LinuxBridge) remove(name string) error {
	link, err := b.nl.LinkByName(name)
	if err != nil {
		return nil
	}
	b.logger.Info("removing interface", "name", name)
	if err := b.nl.LinkSetDown(link); err != nil {
		return errors.Wrapf(err, errors.KindExternalCommand, "set %s down", name)
	}
	if err := b.nl.LinkDel(link); err != nil {
		return errors.Wrapf(err, errors.KindExternalCommand, "delete %s", name)
	}
	return nil
}
