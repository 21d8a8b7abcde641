package dhcp

import (
	"context"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/metrics"
)

// ServerPort is the DHCP server port releases are sent to.
const ServerPort = 67

// Releaser tells a DHCP server that a client gave up its lease.
type Releaser interface {
	Release(ctx context.Context, dev string, server, client net.IP, mac net.HardwareAddr) error
}

// BuildRelease constructs a DHCPRELEASE from client (with hardware address
// mac) to server.
func BuildRelease(server, client net.IP, mac net.HardwareAddr) (*dhcpv4.DHCPv4, error) {
	if server.To4() == nil || client.To4() == nil {
		return nil, errors.Errorf(errors.KindValidation, "release needs IPv4 addresses, got server %v client %v", server, client)
	}
	if len(mac) == 0 {
		return nil, errors.New(errors.KindValidation, "release needs a client hardware address")
	}
	pkt, err := dhcpv4.New(
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithClientIP(client.To4()),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server.To4())),
		dhcpv4.WithOption(dhcpv4.OptClientIdentifier(append([]byte{1}, mac...))),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to build release")
	}
	return pkt, nil
}

// UDPReleaser sends releases from a socket bound to the device.
type UDPReleaser struct {
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewUDPReleaser creates a releaser.
func NewUDPReleaser(logger *logging.Logger, m *metrics.Registry) *UDPReleaser {
	if logger == nil {
		logger = logging.Discard()
	}
	return &UDPReleaser{logger: logger.WithComponent("dhcp"), metrics: m}
}

func (r *UDPReleaser) Release(ctx context.Context, dev string, server, client net.IP, mac net.HardwareAddr) error {
	pkt, err := BuildRelease(server, client, mac)
	if err != nil {
		return err
	}

	err = sendBound(ctx, dev, &net.UDPAddr{IP: server.To4(), Port: ServerPort}, pkt.ToBytes())
	status := "sent"
	if err != nil {
		status = "error"
		err = errors.Attr(errors.Wrapf(err, errors.KindExternalCommand, "release %s on %s", client, dev), "mac", mac.String())
	}
	if r.metrics != nil {
		r.metrics.DHCPReleases.WithLabelValues(status).Inc()
	}
	if err != nil {
		return err
	}
	r.logger.Info("released lease", "dev", dev, "address", client.String(), "mac", mac.String(), "xid", pkt.TransactionID.String())
	return nil
}
