package testutil

import (
	"context"
	"time"

	"grimm.is/netplane/internal/model"
)

// Instance UUIDs used by the fixture data.
const (
	Instance0 = "00000000-0000-0000-0000-000000000000"
	Instance1 = "00000000-0000-0000-0000-000000000001"
)

// FixtureInstance is an instance in the fixture data.
type FixtureInstance struct {
	UUID     string
	Host     string
	Hostname string
	Created  time.Time
	Updated  time.Time
}

// FixedIP is a fixed address in the fixture data.
type FixedIP struct {
	NetworkID    int
	Address      string
	InstanceUUID string
	VIFID        int
	Allocated    bool
	Leased       bool
}

// FixtureTime stamps every fixture instance.
var FixtureTime = time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)

// Fixture is a two-network, two-instance data set. Each instance has
// three VIFs spread over both networks.
type Fixture struct {
	Networks  []model.Network
	Instances map[string]FixtureInstance
	FixedIPs  []FixedIP
	VIFs      []model.VIF
}

// NewFixture returns a fresh copy of the fixture data.
func NewFixture() *Fixture {
	return &Fixture{
		Networks: []model.Network{
			{
				ID: 0, UUID: "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", Label: "test0",
				CIDR: "192.168.0.0/24", CIDRv6: "2001:db8::/64", GatewayV6: "2001:db8::1",
				Netmask: "255.255.255.0", Bridge: "fa0", BridgeInterface: "fake_fa0",
				Gateway: "192.168.0.1", Broadcast: "192.168.0.255",
				DNS1: "192.168.0.1", DNS2: "192.168.0.2",
				DHCPStart: "192.168.0.3", ProjectID: "fake_project",
			},
			{
				ID: 1, UUID: "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", Label: "test1",
				MultiHost: true,
				CIDR:      "192.168.1.0/24", CIDRv6: "2001:db9::/64", GatewayV6: "2001:db9::1",
				Netmask: "255.255.255.0", Bridge: "fa1", BridgeInterface: "fake_fa1",
				Gateway: "192.168.1.1", Broadcast: "192.168.1.255",
				DNS1: "192.168.0.1", DNS2: "192.168.0.2",
				DHCPStart: "192.168.1.3", ProjectID: "fake_project",
			},
		},
		Instances: map[string]FixtureInstance{
			Instance0: {UUID: Instance0, Host: "fake_instance00", Hostname: "fake_instance00", Created: FixtureTime, Updated: FixtureTime},
			Instance1: {UUID: Instance1, Host: "fake_instance01", Hostname: "fake_instance01", Created: FixtureTime, Updated: FixtureTime},
		},
		FixedIPs: []FixedIP{
			{NetworkID: 0, Address: "192.168.0.100", InstanceUUID: Instance0, VIFID: 0, Allocated: true, Leased: true},
			{NetworkID: 1, Address: "192.168.1.100", InstanceUUID: Instance0, VIFID: 1, Allocated: true, Leased: true},
			{NetworkID: 1, Address: "192.168.0.101", InstanceUUID: Instance1, VIFID: 2, Allocated: true, Leased: true},
			{NetworkID: 0, Address: "192.168.1.101", InstanceUUID: Instance1, VIFID: 3, Allocated: true, Leased: true},
			{NetworkID: 0, Address: "192.168.0.102", InstanceUUID: Instance0, VIFID: 4, Allocated: true, Leased: false},
			{NetworkID: 1, Address: "192.168.1.102", InstanceUUID: Instance1, VIFID: 5, Allocated: true, Leased: false},
		},
		VIFs: []model.VIF{
			{ID: 0, Address: "DE:AD:BE:EF:00:00", UUID: "00000000-0000-0000-0000-000000000010", NetworkID: 0, InstanceUUID: Instance0},
			{ID: 1, Address: "DE:AD:BE:EF:00:01", UUID: "00000000-0000-0000-0000-000000000011", NetworkID: 1, InstanceUUID: Instance0},
			{ID: 2, Address: "DE:AD:BE:EF:00:02", UUID: "00000000-0000-0000-0000-000000000012", NetworkID: 1, InstanceUUID: Instance1},
			{ID: 3, Address: "DE:AD:BE:EF:00:03", UUID: "00000000-0000-0000-0000-000000000013", NetworkID: 0, InstanceUUID: Instance1},
			{ID: 4, Address: "DE:AD:BE:EF:00:04", UUID: "00000000-0000-0000-0000-000000000014", NetworkID: 0, InstanceUUID: Instance0},
			{ID: 5, Address: "DE:AD:BE:EF:00:05", UUID: "00000000-0000-0000-0000-000000000015", NetworkID: 1, InstanceUUID: Instance1},
		},
	}
}

// Network returns the fixture network with the given id.
func (f *Fixture) Network(id int) *model.Network {
	for i := range f.Networks {
		if f.Networks[i].ID == id {
			n := f.Networks[i]
			return &n
		}
	}
	return nil
}

// Associated returns the allocated associations of a network, optionally
// narrowed to one host and one address.
func (f *Fixture) Associated(_ context.Context, networkID int, host, address string) ([]model.LeaseAssociation, error) {
	var out []model.LeaseAssociation
	for _, ip := range f.FixedIPs {
		if ip.NetworkID != networkID || !ip.Allocated {
			continue
		}
		inst := f.Instances[ip.InstanceUUID]
		if host != "" && host != inst.Host {
			continue
		}
		if address != "" && address != ip.Address {
			continue
		}
		out = append(out, model.LeaseAssociation{
			Address:          ip.Address,
			NetworkID:        ip.NetworkID,
			InstanceUUID:     ip.InstanceUUID,
			InstanceHostname: inst.Hostname,
			InstanceCreated:  inst.Created,
			InstanceUpdated:  inst.Updated,
			VIFID:            ip.VIFID,
			VIFAddress:       f.VIFs[ip.VIFID].Address,
			Allocated:        ip.Allocated,
			Leased:           ip.Leased,
		})
	}
	return out, nil
}

// VIFsByInstance returns an instance's VIFs in id order.
func (f *Fixture) VIFsByInstance(_ context.Context, instanceUUID string) ([]model.VIF, error) {
	var out []model.VIF
	for _, v := range f.VIFs {
		if v.InstanceUUID == instanceUUID {
			out = append(out, v)
		}
	}
	return out, nil
}
