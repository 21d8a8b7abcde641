package network

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a mock implementation of the Netlinker interface.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(netlink.Link), args.Error(1)
}
func (m *MockNetlinker) LinkAdd(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}
func (m *MockNetlinker) LinkDel(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}
func (m *MockNetlinker) LinkSetUp(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}
func (m *MockNetlinker) LinkSetDown(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}
func (m *MockNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	args := m.Called(link, mtu)
	return args.Error(0)
}
func (m *MockNetlinker) LinkSetMaster(slave, master netlink.Link) error {
	args := m.Called(slave, master)
	return args.Error(0)
}
func (m *MockNetlinker) LinkSetHardwareAddr(link netlink.Link, mac string) error {
	args := m.Called(link, mac)
	return args.Error(0)
}
func (m *MockNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	args := m.Called(link, family)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Addr), args.Error(1)
}
func (m *MockNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(link, addr)
	return args.Error(0)
}
func (m *MockNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(link, addr)
	return args.Error(0)
}
func (m *MockNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	args := m.Called(link, family)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Route), args.Error(1)
}
func (m *MockNetlinker) RouteAdd(route *netlink.Route) error {
	args := m.Called(route)
	return args.Error(0)
}
func (m *MockNetlinker) RouteDel(route *netlink.Route) error {
	args := m.Called(route)
	return args.Error(0)
}

// MockBridgeProvisioner is a mock implementation of BridgeProvisioner.
type MockBridgeProvisioner struct {
	mock.Mock
}

func (m *MockBridgeProvisioner) EnsureBridge(ctx context.Context, bridge, iface string) error {
	args := m.Called(bridge, iface)
	return args.Error(0)
}
func (m *MockBridgeProvisioner) EnsureVLANBridge(ctx context.Context, vlan int, bridge, iface, mac string) (string, error) {
	args := m.Called(vlan, bridge, iface, mac)
	return args.String(0), args.Error(1)
}
func (m *MockBridgeProvisioner) RemoveBridge(ctx context.Context, bridge string) error {
	args := m.Called(bridge)
	return args.Error(0)
}
func (m *MockBridgeProvisioner) RemoveVLANBridge(ctx context.Context, vlan int, bridge string) error {
	args := m.Called(vlan, bridge)
	return args.Error(0)
}
