package cmd

import (
	"path/filepath"

	"grimm.is/netplane/internal/driver"
	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/firewall"
	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/model"
	"grimm.is/netplane/internal/network"
	"grimm.is/netplane/internal/services/dhcp"
	"grimm.is/netplane/internal/state"
)

// stack is a fully wired driver plus the pieces commands use directly.
type stack struct {
	driver  *driver.Driver
	dnsmasq *dhcp.Dnsmasq
	store   *state.Store
}

func (s *stack) Close() error {
	return s.store.Close()
}

func (a *app) openStore() (*state.Store, error) {
	if err := a.fs.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to create store directory")
	}
	opts := state.DefaultOptions(a.cfg.Store.Path)
	opts.Logger = a.logger
	return state.Open(opts)
}

func (a *app) loadHostState(path string) (*model.HostState, error) {
	if path == "" {
		path = a.cfg.HostState
	}
	return model.LoadHostState(a.fs, path)
}

// build wires every component from configuration around exec.
func (a *app) build(exec host.Executor) (*stack, error) {
	cfg := a.cfg

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}

	fw, err := firewall.NewManager(exec, firewall.ManagerConfig{
		Prefix:   cfg.WrapPrefix,
		UseIPv6:  cfg.UseIPv6,
		TopRegex: cfg.Firewall.TopRegex,
	}, a.logger, a.metrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	fs := &host.AferoFS{Fs: a.fs}
	dnsmasq := dhcp.NewDnsmasq(exec, fs, dhcp.DnsmasqConfig{
		NetworksPath:         cfg.DHCP.NetworksPath,
		ConfigFile:           cfg.DHCP.DnsmasqConfigFile,
		AgentConfig:          a.configPath,
		LeaseScript:          cfg.DHCP.LeaseScript,
		Domain:               cfg.DHCP.Domain,
		LeaseTime:            cfg.LeaseDuration(),
		DNSServers:           cfg.DHCP.DNSServers,
		UseNetworkDNSServers: cfg.DHCP.UseNetworkDNSServers,
		SingleDefaultGateway: cfg.DHCP.SingleDefaultGateway,
	}, a.logger, a.metrics)

	gen := dhcp.NewGenerator()
	gen.Domain = cfg.DHCP.Domain
	gen.LeaseTime = cfg.LeaseDuration()
	gen.SingleDefaultGateway = cfg.DHCP.SingleDefaultGateway

	d, err := driver.New(driver.Deps{
		Firewall: fw,
		Ebtables: firewall.NewEbtables(exec, a.metrics),
		Bridges:  network.NewLinuxBridge(network.DefaultNetlinker, fs, cfg.Interfaces.NetworkDeviceMTU, a.logger),
		Gateway: network.NewReconciler(exec, network.GatewayOptions{
			UseIPv6:      cfg.UseIPv6,
			SendARPCount: cfg.ARPCount(),
		}, a.logger, a.metrics),
		Dnsmasq:   dnsmasq,
		Generator: gen,
		Source:    store,
		Releaser:  dhcp.NewUDPReleaser(a.logger, a.metrics),
		Logger:    a.logger,
		Metrics:   a.metrics,
	}, driver.Options{
		Host:              cfg.Host,
		FlatInterface:     cfg.Interfaces.FlatInterface,
		VLANInterface:     cfg.Interfaces.VLANInterface,
		ForwardInterfaces: cfg.Firewall.ForwardInterfaces,
		DropAction:        cfg.Firewall.DropAction,
		ShareAddress:      cfg.DHCP.ShareAddress,
		ChecksumFill:      cfg.DHCP.ChecksumFill,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &stack{driver: d, dnsmasq: dnsmasq, store: store}, nil
}

func (a *app) executor() host.Executor {
	return host.NewRealExecutor(a.cfg.RootHelper, a.logger, a.metrics)
}
