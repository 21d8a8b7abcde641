package config

import (
	"os"
	"path/filepath"
	"time"

	"grimm.is/netplane/internal/brand"
)

// Config is the root of the configuration file.
type Config struct {
	// Host names this compute host in multi-host networks.
	Host     string `hcl:"host,optional"`
	StateDir string `hcl:"state_dir,optional"`
	// RootHelper prefixes every privileged command, e.g. "sudo".
	RootHelper string `hcl:"root_helper,optional"`
	UseIPv6    bool   `hcl:"use_ipv6,optional"`
	// WrapPrefix marks the iptables chains the agent owns.
	WrapPrefix string `hcl:"wrap_prefix,optional"`
	// HostState is the YAML document describing the networks on this host.
	HostState string `hcl:"host_state,optional"`

	DHCP       *DHCPConfig       `hcl:"dhcp,block"`
	Firewall   *FirewallConfig   `hcl:"firewall,block"`
	Interfaces *InterfacesConfig `hcl:"interfaces,block"`
	Store      *StoreConfig      `hcl:"store,block"`
	Logging    *LoggingConfig    `hcl:"logging,block"`
	Metrics    *MetricsConfig    `hcl:"metrics,block"`
}

// DHCPConfig controls dnsmasq.
type DHCPConfig struct {
	Domain string `hcl:"domain,optional"`
	// LeaseTime in seconds.
	LeaseTime            int  `hcl:"lease_time,optional"`
	SingleDefaultGateway bool `hcl:"single_default_gateway,optional"`
	// ShareAddress serves every host's DHCP from the same address and
	// isolates it per bridge.
	ShareAddress         bool     `hcl:"share_address,optional"`
	DnsmasqConfigFile    string   `hcl:"dnsmasq_config_file,optional"`
	LeaseScript          string   `hcl:"lease_script,optional"`
	DNSServers           []string `hcl:"dns_servers,optional"`
	UseNetworkDNSServers bool     `hcl:"use_network_dns_servers,optional"`
	NetworksPath         string   `hcl:"networks_path,optional"`
	// ChecksumFill adds a mangle rule filling DHCP reply checksums for
	// virtio guests.
	ChecksumFill bool `hcl:"checksum_fill,optional"`
}

// FirewallConfig controls the iptables manager.
type FirewallConfig struct {
	// TopRegex hoists matching unmanaged rules above the agent's rules.
	TopRegex string `hcl:"top_regex,optional"`
	// ForwardInterfaces restricts forwarding off bridges; empty means all.
	ForwardInterfaces []string `hcl:"forward_interfaces,optional"`
	DropAction        string   `hcl:"drop_action,optional"`
}

// InterfacesConfig controls bridge plumbing and gateway devices.
type InterfacesConfig struct {
	FlatInterface    string `hcl:"flat_interface,optional"`
	VLANInterface    string `hcl:"vlan_interface,optional"`
	NetworkDeviceMTU int    `hcl:"network_device_mtu,optional"`
	SendARPForHA     bool   `hcl:"send_arp_for_ha,optional"`
	SendARPCount     int    `hcl:"send_arp_count,optional"`
}

// StoreConfig locates the association database.
type StoreConfig struct {
	Path string `hcl:"path,optional"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	// Textfile is written after every command for node_exporter.
	Textfile string `hcl:"textfile,optional"`
}

// Defaults.
const (
	DefaultLeaseTime    = 120
	DefaultDomain       = "novalocal"
	DefaultSendARPCount = 3
	DefaultDropAction   = "DROP"
)

// DefaultPath is where the configuration normally lives.
func DefaultPath() string {
	return filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName)
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host, _ = os.Hostname()
	}
	if c.StateDir == "" {
		c.StateDir = brand.DefaultStateDir
	}
	if c.WrapPrefix == "" {
		c.WrapPrefix = brand.BinaryName
	}
	if c.HostState == "" {
		c.HostState = filepath.Join(brand.DefaultConfigDir, "host.yaml")
	}

	if c.DHCP == nil {
		c.DHCP = &DHCPConfig{}
	}
	if c.DHCP.Domain == "" {
		c.DHCP.Domain = DefaultDomain
	}
	if c.DHCP.LeaseTime == 0 {
		c.DHCP.LeaseTime = DefaultLeaseTime
	}
	if c.DHCP.NetworksPath == "" {
		c.DHCP.NetworksPath = filepath.Join(c.StateDir, "networks")
	}
	if c.DHCP.LeaseScript == "" {
		c.DHCP.LeaseScript = filepath.Join("/usr/bin", brand.LowerName+"-dhcpbridge")
	}

	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if c.Firewall.DropAction == "" {
		c.Firewall.DropAction = DefaultDropAction
	}

	if c.Interfaces == nil {
		c.Interfaces = &InterfacesConfig{}
	}
	if c.Interfaces.SendARPForHA && c.Interfaces.SendARPCount == 0 {
		c.Interfaces.SendARPCount = DefaultSendARPCount
	}

	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.StateDir, brand.LowerName+".db")
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
}

// LeaseDuration returns the DHCP lease time.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.DHCP.LeaseTime) * time.Second
}

// ARPCount is the number of gratuitous ARPs to send, zero when disabled.
func (c *Config) ARPCount() int {
	if !c.Interfaces.SendARPForHA {
		return 0
	}
	return c.Interfaces.SendARPCount
}
