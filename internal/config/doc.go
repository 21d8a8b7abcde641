// Package config loads the agent's HCL configuration.
//
// # Overview
//
// One file, normally /etc/netplane/netplane.hcl, holds host-wide settings.
// Network descriptors are not configuration; they arrive per call or in a
// host state document.
//
// # Configuration Blocks
//
//   - top level: host, state_dir, root_helper, use_ipv6, wrap_prefix
//   - dhcp: dnsmasq file layout, domain, lease time, resolvers
//   - firewall: top_regex, forward_interfaces, drop_action
//   - interfaces: flat/vlan interface overrides, MTU, gratuitous ARP
//   - store: association database path
//   - logging: level and JSON output
//   - metrics: Prometheus textfile path
//
// # Functions
//
// Expressions may call env("NAME") to read the process environment:
//
//	store {
//	  path = "${env("STATE_DIRECTORY")}/netplane.db"
//	}
package config
