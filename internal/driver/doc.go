// Package driver composes the firewall manager, bridge provisioner, gateway
// reconciler and dnsmasq controller into the operations an orchestrator
// invokes on a compute host.
//
// Every operation that touches iptables converges once. Operations called
// from inside Converge join its batch, so a whole host converges with a
// single save/restore round per address family.
package driver
