// Package network reconciles interface addressing and bridge devices.
//
// The gateway [Reconciler] drives the ip(8) tool: it reads the live address
// and route state, decides with pure functions what has to change, and
// issues the smallest command sequence that reaches the target. Parsing
// lives in [ParseAddrShow] and [ParseRouteShow]; the decision lives in
// planGateway. Neither touches the host.
//
// Bridges and VLAN interfaces are created over netlink by [LinuxBridge].
package network
