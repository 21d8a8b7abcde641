// Package firewall converges the kernel's iptables and ebtables state to an
// in-memory desired rule set.
//
// # Overview
//
// Rules live in [Table] values, one per iptables table and address family.
// Chains owned by the agent are "wrapped": their kernel name carries the
// binary-name prefix, which is how the [Manager] tells its own chains apart
// from everybody else's when it rewrites a table.
//
// # Architecture
//
//	Table mutations → Manager.Apply → iptables-save -c → modifyRules → iptables-restore -c
//
// iptables only supports whole-table replacement, so every convergence saves
// the live table, swaps in the managed chains and restores the result in one
// call. Unmanaged chains and rules in the dump are left alone.
//
// # Batching
//
// Callers that make several related changes wrap them in
// [Manager.DeferApplyOn] / [Manager.DeferApplyOff], which collapses the
// batch into a single save/restore cycle per family.
package firewall
