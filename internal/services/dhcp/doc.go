// Package dhcp renders dnsmasq host, DNS host, option and lease files for
// a network and drives the dnsmasq process that serves them.
//
// Rendering is pure: [Generator] turns an ordered slice of
// [model.LeaseAssociation] into text. Selecting which associations belong
// to a device (per network, per host for multi-host networks) is the
// caller's job, through an [AssociationSource].
package dhcp
