// Package validation checks values that end up on command lines or in
// dnsmasq files before they reach the host.
package validation

import (
	"net"
	"regexp"
	"strings"

	"grimm.is/netplane/internal/errors"
)

var (
	// alphanumeric, dash, underscore, dot (for VLANs), max 15 chars
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

	// dnsmasq tags are comma separated, so labels may not contain commas
	labelRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// InterfaceName validates a kernel network interface name.
func InterfaceName(name string) error {
	if name == "" {
		return errors.New(errors.KindValidation, "interface name cannot be empty")
	}
	if len(name) > 15 {
		return errors.Errorf(errors.KindValidation, "interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return errors.Errorf(errors.KindValidation, "invalid interface name: %q (must be alphanumeric with -_.)", name)
	}
	return nil
}

// OptionalInterfaceName is InterfaceName but accepts the empty string.
func OptionalInterfaceName(name string) error {
	if name == "" {
		return nil
	}
	return InterfaceName(name)
}

// Label validates a network label used as a dnsmasq tag.
func Label(label string) error {
	if label == "" {
		return errors.New(errors.KindValidation, "label cannot be empty")
	}
	if len(label) > 255 {
		return errors.New(errors.KindValidation, "label too long (max 255 characters)")
	}
	if !labelRegex.MatchString(label) {
		return errors.Errorf(errors.KindValidation, "invalid label: %q (must be alphanumeric with -_.)", label)
	}
	return nil
}

// MAC validates a 48-bit hardware address.
func MAC(addr string) error {
	hw, err := net.ParseMAC(addr)
	if err != nil || len(hw) != 6 {
		return errors.Errorf(errors.KindValidation, "invalid MAC address: %q", addr)
	}
	return nil
}

// Sanitize removes shell metacharacters from s, for log and display use.
func Sanitize(s string) string {
	for _, char := range dangerousChars {
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}
