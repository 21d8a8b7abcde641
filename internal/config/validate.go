package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var dropActions = map[string]bool{"DROP": true, "REJECT": true}

// Validate checks a defaulted configuration. All problems are reported at
// once, wrapped as a validation error.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.WrapPrefix != "" && strings.ContainsAny(c.WrapPrefix, " \t") {
		add("wrap_prefix", "must not contain whitespace")
	}

	if c.DHCP != nil {
		if c.DHCP.LeaseTime < 0 {
			add("dhcp.lease_time", "must be positive, got %d", c.DHCP.LeaseTime)
		}
		for _, s := range c.DHCP.DNSServers {
			if net.ParseIP(s) == nil {
				add("dhcp.dns_servers", "invalid address %q", s)
			}
		}
	}

	if c.Firewall != nil {
		if c.Firewall.TopRegex != "" {
			if _, err := regexp.Compile(c.Firewall.TopRegex); err != nil {
				add("firewall.top_regex", "%v", err)
			}
		}
		if c.Firewall.DropAction != "" && !dropActions[c.Firewall.DropAction] {
			add("firewall.drop_action", "must be DROP or REJECT, got %q", c.Firewall.DropAction)
		}
	}

	if c.Interfaces != nil {
		if c.Interfaces.NetworkDeviceMTU < 0 || (c.Interfaces.NetworkDeviceMTU > 0 && c.Interfaces.NetworkDeviceMTU < 576) {
			add("interfaces.network_device_mtu", "invalid MTU %d", c.Interfaces.NetworkDeviceMTU)
		}
		if c.Interfaces.SendARPCount < 0 {
			add("interfaces.send_arp_count", "must not be negative")
		}
	}

	if c.Logging != nil && c.Logging.Level != "" {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level", "%v", err)
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(errs, errors.KindValidation, "invalid configuration")
	}
	return nil
}
