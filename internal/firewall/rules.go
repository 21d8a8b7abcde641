package firewall

import (
	"fmt"
	"regexp"
	"slices"
)

// ChainRule is a rule text destined for a chain.
type ChainRule struct {
	Chain string
	Rule  string
}

// FloatingForwardRules are the nat rules mapping a floating address onto a
// fixed one. An empty device matches any outgoing interface.
func FloatingForwardRules(floating, fixed, device string) []ChainRule {
	snat := fmt.Sprintf("-s %s -j SNAT --to %s", fixed, floating)
	var rules []ChainRule
	if device != "" {
		rules = append(rules,
			ChainRule{"float-snat", snat + " -d " + fixed},
			ChainRule{"float-snat", snat + " -o " + device},
		)
	} else {
		rules = append(rules, ChainRule{"float-snat", snat})
	}
	dnat := fmt.Sprintf("-d %s -j DNAT --to %s", floating, fixed)
	return append(rules,
		ChainRule{"PREROUTING", dnat},
		ChainRule{"OUTPUT", dnat},
		ChainRule{"POSTROUTING", fmt.Sprintf("-s %s -m conntrack --ctstate DNAT -j SNAT --to-source %s", fixed, floating)},
	)
}

// FloatingRulesRegex matches every nat rule that mentions floating as a
// whole address.
func FloatingRulesRegex(floating string) *regexp.Regexp {
	return regexp.MustCompile(`.*\s+` + regexp.QuoteMeta(floating) + `(/32|\s+|$)`)
}

// FloatingEbtablesRules keeps traffic from a fixed address to outside its
// own network on the bridge instead of being hairpinned. Table: nat.
func FloatingEbtablesRules(fixed, bridge, cidr string) []string {
	return []string{
		fmt.Sprintf("PREROUTING --logical-in %s -p ipv4 --ip-src %s ! --ip-dst %s -j redirect --redirect-target ACCEPT", bridge, fixed, cidr),
	}
}

// SNATRule source-NATs a fixed range to a routable address.
func SNATRule(source, toSource, iface string) ChainRule {
	rule := fmt.Sprintf("-s %s -j SNAT --to-source %s", source, toSource)
	if iface != "" {
		rule += " -o " + iface
	}
	return ChainRule{"snat", rule}
}

// BridgeForwardRules admit (gateway) or drop traffic forwarded through a
// bridge. With a restricted interface list, only traffic between the bridge
// and those interfaces is accepted.
func BridgeForwardRules(bridge string, gateway bool, forwardInterfaces []string, dropAction string) []ChainRule {
	if dropAction == "" {
		dropAction = "DROP"
	}
	if !gateway {
		return []ChainRule{
			{"FORWARD", fmt.Sprintf("--in-interface %s -j %s", bridge, dropAction)},
			{"FORWARD", fmt.Sprintf("--out-interface %s -j %s", bridge, dropAction)},
		}
	}
	if len(forwardInterfaces) == 0 || slices.Contains(forwardInterfaces, "all") {
		return []ChainRule{
			{"FORWARD", fmt.Sprintf("--in-interface %s -j ACCEPT", bridge)},
			{"FORWARD", fmt.Sprintf("--out-interface %s -j ACCEPT", bridge)},
		}
	}
	var rules []ChainRule
	for _, iface := range forwardInterfaces {
		if iface == "" {
			continue
		}
		rules = append(rules,
			ChainRule{"FORWARD", fmt.Sprintf("-i %s -o %s -j ACCEPT", bridge, iface)},
			ChainRule{"FORWARD", fmt.Sprintf("-i %s -o %s -j ACCEPT", iface, bridge)},
		)
	}
	return append(rules,
		ChainRule{"FORWARD", fmt.Sprintf("-i %s -o %s -j ACCEPT", bridge, bridge)},
		ChainRule{"FORWARD", fmt.Sprintf("-i %s -j %s", bridge, dropAction)},
		ChainRule{"FORWARD", fmt.Sprintf("-o %s -j %s", bridge, dropAction)},
	)
}

// IsolationEbtablesRules stop ARP for the shared DHCP address from crossing
// iface. Table: filter.
func IsolationEbtablesRules(iface, dhcpAddress string) []string {
	return []string{
		fmt.Sprintf("INPUT -p ARP -i %s --arp-ip-dst %s -j DROP", iface, dhcpAddress),
		fmt.Sprintf("OUTPUT -p ARP -o %s --arp-ip-src %s -j DROP", iface, dhcpAddress),
	}
}

// IsolationForwardRules drop DHCP broadcasts and traffic to or from the
// shared DHCP address crossing iface. They are added with OnTop.
func IsolationForwardRules(iface, dhcpAddress string) []ChainRule {
	return []ChainRule{
		{"FORWARD", fmt.Sprintf("-m physdev --physdev-in %s -d 255.255.255.255 -p udp --dport 67 -j DROP", iface)},
		{"FORWARD", fmt.Sprintf("-m physdev --physdev-out %s -d 255.255.255.255 -p udp --dport 67 -j DROP", iface)},
		{"FORWARD", fmt.Sprintf("-m physdev --physdev-in %s -d %s -j DROP", iface, dhcpAddress)},
		{"FORWARD", fmt.Sprintf("-m physdev --physdev-out %s -s %s -j DROP", iface, dhcpAddress)},
	}
}

// DnsmasqAcceptRules open DHCP and DNS on dev.
func DnsmasqAcceptRules(dev string) []ChainRule {
	var rules []ChainRule
	for _, port := range []int{67, 53} {
		for _, proto := range []string{"udp", "tcp"} {
			rules = append(rules, ChainRule{"INPUT", fmt.Sprintf("-i %s -p %s -m %s --dport %d -j ACCEPT", dev, proto, proto, port)})
		}
	}
	return rules
}

// DHCPChecksumRule fills in checksums of DHCP replies leaving dev.
// Table: mangle.
func DHCPChecksumRule(dev string) ChainRule {
	return ChainRule{"POSTROUTING", fmt.Sprintf("-o %s -p udp -m udp --dport 68 -j CHECKSUM --checksum-fill", dev)}
}

// AddRules adds each rule to t with the same options.
func (t *Table) AddRules(rules []ChainRule, opts ...RuleOption) error {
	for _, r := range rules {
		if err := t.AddRule(r.Chain, r.Rule, opts...); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRules removes each rule from t with the same options.
func (t *Table) RemoveRules(rules []ChainRule, opts ...RuleOption) {
	for _, r := range rules {
		t.RemoveRule(r.Chain, r.Rule, opts...)
	}
}
