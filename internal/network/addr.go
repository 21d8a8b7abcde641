package network

import (
	"net/netip"
	"strings"

	"grimm.is/netplane/internal/errors"
)

// Address is one global-scope IPv4 address from "ip addr show".
type Address struct {
	// Params are the address and the attributes ip(8) accepts back on
	// "addr add", e.g. [192.168.0.1/24 brd 192.168.0.255 scope global].
	// Kernel status flags such as dynamic or secondary are not kept.
	Params []string
}

// addrAttrs are the inet line keywords that take a value and can be
// passed back to "ip addr add/del".
var addrAttrs = map[string]bool{"brd": true, "scope": true, "metric": true}

// routeFlags are kernel nexthop states "ip route show" prints that
// "ip route add" rejects.
var routeFlags = map[string]bool{"linkdown": true, "dead": true, "offload": true, "trap": true, "rt_offload": true, "rt_trap": true}

// CIDR is the address with its prefix length.
func (a Address) CIDR() string {
	return a.Params[0]
}

// Route is one next-hop route from "ip route show".
type Route struct {
	Fields []string
}

// Dest is the route destination, "default" or a prefix.
func (r Route) Dest() string {
	return r.Fields[0]
}

// ParseAddrShow extracts the inet entries of "ip addr show" output. Any
// malformed inet line fails the whole parse.
func ParseAddrShow(out string) ([]Address, error) {
	var addrs []Address
	for n, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "inet" {
			continue
		}
		if len(fields) < 3 {
			return nil, parseError("ip addr show", n+1, line, "truncated inet line")
		}
		if _, err := netip.ParsePrefix(fields[1]); err != nil {
			return nil, parseError("ip addr show", n+1, line, "bad address "+fields[1])
		}
		addrs = append(addrs, Address{Params: addrParams(fields[1 : len(fields)-1])})
	}
	return addrs, nil
}

// ParseRouteShow extracts routes that go via a next hop. Directly
// connected routes are skipped: the kernel recreates them with the address.
func ParseRouteShow(out string) ([]Route, error) {
	var routes []Route
	for n, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		via := -1
		for i, f := range fields {
			if f == "via" {
				via = i
				break
			}
		}
		if via < 0 {
			continue
		}
		if via == 0 || via == len(fields)-1 {
			return nil, parseError("ip route show", n+1, line, "route without destination or next hop")
		}
		if _, err := netip.ParseAddr(fields[via+1]); err != nil {
			return nil, parseError("ip route show", n+1, line, "bad next hop "+fields[via+1])
		}
		kept := fields[:0]
		for _, f := range fields {
			if !routeFlags[f] {
				kept = append(kept, f)
			}
		}
		routes = append(routes, Route{Fields: kept})
	}
	return routes, nil
}

// addrParams keeps the prefix and its re-addable attributes.
func addrParams(fields []string) []string {
	params := []string{fields[0]}
	for i := 1; i < len(fields); i++ {
		if addrAttrs[fields[i]] && i+1 < len(fields) {
			params = append(params, fields[i], fields[i+1])
			i++
		}
	}
	return params
}

func parseError(source string, line int, text, msg string) error {
	err := errors.Errorf(errors.KindParse, "%s line %d: %s", source, line, msg)
	err = errors.Attr(err, "source", source)
	return errors.Attr(err, "text", strings.TrimSpace(text))
}
