package health

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/network"
	"grimm.is/netplane/internal/services/dhcp"
)

// IPForwardPath is the sysctl the gateway reconciler turns on.
const IPForwardPath = "/proc/sys/net/ipv4/ip_forward"

// LookPath finds a binary. Tests replace it.
var LookPath = exec.LookPath

// CheckCommands verifies that every external command the agent runs is
// installed.
func CheckCommands(names ...string) CheckFunc {
	return func(ctx context.Context) Check {
		var missing []string
		for _, name := range names {
			if _, err := LookPath(name); err != nil {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return Check{Status: StatusUnhealthy, Message: "missing: " + strings.Join(missing, ", ")}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d commands found", len(names))}
	}
}

// CheckIPForward reports whether the kernel forwards IPv4. A host that has
// not converged yet is degraded rather than unhealthy.
func CheckIPForward(fs host.FileSystem) CheckFunc {
	return func(ctx context.Context) Check {
		data, err := fs.ReadFile(IPForwardPath)
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("cannot read ip_forward: %v", err)}
		}
		if strings.TrimSpace(string(data)) != "1" {
			return Check{Status: StatusDegraded, Message: "ip forwarding disabled"}
		}
		return Check{Status: StatusHealthy, Message: "ip forwarding enabled"}
	}
}

// CheckBridges verifies that the bridges exist and are up.
func CheckBridges(nl network.Netlinker, bridges ...string) CheckFunc {
	return func(ctx context.Context) Check {
		var problems []string
		for _, name := range bridges {
			link, err := nl.LinkByName(name)
			if err != nil {
				problems = append(problems, name+" missing")
				continue
			}
			if link.Attrs().Flags&net.FlagUp == 0 {
				problems = append(problems, name+" down")
			}
		}
		if len(problems) > 0 {
			return Check{Status: StatusUnhealthy, Message: strings.Join(problems, ", ")}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d bridges up", len(bridges))}
	}
}

// CheckDnsmasq verifies that a live dnsmasq serves every device.
func CheckDnsmasq(d *dhcp.Dnsmasq, devs ...string) CheckFunc {
	return func(ctx context.Context) Check {
		var down []string
		for _, dev := range devs {
			if _, ok := d.Running(dev); !ok {
				down = append(down, dev)
			}
		}
		if len(down) > 0 {
			return Check{Status: StatusUnhealthy, Message: "not serving: " + strings.Join(down, ", ")}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d dnsmasq instances running", len(devs))}
	}
}
