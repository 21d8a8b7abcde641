package dhcp

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/metrics"
	"grimm.is/netplane/internal/model"
	fake "grimm.is/netplane/internal/testutil"
)

func dnsmasqNetwork() *model.Network {
	return &model.Network{
		ID:         3,
		Label:      "fake",
		CIDR:       "10.0.0.0/24",
		Netmask:    "255.255.255.0",
		DNS1:       "8.8.4.4",
		DHCPStart:  "1.0.0.2",
		DHCPServer: "10.0.0.1",
		Bridge:     "br100",
	}
}

func dnsmasqConfig() DnsmasqConfig {
	return DnsmasqConfig{
		NetworksPath: "/var/lib/netplane/networks",
		FilePrefix:   "netplane",
		ConfigFile:   "/etc/dnsmasq.conf",
		AgentConfig:  "/etc/netplane/netplane.hcl",
		LeaseScript:  "/usr/bin/netplane-dhcp-event",
		Domain:       "novalocal",
		LeaseTime:    DefaultLeaseTime,
	}
}

func baseArgs() []string {
	return []string{
		"env",
		"CONFIG_FILE=/etc/netplane/netplane.hcl",
		"NETWORK_ID=3",
		"dnsmasq",
		"--strict-order",
		"--bind-interfaces",
		"--conf-file=/etc/dnsmasq.conf",
		"--domain=novalocal",
		"--pid-file=/var/lib/netplane/networks/netplane-br100.pid",
		"--listen-address=10.0.0.1",
		"--except-interface=lo",
		"--dhcp-range=set:fake,1.0.0.2,static,255.255.255.0,120s",
		"--dhcp-lease-max=256",
		"--dhcp-hostsfile=/var/lib/netplane/networks/netplane-br100.conf",
		"--dhcp-script=/usr/bin/netplane-dhcp-event",
		"--leasefile-ro",
	}
}

func newTestDnsmasq(t *testing.T, cfg DnsmasqConfig) (*Dnsmasq, *fake.FakeExecutor, *host.AferoFS, *metrics.Registry) {
	t.Helper()
	exec := fake.NewFakeExecutor()
	fs := host.NewMemFileSystem()
	m := metrics.NewRegistry()
	d := NewDnsmasq(exec, fs, cfg, nil, m)
	require.NoError(t, d.EnsureDirs())
	require.NoError(t, d.Write("br100", KindConf, ""))
	return d, exec, fs, m
}

func TestDnsmasqArgs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DnsmasqConfig)
		extra  []string
	}{
		{
			name: "defaults",
		},
		{
			name:   "dns servers",
			mutate: func(c *DnsmasqConfig) { c.DNSServers = []string{"1.1.1.1", "2.2.2.2"} },
			extra:  []string{"--no-hosts", "--no-resolv", "--server=1.1.1.1", "--server=2.2.2.2"},
		},
		{
			name:   "network dns servers",
			mutate: func(c *DnsmasqConfig) { c.UseNetworkDNSServers = true },
			extra:  []string{"--no-hosts", "--no-resolv", "--server=8.8.4.4"},
		},
		{
			name: "duplicate servers collapse",
			mutate: func(c *DnsmasqConfig) {
				c.DNSServers = []string{"8.8.4.4"}
				c.UseNetworkDNSServers = true
			},
			extra: []string{"--no-hosts", "--no-resolv", "--server=8.8.4.4"},
		},
		{
			name:   "single default gateway",
			mutate: func(c *DnsmasqConfig) { c.SingleDefaultGateway = true },
			extra:  []string{"--dhcp-optsfile=/var/lib/netplane/networks/netplane-br100.opts"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := dnsmasqConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			d, exec, _, _ := newTestDnsmasq(t, cfg)
			require.NoError(t, d.Restart(context.Background(), "br100", dnsmasqNetwork(), ""))

			expected := append(baseArgs(), tt.extra...)
			require.Len(t, exec.Calls, 1)
			assert.Equal(t, expected, exec.Calls[0])
		})
	}
}

func TestDnsmasqArgs_MultiHostAndNoDomain(t *testing.T) {
	cfg := dnsmasqConfig()
	cfg.Domain = ""
	d := NewDnsmasq(fake.NewFakeExecutor(), host.NewMemFileSystem(), cfg, nil, nil)
	n := dnsmasqNetwork()
	n.MultiHost = true

	args := d.Args("br100", n)
	assert.NotContains(t, args, "--domain=novalocal")
	assert.Equal(t, []string{"--no-hosts", "--addn-hosts=/var/lib/netplane/networks/netplane-br100.hosts"}, args[len(args)-2:])
}

func TestDnsmasqArgs_NetworkDomainOverrides(t *testing.T) {
	d := NewDnsmasq(fake.NewFakeExecutor(), host.NewMemFileSystem(), dnsmasqConfig(), nil, nil)
	n := dnsmasqNetwork()
	n.Domain = "prod.example.com"

	args := d.Args("br100", n)
	assert.Contains(t, args, "--domain=prod.example.com")
	assert.NotContains(t, args, "--domain=novalocal")
}

func TestDnsmasqRestart_ReloadsLiveProcess(t *testing.T) {
	cfg := dnsmasqConfig()
	cfg.ProcRoot = "/proc"
	d, exec, fs, m := newTestDnsmasq(t, cfg)
	require.NoError(t, d.Write("br100", KindPID, "4242\n"))
	require.NoError(t, fs.WriteFile("/proc/4242/cmdline",
		[]byte("dnsmasq\x00--dhcp-hostsfile=/var/lib/netplane/networks/netplane-br100.conf\x00"), 0444))

	require.NoError(t, d.Restart(context.Background(), "br100", dnsmasqNetwork(), ""))
	assert.Equal(t, []string{"kill -HUP 4242"}, exec.Commands())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DnsmasqReloads.WithLabelValues("hup")))
}

func TestDnsmasqRestart_StalePIDRelaunches(t *testing.T) {
	d, exec, fs, m := newTestDnsmasq(t, dnsmasqConfig())
	require.NoError(t, d.Write("br100", KindPID, "4242"))
	require.NoError(t, fs.WriteFile("/proc/4242/cmdline", []byte("sshd\x00"), 0444))

	require.NoError(t, d.Restart(context.Background(), "br100", dnsmasqNetwork(), ""))
	require.Len(t, exec.Calls, 1)
	assert.Equal(t, "env", exec.Calls[0][0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DnsmasqReloads.WithLabelValues("spawn")))
}

func TestDnsmasqRestart_FailedHUPRelaunches(t *testing.T) {
	d, exec, fs, _ := newTestDnsmasq(t, dnsmasqConfig())
	require.NoError(t, d.Write("br100", KindPID, "99"))
	require.NoError(t, fs.WriteFile("/proc/99/cmdline", []byte("netplane-br100.conf"), 0444))
	exec.Fail("kill -HUP 99", 1, "no such process")

	require.NoError(t, d.Restart(context.Background(), "br100", dnsmasqNetwork(), ""))
	cmds := exec.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "kill -HUP 99", cmds[0])
	assert.Equal(t, "env", exec.Calls[1][0])
}

func TestDnsmasqRestart_WritesOptsFile(t *testing.T) {
	cfg := dnsmasqConfig()
	cfg.SingleDefaultGateway = true
	d, _, fs, _ := newTestDnsmasq(t, cfg)

	require.NoError(t, d.Restart(context.Background(), "br100", dnsmasqNetwork(), "NW-3,3"))
	data, err := fs.ReadFile("/var/lib/netplane/networks/netplane-br100.opts")
	require.NoError(t, err)
	assert.Equal(t, "NW-3,3", string(data))
}

func TestDnsmasqRestart_MissingHostsFile(t *testing.T) {
	d := NewDnsmasq(fake.NewFakeExecutor(), host.NewMemFileSystem(), dnsmasqConfig(), nil, nil)
	assert.Error(t, d.Restart(context.Background(), "br100", dnsmasqNetwork(), ""))
}

func TestDnsmasqKill(t *testing.T) {
	d, exec, fs, _ := newTestDnsmasq(t, dnsmasqConfig())

	require.NoError(t, d.Kill(context.Background(), "br100"))
	assert.Empty(t, exec.Commands(), "no pid file means nothing to kill")

	require.NoError(t, d.Write("br100", KindPID, "77"))
	require.NoError(t, fs.WriteFile("/proc/77/cmdline", []byte("dnsmasq --dhcp-hostsfile=netplane-br100.conf"), 0444))
	require.NoError(t, d.Kill(context.Background(), "br100"))
	assert.Equal(t, []string{"kill -9 77"}, exec.Commands())
}

func TestDnsmasqPID(t *testing.T) {
	d, _, _, _ := newTestDnsmasq(t, dnsmasqConfig())

	_, ok := d.PID("br100")
	assert.False(t, ok)

	require.NoError(t, d.Write("br100", KindPID, "garbage"))
	_, ok = d.PID("br100")
	assert.False(t, ok)

	require.NoError(t, d.Write("br100", KindPID, " 12 \n"))
	pid, ok := d.PID("br100")
	assert.True(t, ok)
	assert.Equal(t, 12, pid)
}

func TestDnsmasqPath_DefaultPrefix(t *testing.T) {
	d := NewDnsmasq(nil, nil, DnsmasqConfig{NetworksPath: "/n"}, nil, nil)
	assert.Equal(t, "/n/netplane-eth0.conf", d.Path("eth0", KindConf))
}
