package dhcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"grimm.is/netplane/internal/brand"
	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/metrics"
	"grimm.is/netplane/internal/model"
)

// File kinds kept per device under NetworksPath.
const (
	KindConf  = "conf"
	KindHosts = "hosts"
	KindOpts  = "opts"
	KindPID   = "pid"
)

// DnsmasqConfig fixes the dnsmasq command line for every device.
type DnsmasqConfig struct {
	// NetworksPath holds the per-device files.
	NetworksPath string
	// FilePrefix names the per-device files: <prefix>-<dev>.<kind>.
	FilePrefix string
	// ConfigFile is passed as --conf-file.
	ConfigFile string
	// AgentConfig is exported to the lease script as CONFIG_FILE.
	AgentConfig string
	// LeaseScript is passed as --dhcp-script.
	LeaseScript string
	Domain      string
	LeaseTime   time.Duration
	// DNSServers override the upstream resolvers.
	DNSServers []string
	// UseNetworkDNSServers adds the network's dns1/dns2 to DNSServers.
	UseNetworkDNSServers bool
	SingleDefaultGateway bool
	// ProcRoot is where process command lines are read from.
	ProcRoot string
}

// Dnsmasq manages one dnsmasq process per device.
type Dnsmasq struct {
	exec    host.Executor
	fs      host.FileSystem
	cfg     DnsmasqConfig
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewDnsmasq creates a dnsmasq controller.
func NewDnsmasq(exec host.Executor, fs host.FileSystem, cfg DnsmasqConfig, logger *logging.Logger, m *metrics.Registry) *Dnsmasq {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = brand.LowerName
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.LeaseTime <= 0 {
		cfg.LeaseTime = DefaultLeaseTime
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dnsmasq{
		exec:    exec,
		fs:      fs,
		cfg:     cfg,
		logger:  logger.WithComponent("dhcp"),
		metrics: m,
	}
}

// Config returns the controller's settings.
func (d *Dnsmasq) Config() DnsmasqConfig {
	return d.cfg
}

// Path returns the per-device file of the given kind.
func (d *Dnsmasq) Path(dev, kind string) string {
	return filepath.Join(d.cfg.NetworksPath, fmt.Sprintf("%s-%s.%s", d.cfg.FilePrefix, dev, kind))
}

// EnsureDirs creates the directory holding the per-device files.
func (d *Dnsmasq) EnsureDirs() error {
	if err := d.fs.EnsureDir(d.cfg.NetworksPath); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create %s", d.cfg.NetworksPath)
	}
	return nil
}

// Write stores content as the device's file of the given kind.
func (d *Dnsmasq) Write(dev, kind, content string) error {
	path := d.Path(dev, kind)
	if err := d.fs.WriteFile(path, []byte(content), FileMode); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindInternal, "write %s", path), "dev", dev)
	}
	return nil
}

// PID returns the pid recorded for dev. A missing or unreadable pid file
// yields false.
func (d *Dnsmasq) PID(dev string) (int, bool) {
	data, err := d.fs.ReadFile(d.Path(dev, KindPID))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		d.logger.Debug("ignoring malformed pid file", "dev", dev)
		return 0, false
	}
	return pid, true
}

// Running returns the pid of the dnsmasq serving dev, if one is alive.
// A pid whose command line does not mention the device's hosts file is
// stale.
func (d *Dnsmasq) Running(dev string) (int, bool) {
	pid, ok := d.PID(dev)
	if !ok {
		return 0, false
	}
	cmdline, err := d.fs.ReadFile(filepath.Join(d.cfg.ProcRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		d.logger.Debug("pid is stale", "dev", dev, "pid", pid)
		return 0, false
	}
	if !strings.Contains(string(cmdline), filepath.Base(d.Path(dev, KindConf))) {
		d.logger.Debug("pid is stale", "dev", dev, "pid", pid)
		return 0, false
	}
	return pid, true
}

// Restart reloads the dnsmasq serving dev or starts a new one. opts is the
// option file content, written only in single-default-gateway mode.
func (d *Dnsmasq) Restart(ctx context.Context, dev string, n *model.Network, opts string) error {
	if d.cfg.SingleDefaultGateway {
		if err := d.Write(dev, KindOpts, opts); err != nil {
			return err
		}
		if err := d.fs.Chmod(d.Path(dev, KindOpts), FileMode); err != nil {
			return errors.Wrap(err, errors.KindInternal, "chmod opts file")
		}
	}
	// dnsmasq drops privileges before reading the hosts file.
	if err := d.fs.Chmod(d.Path(dev, KindConf), FileMode); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "chmod hosts file"), "dev", dev)
	}

	if pid, ok := d.Running(dev); ok {
		_, err := d.exec.Execute(ctx, host.Cmd("kill", "-HUP", strconv.Itoa(pid)))
		if err == nil {
			d.logger.Info("reloaded dnsmasq", "dev", dev, "pid", pid)
			d.recordReload("hup")
			return nil
		}
		d.logger.Error("hupping dnsmasq failed", "dev", dev, "pid", pid, "error", err)
	}

	if _, err := d.exec.Execute(ctx, host.Cmd(d.Args(dev, n)...)); err != nil {
		return errors.Attr(err, "dev", dev)
	}
	d.logger.Info("started dnsmasq", "dev", dev, "network", n.ID)
	d.recordReload("spawn")
	return nil
}

// Kill stops the dnsmasq serving dev, if any.
func (d *Dnsmasq) Kill(ctx context.Context, dev string) error {
	pid, ok := d.Running(dev)
	if !ok {
		return nil
	}
	if _, err := d.exec.Execute(ctx, host.Cmd("kill", "-9", strconv.Itoa(pid))); err != nil {
		return errors.Attr(err, "dev", dev)
	}
	d.logger.Info("killed dnsmasq", "dev", dev, "pid", pid)
	d.recordReload("kill")
	return nil
}

// Args builds the full command that starts dnsmasq for dev.
func (d *Dnsmasq) Args(dev string, n *model.Network) []string {
	args := []string{
		"env",
		"CONFIG_FILE=" + d.cfg.AgentConfig,
		"NETWORK_ID=" + strconv.Itoa(n.ID),
		"dnsmasq",
		"--strict-order",
		"--bind-interfaces",
		"--conf-file=" + d.cfg.ConfigFile,
	}
	domain := d.cfg.Domain
	if n.Domain != "" {
		domain = n.Domain
	}
	// dnsmasq rejects an empty domain.
	if domain != "" {
		args = append(args, "--domain="+domain)
	}
	args = append(args,
		"--pid-file="+d.Path(dev, KindPID),
		"--listen-address="+n.DHCPServerAddress(),
		"--except-interface=lo",
		fmt.Sprintf("--dhcp-range=set:%s,%s,static,%s,%ds", n.Label, n.DHCPRangeStart(), n.NetmaskString(), int(d.cfg.LeaseTime/time.Second)),
		fmt.Sprintf("--dhcp-lease-max=%d", n.LeaseMax()),
		"--dhcp-hostsfile="+d.Path(dev, KindConf),
		"--dhcp-script="+d.cfg.LeaseScript,
		"--leasefile-ro",
	)

	servers := d.dnsServers(n)
	if n.MultiHost || len(servers) > 0 {
		args = append(args, "--no-hosts")
	}
	if n.MultiHost {
		args = append(args, "--addn-hosts="+d.Path(dev, KindHosts))
	}
	if len(servers) > 0 {
		args = append(args, "--no-resolv")
	}
	for _, s := range servers {
		args = append(args, "--server="+s)
	}
	if d.cfg.SingleDefaultGateway {
		args = append(args, "--dhcp-optsfile="+d.Path(dev, KindOpts))
	}
	return args
}

// dnsServers merges configured and network resolvers, dropping repeats.
func (d *Dnsmasq) dnsServers(n *model.Network) []string {
	candidates := append([]string(nil), d.cfg.DNSServers...)
	if d.cfg.UseNetworkDNSServers {
		candidates = append(candidates, n.DNSServers()...)
	}
	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, s := range candidates {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (d *Dnsmasq) recordReload(mode string) {
	if d.metrics != nil {
		d.metrics.DnsmasqReloads.WithLabelValues(mode).Inc()
	}
}

// FileMode is the permission dnsmasq needs on the files it reads.
const FileMode os.FileMode = 0644
