package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all agent metrics and the prometheus registry they are
// registered with.
type Registry struct {
	reg *prometheus.Registry

	// Packet filter convergence
	IptablesApplies  *prometheus.CounterVec
	IptablesDuration *prometheus.HistogramVec
	IptablesRules    *prometheus.GaugeVec
	EbtablesCommands *prometheus.CounterVec

	// External commands
	CommandsTotal *prometheus.CounterVec

	// Gateway reconciliation
	GatewayActions *prometheus.CounterVec

	// DHCP service
	DnsmasqReloads   *prometheus.CounterVec
	DHCPHostsWritten *prometheus.GaugeVec
	DHCPReleases     *prometheus.CounterVec

	// Convergence runs
	ConvergeTotal    *prometheus.CounterVec
	LastConvergeTime prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry()
	})
	return registry
}

// NewRegistry creates a registry backed by its own prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	r := &Registry{reg: reg}

	r.IptablesApplies = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netplane_iptables_applies_total",
		Help: "Total save/modify/restore cycles by address family and result",
	}, []string{"family", "result"})

	r.IptablesDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netplane_iptables_apply_duration_seconds",
		Help:    "Duration of a save/modify/restore cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"family"})

	r.IptablesRules = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netplane_iptables_managed_rules",
		Help: "Number of managed rules per family and table",
	}, []string{"family", "table"})

	r.EbtablesCommands = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netplane_ebtables_commands_total",
		Help: "Total ebtables invocations by table and action",
	}, []string{"table", "action"})

	r.CommandsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netplane_commands_total",
		Help: "External commands executed by binary and result",
	}, []string{"command", "result"})

	r.GatewayActions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netplane_gateway_actions_total",
		Help: "Gateway reconciliation outcomes",
	}, []string{"action"})

	r.DnsmasqReloads = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netplane_dnsmasq_restarts_total",
		Help: "dnsmasq reloads and spawns",
	}, []string{"mode"})

	r.DHCPHostsWritten = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netplane_dhcp_hosts",
		Help: "Host entries written to the DHCP host file",
	}, []string{"device"})

	r.DHCPReleases = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netplane_dhcp_releases_total",
		Help: "DHCPRELEASE packets sent",
	}, []string{"status"})

	r.ConvergeTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "netplane_converge_total",
		Help: "Whole-host convergence runs",
	}, []string{"status"})

	r.LastConvergeTime = f.NewGauge(prometheus.GaugeOpts{
		Name: "netplane_last_converge_timestamp_seconds",
		Help: "Unix timestamp of the last successful convergence",
	})

	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile writes the registry in text exposition format, for the
// node exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

// RecordApply records one iptables convergence for a family.
func (r *Registry) RecordApply(family string, d time.Duration, err error) {
	r.IptablesApplies.WithLabelValues(family, resultString(err)).Inc()
	r.IptablesDuration.WithLabelValues(family).Observe(d.Seconds())
}

// RecordCommand records an external command execution.
func (r *Registry) RecordCommand(name string, exitCode int, err error) {
	result := "ok"
	if err != nil {
		result = "exit_" + strconv.Itoa(exitCode)
		if exitCode < 0 {
			result = "error"
		}
	}
	r.CommandsTotal.WithLabelValues(name, result).Inc()
}

// RecordConverge records a whole-host convergence run.
func (r *Registry) RecordConverge(at time.Time, err error) {
	r.ConvergeTotal.WithLabelValues(resultString(err)).Inc()
	if err == nil {
		r.LastConvergeTime.Set(float64(at.Unix()))
	}
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
