package firewall

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/netplane/internal/brand"
	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/metrics"
)

// maxPrefixLen keeps wrapped chain names inside the kernel's 28 byte limit.
const maxPrefixLen = 16

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Prefix namespaces wrapped chains. Defaults to the binary name.
	Prefix  string
	UseIPv6 bool
	// TopRegex hoists matching unmanaged rules above the managed ones.
	TopRegex string
}

type family struct {
	name   string
	cmd    string
	order  []string
	tables map[string]*Table
}

// Manager owns the desired iptables state for both address families and
// converges the kernel to it.
type Manager struct {
	exec     host.Executor
	logger   *logging.Logger
	metrics  *metrics.Registry
	prefix   string
	useIPv6  bool
	topRegex *regexp.Regexp

	v4 family
	v6 family

	deferred bool
	pending  bool
}

// NewManager creates a manager with the shared scaffolding chains in place.
func NewManager(exec host.Executor, cfg ManagerConfig, logger *logging.Logger, m *metrics.Registry) (*Manager, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("firewall")

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = brand.BinaryName
	}
	if len(prefix) > maxPrefixLen {
		prefix = prefix[:maxPrefixLen]
	}

	mgr := &Manager{
		exec:    exec,
		logger:  logger,
		metrics: m,
		prefix:  prefix,
		useIPv6: cfg.UseIPv6,
	}
	if cfg.TopRegex != "" {
		re, err := regexp.Compile(cfg.TopRegex)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "invalid iptables top regex")
		}
		mgr.topRegex = re
	}

	mgr.v4 = mgr.newFamily("ipv4", "iptables", "filter", "nat", "mangle")
	mgr.v6 = mgr.newFamily("ipv6", "ip6tables", "filter")
	mgr.scaffold()
	return mgr, nil
}

func (m *Manager) newFamily(name, cmd string, tables ...string) family {
	f := family{name: name, cmd: cmd, order: tables, tables: make(map[string]*Table)}
	for _, t := range tables {
		f.tables[t] = NewTable(t, m.prefix, m.logger.WithFields(map[string]any{"family": name}))
	}
	return f
}

var builtinChains = map[string]map[string][]string{
	"ipv4": {
		"filter": {"INPUT", "OUTPUT", "FORWARD"},
		"nat":    {"PREROUTING", "OUTPUT", "POSTROUTING"},
		"mangle": {"POSTROUTING"},
	},
	"ipv6": {
		"filter": {"INPUT", "OUTPUT", "FORWARD"},
	},
}

func (m *Manager) scaffold() {
	top := brand.FilterTopChain()
	for _, f := range []family{m.v4, m.v6} {
		filter := f.tables["filter"]
		filter.AddChain(top, false)
		filter.MustAddRule("FORWARD", "-j "+top, WithoutWrap(), OnTop())
		filter.MustAddRule("OUTPUT", "-j "+top, WithoutWrap(), OnTop())
		filter.EnsureChain("local")
		filter.MustAddRule(top, "-j $local", WithoutWrap())

		for _, table := range f.order {
			for _, chain := range builtinChains[f.name][table] {
				f.tables[table].EnsureChain(chain)
				f.tables[table].MustAddRule(chain, "-j $"+chain, WithoutWrap())
			}
		}
	}

	nat := m.v4.tables["nat"]
	bottom := brand.PostroutingBottomChain()
	nat.AddChain(bottom, false)
	nat.MustAddRule("POSTROUTING", "-j "+bottom, WithoutWrap())
	nat.EnsureChain("snat")
	nat.MustAddRule(bottom, "-j $snat", WithoutWrap())
	nat.EnsureChain("float-snat")
	nat.MustAddRule("snat", "-j $float-snat")
}

// Prefix is the wrap prefix for managed chains.
func (m *Manager) Prefix() string {
	return m.prefix
}

// IPv4 returns an IPv4 table: filter, nat or mangle.
func (m *Manager) IPv4(table string) *Table {
	return m.v4.tables[table]
}

// IPv6 returns an IPv6 table. Only filter is managed.
func (m *Manager) IPv6(table string) *Table {
	return m.v6.tables[table]
}

// Deferred reports whether applies are being batched.
func (m *Manager) Deferred() bool {
	return m.deferred
}

// DeferApplyOn starts batching: Apply only records that work is pending.
func (m *Manager) DeferApplyOn() {
	m.deferred = true
}

// DeferApplyOff stops batching and converges once.
func (m *Manager) DeferApplyOff(ctx context.Context) error {
	m.deferred = false
	return m.Apply(ctx)
}

// Batch runs fn with applies deferred and converges once afterwards. When
// the caller is already batching, fn simply joins that batch.
func (m *Manager) Batch(ctx context.Context, fn func() error) error {
	if m.deferred {
		return fn()
	}
	m.DeferApplyOn()
	fnErr := fn()
	applyErr := m.DeferApplyOff(ctx)
	if fnErr != nil {
		if applyErr != nil {
			m.logger.Error("apply after failed batch also failed", "error", applyErr)
		}
		return fnErr
	}
	return applyErr
}

// Apply converges the kernel to the desired tables, or marks the work as
// pending while deferred.
func (m *Manager) Apply(ctx context.Context) error {
	if m.deferred {
		m.pending = true
		m.logger.Debug("iptables apply deferred")
		return nil
	}

	families := []family{m.v4}
	if m.useIPv6 {
		families = append(families, m.v6)
	}
	for _, f := range families {
		start := time.Now()
		err := m.applyFamily(ctx, f)
		if m.metrics != nil {
			m.metrics.RecordApply(f.name, time.Since(start), err)
		}
		if err != nil {
			return err
		}
	}
	m.pending = false
	m.logger.Debug("iptables rules applied")
	return nil
}

func (m *Manager) applyFamily(ctx context.Context, f family) error {
	saved, err := m.exec.Execute(ctx, host.Cmd(f.cmd+"-save", "-c"))
	if err != nil {
		return errors.Attr(err, "family", f.name)
	}

	lines := strings.Split(saved.Stdout, "\n")
	for _, name := range f.order {
		lines, err = spliceTable(lines, f.tables[name], m.topRegex)
		if err != nil {
			return errors.Attr(err, "family", f.name)
		}
	}
	restored := strings.Join(lines, "\n")

	if m.logger.GetLevel() <= logging.LevelDebug {
		m.logDiff(f, saved.Stdout, restored)
	}

	restore := host.Command{Argv: []string{f.cmd + "-restore", "-c"}, Input: restored}
	if _, err := m.exec.Execute(ctx, restore); err != nil {
		m.logger.Error("iptables restore failed", "family", f.name, "error", err)
		return errors.Attr(err, "family", f.name)
	}

	for _, name := range f.order {
		t := f.tables[name]
		t.clearRemovals()
		if m.metrics != nil {
			m.metrics.IptablesRules.WithLabelValues(f.name, name).Set(float64(t.Len()))
		}
	}
	return nil
}

func (m *Manager) logDiff(f family, before, after string) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: f.cmd + "-save",
		ToFile:   f.cmd + "-restore",
		Context:  1,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil || text == "" {
		return
	}
	m.logger.Debug("iptables changes", "family", f.name, "diff", text)
}
