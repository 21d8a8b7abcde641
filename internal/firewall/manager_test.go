package firewall

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/metrics"
	fake "grimm.is/netplane/internal/testutil"
)

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *fake.FakeExecutor) {
	t.Helper()
	exec := fake.NewFakeExecutor()
	if cfg.Prefix == "" {
		cfg.Prefix = "test-agent"
	}
	m, err := NewManager(exec, cfg, nil, nil)
	require.NoError(t, err)
	return m, exec
}

func count(cmds []string, cmd string) int {
	n := 0
	for _, c := range cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

// lastRestore returns the stdin of the most recent restore for cmd.
func lastRestore(f *fake.FakeExecutor, cmd string) string {
	for i := len(f.Calls) - 1; i >= 0; i-- {
		if strings.Join(f.Calls[i], " ") == cmd+"-restore -c" {
			return f.Inputs[i]
		}
	}
	return ""
}

func appliedRuleCount(input string) int {
	n := 0
	for _, l := range strings.Split(input, "\n") {
		if strings.HasPrefix(stripCounters(l), "-A ") {
			n++
		}
	}
	return n
}

func TestManager_Scaffolding(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{})
	require.NoError(t, m.Apply(context.Background()))

	assert.Equal(t, []string{"iptables-save -c", "iptables-restore -c"}, exec.Commands())

	input := lastRestore(exec, "iptables")
	for _, want := range []string{
		"*filter", "*nat", "*mangle",
		":netplane-filter-top - [0:0]",
		":test-agent-local - [0:0]",
		"-A FORWARD -j netplane-filter-top",
		"-A OUTPUT -j netplane-filter-top",
		"-A netplane-filter-top -j test-agent-local",
		"-A INPUT -j test-agent-INPUT",
		"-A PREROUTING -j test-agent-PREROUTING",
		"-A POSTROUTING -j netplane-postrouting-bottom",
		"-A netplane-postrouting-bottom -j test-agent-snat",
		"-A test-agent-snat -j test-agent-float-snat",
	} {
		assert.Contains(t, input, want+"\n")
	}
}

func TestManager_PrefixTruncated(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{Prefix: "a-very-long-binary-name"})
	assert.Equal(t, "a-very-long-bina", m.Prefix())
}

func TestManager_BadTopRegex(t *testing.T) {
	_, err := NewManager(fake.NewFakeExecutor(), ManagerConfig{TopRegex: "("}, nil, nil)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestManager_DeferredApply(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	m.DeferApplyOn()
	require.NoError(t, m.IPv4("filter").AddRule("FORWARD", "-i br100 -j ACCEPT"))
	require.NoError(t, m.Apply(ctx))
	require.NoError(t, m.IPv4("nat").AddRule("snat", "-s 10.0.0.0/24 -j SNAT --to-source 192.0.2.1"))
	require.NoError(t, m.Apply(ctx))
	assert.Empty(t, exec.Commands(), "deferred applies must not touch the kernel")
	assert.True(t, m.pending)

	require.NoError(t, m.DeferApplyOff(ctx))
	assert.Equal(t, 1, count(exec.Commands(), "iptables-save -c"))
	assert.Equal(t, 1, count(exec.Commands(), "iptables-restore -c"))
	assert.False(t, m.pending)

	require.NoError(t, m.Apply(ctx))
	require.NoError(t, m.Apply(ctx))
	assert.Equal(t, 3, count(exec.Commands(), "iptables-restore -c"))
}

func TestManager_DeferApplyOffWithoutChanges(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{})

	m.DeferApplyOn()
	require.NoError(t, m.DeferApplyOff(context.Background()))
	assert.Equal(t, 1, count(exec.Commands(), "iptables-restore -c"))
}

func TestManager_Batch(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	err := m.Batch(ctx, func() error {
		require.NoError(t, m.Apply(ctx))
		return m.Batch(ctx, func() error {
			return m.Apply(ctx)
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(exec.Commands(), "iptables-restore -c"))
	assert.False(t, m.Deferred())
}

func TestManager_IPv6(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{UseIPv6: true})
	require.NoError(t, m.IPv6("filter").AddRule("INPUT", "-p icmpv6 -j ACCEPT"))
	require.NoError(t, m.Apply(context.Background()))

	assert.Equal(t, []string{
		"iptables-save -c", "iptables-restore -c",
		"ip6tables-save -c", "ip6tables-restore -c",
	}, exec.Commands())
	assert.Contains(t, lastRestore(exec, "ip6tables"), "-A test-agent-INPUT -p icmpv6 -j ACCEPT\n")
	assert.NotContains(t, lastRestore(exec, "ip6tables"), "*nat")
}

func TestManager_FloatingDedupAppliedCount(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	nat := m.IPv4("nat")

	require.NoError(t, m.Apply(ctx))
	base := appliedRuleCount(lastRestore(exec, "iptables"))

	require.NoError(t, nat.AddRule("PREROUTING", "-d 10.10.10.10 -j DNAT --to 10.0.0.3"))
	require.NoError(t, m.Apply(ctx))
	once := appliedRuleCount(lastRestore(exec, "iptables"))
	assert.Equal(t, base+1, once)

	require.NoError(t, nat.AddRule("PREROUTING", "-d 10.10.10.10 -j DNAT --to 10.0.0.3"))
	require.NoError(t, m.Apply(ctx))
	assert.Equal(t, once, appliedRuleCount(lastRestore(exec, "iptables")))

	require.NoError(t, nat.AddRule("PREROUTING", "-d 10.10.10.11 -j DNAT --to 10.0.0.4"))
	require.NoError(t, nat.AddRule("PREROUTING", "-d 10.10.10.12 -j DNAT --to 10.0.0.5"))
	require.NoError(t, m.Apply(ctx))
	assert.Equal(t, once+2, appliedRuleCount(lastRestore(exec, "iptables")))
}

func TestManager_ConvergesFromLiveState(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	// First apply produces the dump the kernel would report back.
	require.NoError(t, m.Apply(ctx))
	exec.On("iptables-save -c", lastRestore(exec, "iptables"))

	require.NoError(t, m.Apply(ctx))
	first := lastRestore(exec, "iptables")
	exec.On("iptables-save -c", first)
	require.NoError(t, m.Apply(ctx))

	assert.Equal(t, first, lastRestore(exec, "iptables"), "convergence must be a fixed point")
	assert.Equal(t, 1, strings.Count(first, "-A FORWARD -j netplane-filter-top\n"))
}

func TestManager_RestoreFailureRetainsState(t *testing.T) {
	reg := metrics.NewRegistry()
	exec := fake.NewFakeExecutor()
	m, err := NewManager(exec, ManagerConfig{Prefix: "test-agent"}, nil, reg)
	require.NoError(t, err)
	ctx := context.Background()

	filter := m.IPv4("filter")
	require.NoError(t, filter.AddRule("FORWARD", "-i old0 -j ACCEPT", WithoutWrap()))
	filter.RemoveRule("FORWARD", "-i old0 -j ACCEPT", WithoutWrap())
	require.NoError(t, filter.AddRule("FORWARD", "-i br100 -j ACCEPT"))

	exec.On("iptables-save -c", "*filter\n:FORWARD ACCEPT [0:0]\n[0:0] -A FORWARD -i old0 -j ACCEPT\nCOMMIT\n")
	exec.Fail("iptables-restore -c", 1, "iptables-restore: line 7 failed")

	err = m.Apply(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.KindExternalCommand, errors.GetKind(err))
	assert.Contains(t, err.Error(), "line 7 failed")
	assert.Equal(t, "ipv4", errors.GetAttributes(err)["family"])
	assert.Len(t, filter.removeRules, 1, "removal list survives a failed restore")
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.IptablesApplies.WithLabelValues("ipv4", "error")))

	delete(exec.Outputs, "iptables-restore -c")
	require.NoError(t, m.Apply(ctx))

	input := lastRestore(exec, "iptables")
	assert.NotContains(t, input, "-i old0")
	assert.Contains(t, input, "-A test-agent-FORWARD -i br100 -j ACCEPT\n")
	assert.Empty(t, filter.removeRules)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.IptablesApplies.WithLabelValues("ipv4", "ok")))
}

func TestManager_SaveFailure(t *testing.T) {
	m, exec := newTestManager(t, ManagerConfig{})
	exec.Fail("iptables-save -c", 1, "can't initialize iptables table `filter'")

	err := m.Apply(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindExternalCommand, errors.GetKind(err))
	assert.Equal(t, 0, count(exec.Commands(), "iptables-restore -c"))
}
