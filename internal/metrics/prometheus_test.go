package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordApply(t *testing.T) {
	r := NewRegistry()

	r.RecordApply("ipv4", 10*time.Millisecond, nil)
	r.RecordApply("ipv4", 10*time.Millisecond, errors.New("restore failed"))
	r.RecordApply("ipv6", time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.IptablesApplies.WithLabelValues("ipv4", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.IptablesApplies.WithLabelValues("ipv4", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.IptablesApplies.WithLabelValues("ipv6", "ok")))
}

func TestRecordCommand(t *testing.T) {
	r := NewRegistry()

	r.RecordCommand("ip", 0, nil)
	r.RecordCommand("ip", 2, errors.New("exit 2"))
	r.RecordCommand("dnsmasq", -1, errors.New("not found"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.CommandsTotal.WithLabelValues("ip", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CommandsTotal.WithLabelValues("ip", "exit_2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CommandsTotal.WithLabelValues("dnsmasq", "error")))
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.GatewayActions.WithLabelValues("noop").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.GatewayActions.WithLabelValues("noop")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1700000000, 0)
	r.RecordConverge(now, nil)

	path := filepath.Join(t.TempDir(), "netplane.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `netplane_converge_total{status="ok"} 1`))
	assert.True(t, strings.Contains(text, "netplane_last_converge_timestamp_seconds 1.7e+09"))
}
