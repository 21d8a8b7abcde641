package dhcp

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netplane/internal/clock"
	"grimm.is/netplane/internal/model"
	"grimm.is/netplane/internal/testutil"
)

func testGenerator(single bool) *Generator {
	return &Generator{
		Domain:               "novalocal",
		LeaseTime:            DefaultLeaseTime,
		SingleDefaultGateway: single,
		Clock:                clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func associated(t *testing.T, f *testutil.Fixture, networkID int, host string) []model.LeaseAssociation {
	t.Helper()
	assocs, err := f.Associated(context.Background(), networkID, host, "")
	require.NoError(t, err)
	return assocs
}

func TestHosts(t *testing.T) {
	f := testutil.NewFixture()

	t.Run("network 0", func(t *testing.T) {
		expected := "DE:AD:BE:EF:00:00,fake_instance00.novalocal,192.168.0.100,net:NW-0\n" +
			"DE:AD:BE:EF:00:03,fake_instance01.novalocal,192.168.1.101,net:NW-3\n" +
			"DE:AD:BE:EF:00:04,fake_instance00.novalocal,192.168.0.102,net:NW-4"
		assert.Equal(t, expected, testGenerator(true).Hosts(associated(t, f, 0, "")))
	})

	t.Run("network 1 on fake_instance01", func(t *testing.T) {
		expected := "DE:AD:BE:EF:00:02,fake_instance01.novalocal,192.168.0.101,net:NW-2\n" +
			"DE:AD:BE:EF:00:05,fake_instance01.novalocal,192.168.1.102,net:NW-5"
		assert.Equal(t, expected, testGenerator(true).Hosts(associated(t, f, 1, "fake_instance01")))
	})

	t.Run("without single default gateway", func(t *testing.T) {
		assocs := associated(t, f, 0, "")
		assert.Equal(t, "DE:AD:BE:EF:00:00,fake_instance00.novalocal,192.168.0.100", testGenerator(false).HostLine(assocs[0]))
	})
}

func TestGenerator_ForNetworkDomain(t *testing.T) {
	g := testGenerator(false)
	a := model.LeaseAssociation{VIFID: 1, VIFAddress: "DE:AD:BE:EF:00:01", InstanceHostname: "web0", Address: "10.0.0.10", Allocated: true}

	assert.Same(t, g, g.ForNetwork(&model.Network{}))
	assert.Equal(t, "DE:AD:BE:EF:00:01,web0.novalocal,10.0.0.10", g.ForNetwork(&model.Network{}).HostLine(a))

	custom := g.ForNetwork(&model.Network{Domain: "prod.example.com"})
	assert.Equal(t, "DE:AD:BE:EF:00:01,web0.prod.example.com,10.0.0.10", custom.HostLine(a))
	assert.Equal(t, "10.0.0.10\tweb0.prod.example.com", custom.DNSLine(a))
	assert.Equal(t, "novalocal", g.Domain, "original generator unchanged")
}

func TestHosts_OrderAndAllocation(t *testing.T) {
	assocs := []model.LeaseAssociation{
		{VIFID: 7, VIFAddress: "DE:AD:BE:EF:00:07", InstanceHostname: "b", Address: "10.0.0.7", Allocated: true},
		{VIFID: 2, VIFAddress: "DE:AD:BE:EF:00:02", InstanceHostname: "a", Address: "10.0.0.2", Allocated: true},
		{VIFID: 5, VIFAddress: "DE:AD:BE:EF:00:05", InstanceHostname: "c", Address: "10.0.0.5", Allocated: false},
	}
	out := testGenerator(false).Hosts(assocs)
	assert.Equal(t, "DE:AD:BE:EF:00:02,a.novalocal,10.0.0.2\nDE:AD:BE:EF:00:07,b.novalocal,10.0.0.7", out)
	assert.False(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 7, assocs[0].VIFID, "input must not be reordered")

	assert.Empty(t, testGenerator(false).Hosts(nil))
}

func TestDNSHosts(t *testing.T) {
	f := testutil.NewFixture()
	g := testGenerator(false)

	assert.Equal(t,
		"192.168.0.100\tfake_instance00.novalocal\n"+
			"192.168.1.101\tfake_instance01.novalocal\n"+
			"192.168.0.102\tfake_instance00.novalocal",
		g.DNSHosts(associated(t, f, 0, "")))

	assert.Equal(t,
		"192.168.1.100\tfake_instance00.novalocal\n"+
			"192.168.0.101\tfake_instance01.novalocal\n"+
			"192.168.1.102\tfake_instance01.novalocal",
		g.DNSHosts(associated(t, f, 1, "")))

	assocs := associated(t, f, 0, "")
	assert.Equal(t, "192.168.0.100\tfake_instance00.novalocal", g.DNSLine(assocs[0]))
}

func TestOpts(t *testing.T) {
	f := testutil.NewFixture()
	policy := FirstVIFPolicy{Source: f}
	g := testGenerator(true)
	ctx := context.Background()

	assocs := associated(t, f, 0, "")
	defaults, err := policy.DefaultVIFs(ctx, assocs)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{testutil.Instance0: 0, testutil.Instance1: 2}, defaults)
	assert.Equal(t, "NW-3,3\nNW-4,3", g.Opts(assocs, defaults))

	assocs = associated(t, f, 1, "fake_instance01")
	defaults, err = policy.DefaultVIFs(ctx, assocs)
	require.NoError(t, err)
	assert.Equal(t, "NW-5,3", g.Opts(assocs, defaults))

	assert.Equal(t, "NW-0,3", OptsLine(0))
}

func TestOpts_UnknownInstanceSkipped(t *testing.T) {
	f := testutil.NewFixture()
	assocs := associated(t, f, 0, "")
	assert.Empty(t, testGenerator(true).Opts(assocs, map[string]int{}))
}

type policyFunc func(ctx context.Context, assocs []model.LeaseAssociation) (map[string]int, error)

func (p policyFunc) DefaultVIFs(ctx context.Context, assocs []model.LeaseAssociation) (map[string]int, error) {
	return p(ctx, assocs)
}

func TestOpts_InjectedPolicy(t *testing.T) {
	f := testutil.NewFixture()
	assocs := associated(t, f, 0, "")

	// Route every instance through network 0.
	var policy DefaultGatewayPolicy = policyFunc(func(_ context.Context, assocs []model.LeaseAssociation) (map[string]int, error) {
		out := map[string]int{}
		for _, a := range assocs {
			if _, ok := out[a.InstanceUUID]; !ok {
				out[a.InstanceUUID] = a.VIFID
			}
		}
		return out, nil
	})
	defaults, err := policy.DefaultVIFs(context.Background(), assocs)
	require.NoError(t, err)
	assert.Equal(t, "NW-4,3", testGenerator(true).Opts(assocs, defaults))
}

func TestLeases(t *testing.T) {
	f := testutil.NewFixture()
	g := testGenerator(false)
	now := g.Clock.Now().Unix()

	for _, tc := range []struct {
		network int
		host    string
		count   int
	}{
		{0, "", 2},
		{1, "fake_instance01", 1},
	} {
		out := g.Leases(associated(t, f, tc.network, tc.host))
		lines := strings.Split(out, "\n")
		require.Len(t, lines, tc.count)

		for _, line := range lines {
			fields := strings.Split(line, " ")
			require.Len(t, fields, 5)

			data, err := f.Associated(context.Background(), tc.network, "", fields[2])
			require.NoError(t, err)
			require.Len(t, data, 1)

			expiry, err := strconv.ParseInt(fields[0], 10, 64)
			require.NoError(t, err)
			assert.Greater(t, expiry, now)
			assert.True(t, data[0].Allocated)
			assert.True(t, data[0].Leased)
			assert.Equal(t, data[0].VIFAddress, fields[1])
			assert.Equal(t, data[0].InstanceHostname, fields[3])
			assert.Equal(t, "*", fields[4])
		}
	}
}

func TestLeases_BlankHostnameAndZeroLeaseTime(t *testing.T) {
	g := testGenerator(false)
	g.LeaseTime = 0
	out := g.Leases([]model.LeaseAssociation{
		{VIFID: 1, VIFAddress: "DE:AD:BE:EF:00:01", Address: "10.0.0.2", Allocated: true, Leased: true},
	})
	expiry := g.Clock.Now().Add(DefaultLeaseTime).Unix()
	assert.Equal(t, strconv.FormatInt(expiry, 10)+" DE:AD:BE:EF:00:01 10.0.0.2 * *", out)
}

func TestFirstVIFPolicy_LowestID(t *testing.T) {
	f := testutil.NewFixture()
	// Reverse the VIF order; the policy must not depend on it.
	for i, j := 0, len(f.VIFs)-1; i < j; i, j = i+1, j-1 {
		f.VIFs[i], f.VIFs[j] = f.VIFs[j], f.VIFs[i]
	}
	defaults, err := FirstVIFPolicy{Source: f}.DefaultVIFs(context.Background(), []model.LeaseAssociation{
		{InstanceUUID: testutil.Instance0},
		{InstanceUUID: testutil.Instance1},
		{InstanceUUID: "unknown"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{testutil.Instance0: 0, testutil.Instance1: 2}, defaults)
}
