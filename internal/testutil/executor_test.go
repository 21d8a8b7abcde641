package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netplane/internal/host"
)

func TestFakeExecutor(t *testing.T) {
	f := NewFakeExecutor().
		On("iptables-save -c", "*filter\nCOMMIT\n").
		Fail("ip addr del 10.0.0.1/24 dev eth0", 2, "Cannot assign requested address")
	ctx := context.Background()

	res, err := f.Execute(ctx, host.Cmd("iptables-save", "-c"))
	require.NoError(t, err)
	assert.Equal(t, "*filter\nCOMMIT\n", res.Stdout)

	_, err = f.Execute(ctx, host.Cmd("ip", "addr", "del", "10.0.0.1/24", "dev", "eth0"))
	assert.Error(t, err)

	_, err = f.Execute(ctx, host.Command{Argv: []string{"ip", "addr", "del", "10.0.0.1/24", "dev", "eth0"}, ExitCodes: []int{0, 2, 254}})
	assert.NoError(t, err)

	_, err = f.Execute(ctx, host.Command{Argv: []string{"iptables-restore", "-c"}, Input: "x"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"iptables-save -c",
		"ip addr del 10.0.0.1/24 dev eth0",
		"ip addr del 10.0.0.1/24 dev eth0",
		"iptables-restore -c",
	}, f.Commands())
	assert.Equal(t, "x", f.Inputs[3])

	f.Reset()
	assert.Empty(t, f.Commands())
}
