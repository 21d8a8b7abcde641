package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netplane/internal/errors"
)

func TestParseAddrShow(t *testing.T) {
	out := linkHeader +
		"    inet 192.168.0.1/24 brd 192.168.0.255 scope global eth0\n" +
		"    inet 192.168.0.9/24 scope global secondary eth0:1\n" +
		linkFooter

	addrs, err := ParseAddrShow(out)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, []string{"192.168.0.1/24", "brd", "192.168.0.255", "scope", "global"}, addrs[0].Params)
	assert.Equal(t, "192.168.0.9/24", addrs[1].CIDR())
	assert.Equal(t, []string{"192.168.0.9/24", "scope", "global"}, addrs[1].Params)

	addrs, err = ParseAddrShow("")
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestParseAddrShow_DropsStatusFlags(t *testing.T) {
	out := "    inet 192.168.0.5/24 brd 192.168.0.255 scope global dynamic noprefixroute eth0\n" +
		"    inet 192.168.0.6/24 metric 100 brd 192.168.0.255 scope global secondary deprecated tentative eth0\n"

	addrs, err := ParseAddrShow(out)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, []string{"192.168.0.5/24", "brd", "192.168.0.255", "scope", "global"}, addrs[0].Params)
	assert.Equal(t, []string{"192.168.0.6/24", "metric", "100", "brd", "192.168.0.255", "scope", "global"}, addrs[1].Params)
}

func TestParseAddrShowErrors(t *testing.T) {
	for _, out := range []string{
		"    inet 192.168.0.1\n",
		"    inet 192.168.0.300/24 brd 192.168.0.255 scope global eth0\n",
	} {
		_, err := ParseAddrShow(out)
		require.Error(t, err, out)
		assert.Equal(t, errors.KindParse, errors.GetKind(err))
	}
}

func TestParseRouteShow(t *testing.T) {
	out := "default via 192.168.0.1 dev eth0\n" +
		"192.168.0.0/24 dev eth0 proto kernel scope link src 192.168.0.1\n" +
		"192.168.100.0/24 via 192.168.0.254 dev eth0 proto static\n"

	routes, err := ParseRouteShow(out)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "default", routes[0].Dest())
	assert.Equal(t, []string{"192.168.100.0/24", "via", "192.168.0.254", "dev", "eth0", "proto", "static"}, routes[1].Fields)
}

func TestParseRouteShow_DropsNexthopFlags(t *testing.T) {
	routes, err := ParseRouteShow("default via 192.168.0.1 dev eth0 proto dhcp metric 100 linkdown\n")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, []string{"default", "via", "192.168.0.1", "dev", "eth0", "proto", "dhcp", "metric", "100"}, routes[0].Fields)
}

func TestParseRouteShowErrors(t *testing.T) {
	for _, out := range []string{
		"default via\n",
		"via 192.168.0.1 dev eth0\n",
		"default via gateway.local dev eth0\n",
	} {
		_, err := ParseRouteShow(out)
		require.Error(t, err, out)
		assert.Equal(t, errors.KindParse, errors.GetKind(err))
	}
}
