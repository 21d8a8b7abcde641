package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAferoFS(t *testing.T) {
	fs := NewMemFileSystem()

	require.NoError(t, fs.WriteFile("/var/lib/netplane/networks/netplane-br100.conf", []byte("a,b,c"), 0600))
	assert.True(t, fs.Exists("/var/lib/netplane/networks"))

	data, err := fs.ReadFile("/var/lib/netplane/networks/netplane-br100.conf")
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", string(data))

	require.NoError(t, fs.Chmod("/var/lib/netplane/networks/netplane-br100.conf", 0644))
	info, err := fs.Fs.Stat("/var/lib/netplane/networks/netplane-br100.conf")
	require.NoError(t, err)
	assert.Equal(t, "-rw-r--r--", info.Mode().String())

	require.NoError(t, fs.Remove("/var/lib/netplane/networks/netplane-br100.conf"))
	assert.False(t, fs.Exists("/var/lib/netplane/networks/netplane-br100.conf"))
	assert.NoError(t, fs.Remove("/var/lib/netplane/networks/netplane-br100.conf"))
}
