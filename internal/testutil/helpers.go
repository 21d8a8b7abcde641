package testutil

import (
	"os"
	"testing"
)

// RequireRoot skips the test unless NETPLANE_ROOT_TEST is set. Tests that
// touch real bridges, netlink or packet filters need a disposable host.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Getenv("NETPLANE_ROOT_TEST") == "" {
		t.Skip("Skipping test: requires NETPLANE_ROOT_TEST environment")
	}
}
