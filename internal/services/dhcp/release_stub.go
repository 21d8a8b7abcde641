//go:build !linux

package dhcp

import (
	"context"
	"fmt"
	"net"
)

func sendBound(ctx context.Context, dev string, dst *net.UDPAddr, payload []byte) error {
	return fmt.Errorf("binding to %s is not supported on this platform", dev)
}
