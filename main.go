package main

import (
	"os"
	"path/filepath"

	"grimm.is/netplane/cmd"
	"grimm.is/netplane/internal/brand"
)

func main() {
	args := os.Args[1:]

	// Busybox-style dispatch: dnsmasq calls the lease script by its own name.
	switch filepath.Base(os.Args[0]) {
	case brand.LowerName + "-dhcpbridge":
		args = append([]string{"dhcp-event"}, args...)
	}

	os.Exit(cmd.Execute(args, os.Stdout, os.Stderr))
}
