package network

import (
	"context"
	"strconv"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/metrics"
	"grimm.is/netplane/internal/model"
)

// ipAlreadyExitCodes are the ip(8) exit codes that mean the address is
// already in (or already out of) place.
var ipAlreadyExitCodes = []int{0, 2, 254}

// GatewayOptions tune gateway reconciliation.
type GatewayOptions struct {
	UseIPv6 bool
	// SendARPCount gratuitous ARPs are sent after an address change when > 0.
	SendARPCount int
}

// Reconciler brings a gateway device's addressing in line with a network.
type Reconciler struct {
	exec    host.Executor
	opts    GatewayOptions
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewReconciler creates a gateway reconciler.
func NewReconciler(exec host.Executor, opts GatewayOptions, logger *logging.Logger, m *metrics.Registry) *Reconciler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{
		exec:    exec,
		opts:    opts,
		logger:  logger.WithComponent("gateway"),
		metrics: m,
	}
}

type gatewayAction int

const (
	actionNone gatewayAction = iota
	actionAdd
	actionMove
)

func (a gatewayAction) String() string {
	switch a {
	case actionAdd:
		return "add"
	case actionMove:
		return "move"
	default:
		return "noop"
	}
}

// gatewayPlan is the outcome of comparing live addresses with the target.
type gatewayPlan struct {
	action  gatewayAction
	desired []string
	// moved is the address re-added as secondary after the desired one.
	moved *Address
}

// planGateway decides what to do with dev's addresses. It never deletes
// more than the first address and never drops it for good.
func planGateway(addrs []Address, n *model.Network) gatewayPlan {
	full := n.DHCPServerAddress() + "/" + strconv.Itoa(n.Prefix())
	plan := gatewayPlan{desired: []string{full, "brd", n.BroadcastAddress()}}

	for _, a := range addrs {
		if a.CIDR() == full {
			plan.action = actionNone
			return plan
		}
	}
	if len(addrs) == 0 {
		plan.action = actionAdd
		return plan
	}
	first := addrs[0]
	plan.action = actionMove
	plan.moved = &first
	return plan
}

// InitializeGatewayDevice makes dev carry the network's DHCP server address
// as its primary address, keeping any address it replaces as secondary.
func (r *Reconciler) InitializeGatewayDevice(ctx context.Context, dev string, n *model.Network) error {
	if err := n.Validate(); err != nil {
		return err
	}

	if err := r.run(ctx, host.Cmd("sysctl", "-w", "net.ipv4.ip_forward=1")); err != nil {
		return err
	}

	res, err := r.exec.Execute(ctx, host.Cmd("ip", "addr", "show", "dev", dev, "scope", "global"))
	if err != nil {
		return err
	}
	addrs, err := ParseAddrShow(res.Stdout)
	if err != nil {
		return errors.Attr(err, "dev", dev)
	}

	plan := planGateway(addrs, n)
	r.logger.Info("reconciling gateway device", "dev", dev, "action", plan.action.String(), "address", plan.desired[0])

	switch plan.action {
	case actionAdd:
		if err := r.addr(ctx, "add", plan.desired, dev); err != nil {
			return err
		}
	case actionMove:
		if err := r.move(ctx, dev, plan); err != nil {
			return err
		}
	}
	if plan.action != actionNone {
		if err := r.sendARP(ctx, dev, n.DHCPServerAddress()); err != nil {
			return err
		}
	}
	if r.metrics != nil {
		r.metrics.GatewayActions.WithLabelValues(plan.action.String()).Inc()
	}

	if r.opts.UseIPv6 && n.CIDRv6 != "" {
		return r.run(ctx, host.Cmd("ip", "-f", "inet6", "addr", "change", n.CIDRv6, "dev", dev))
	}
	return nil
}

// move swaps the first address for the desired one. Next-hop routes are
// captured first because deleting the primary address drops them. If any
// step fails, the replaced address and the captured routes are put back
// before the error is returned.
func (r *Reconciler) move(ctx context.Context, dev string, plan gatewayPlan) error {
	res, err := r.exec.Execute(ctx, host.Cmd("ip", "route", "show", "dev", dev))
	if err != nil {
		return err
	}
	routes, err := ParseRouteShow(res.Stdout)
	if err != nil {
		return errors.Attr(err, "dev", dev)
	}

	for i, rt := range routes {
		if err := r.run(ctx, host.Cmd("ip", "route", "del", rt.Dest(), "dev", dev)); err != nil {
			r.restoreRoutes(ctx, dev, routes[:i])
			return err
		}
	}
	if err := r.addr(ctx, "del", plan.moved.Params, dev); err != nil {
		r.restoreRoutes(ctx, dev, routes)
		return err
	}
	if err := r.addr(ctx, "add", plan.desired, dev); err != nil {
		r.restoreAddr(ctx, dev, plan.moved.Params)
		r.restoreRoutes(ctx, dev, routes)
		return err
	}
	if err := r.addr(ctx, "add", plan.moved.Params, dev); err != nil {
		r.restoreRoutes(ctx, dev, routes)
		return err
	}
	for i, rt := range routes {
		if err := r.run(ctx, routeAdd(rt)); err != nil {
			r.restoreRoutes(ctx, dev, routes[i+1:])
			return err
		}
	}
	return nil
}

func routeAdd(rt Route) host.Command {
	return host.Cmd(append([]string{"ip", "route", "add"}, rt.Fields...)...)
}

// restoreAddr and restoreRoutes undo a partial move. Failures are logged;
// the error that triggered the rollback is the one returned.
func (r *Reconciler) restoreAddr(ctx context.Context, dev string, params []string) {
	if err := r.addr(ctx, "add", params, dev); err != nil {
		r.logger.Error("failed to restore address", "dev", dev, "address", params[0], "error", err)
	}
}

func (r *Reconciler) restoreRoutes(ctx context.Context, dev string, routes []Route) {
	for _, rt := range routes {
		cmd := routeAdd(rt)
		cmd.ExitCodes = ipAlreadyExitCodes
		if _, err := r.exec.Execute(ctx, cmd); err != nil {
			r.logger.Error("failed to restore route", "dev", dev, "route", rt.Dest(), "error", err)
		}
	}
}

func (r *Reconciler) addr(ctx context.Context, action string, params []string, dev string) error {
	argv := append([]string{"ip", "addr", action}, params...)
	argv = append(argv, "dev", dev)
	_, err := r.exec.Execute(ctx, host.Command{Argv: argv, ExitCodes: ipAlreadyExitCodes})
	return err
}

func (r *Reconciler) sendARP(ctx context.Context, dev, address string) error {
	if r.opts.SendARPCount <= 0 {
		return nil
	}
	argv := []string{"arping", "-U", address, "-A", "-I", dev, "-c", strconv.Itoa(r.opts.SendARPCount)}
	return r.run(ctx, host.Command{Argv: argv, IgnoreExitCode: true})
}

func (r *Reconciler) run(ctx context.Context, cmd host.Command) error {
	_, err := r.exec.Execute(ctx, cmd)
	return err
}
