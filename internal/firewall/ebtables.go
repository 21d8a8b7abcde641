package firewall

import (
	"context"
	"strings"

	"grimm.is/netplane/internal/host"
	"grimm.is/netplane/internal/metrics"
)

// Ebtables issues ebtables rules directly. Each ensure deletes any copy of
// the rule before inserting it, so repeated calls leave one instance.
type Ebtables struct {
	exec    host.Executor
	metrics *metrics.Registry
}

// NewEbtables creates an ebtables helper.
func NewEbtables(exec host.Executor, m *metrics.Registry) *Ebtables {
	return &Ebtables{exec: exec, metrics: m}
}

// Ensure inserts rules into table, replacing existing copies.
func (e *Ebtables) Ensure(ctx context.Context, table string, rules []string) error {
	for _, rule := range rules {
		if err := e.run(ctx, table, "-D", rule, true); err != nil {
			return err
		}
		if err := e.run(ctx, table, "-I", rule, false); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes rules from table. Missing rules are not an error.
func (e *Ebtables) Remove(ctx context.Context, table string, rules []string) error {
	for _, rule := range rules {
		if err := e.run(ctx, table, "-D", rule, true); err != nil {
			return err
		}
	}
	return nil
}

func (e *Ebtables) run(ctx context.Context, table, action, rule string, ignoreExit bool) error {
	argv := append([]string{"ebtables", "-t", table, action}, strings.Fields(rule)...)
	_, err := e.exec.Execute(ctx, host.Command{Argv: argv, IgnoreExitCode: ignoreExit})
	if e.metrics != nil {
		e.metrics.EbtablesCommands.WithLabelValues(table, action).Inc()
	}
	return err
}
