package firewall

import "strings"

// Rule is one iptables rule in a chain.
type Rule struct {
	Chain string
	Rule  string
	// Wrap means Chain is namespaced with the binary-name prefix.
	Wrap bool
	// Top rules are emitted before every other managed rule in the table.
	Top bool

	seq uint64
}

// RuleOption modifies how a rule is added or removed.
type RuleOption func(*Rule)

// WithoutWrap addresses a chain by its raw name.
func WithoutWrap() RuleOption {
	return func(r *Rule) { r.Wrap = false }
}

// OnTop places the rule ahead of non-top rules.
func OnTop() RuleOption {
	return func(r *Rule) { r.Top = true }
}

func newRule(chain, rule string, opts []RuleOption) Rule {
	r := Rule{Chain: chain, Rule: rule, Wrap: true}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// wrapName prefixes name with the binary-name prefix.
func wrapName(prefix, name string) string {
	return prefix + "-" + name
}

// ChainName is the chain as it appears in the kernel.
func (r Rule) ChainName(prefix string) string {
	if r.Wrap {
		return wrapName(prefix, r.Chain)
	}
	return r.Chain
}

// Render returns the rule in iptables-save form: "-A <chain> <rule>".
func (r Rule) Render(prefix string) string {
	return "-A " + r.ChainName(prefix) + " " + r.Rule
}

// sameAs compares rule identity: kernel chain name plus rule text.
func (r Rule) sameAs(o Rule, prefix string) bool {
	return r.Rule == o.Rule && r.ChainName(prefix) == o.ChainName(prefix)
}

// less orders rules: top first, then wrapped before unwrapped, then by
// insertion.
func (r Rule) less(o Rule) bool {
	if r.Top != o.Top {
		return r.Top
	}
	if r.Wrap != o.Wrap {
		return r.Wrap
	}
	return r.seq < o.seq
}

// expandTargets replaces "$name" tokens with the wrapped chain name, so a
// rule can jump to a managed chain without knowing the prefix.
func expandTargets(prefix, rule string) string {
	if !strings.Contains(rule, "$") {
		return rule
	}
	fields := strings.Split(rule, " ")
	for i, f := range fields {
		if strings.HasPrefix(f, "$") && len(f) > 1 {
			fields[i] = wrapName(prefix, f[1:])
		}
	}
	return strings.Join(fields, " ")
}
