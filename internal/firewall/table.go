package firewall

import (
	"regexp"
	"slices"
	"sort"
	"strings"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/logging"
)

// Table is the desired state of one iptables table in one address family.
// It performs no I/O.
type Table struct {
	Name string

	prefix          string
	chains          map[string]struct{}
	unwrappedChains map[string]struct{}
	rules           []Rule
	seq             uint64

	// Pending removals from the live table, cleared after a restore.
	removeChains map[string]struct{}
	removeRules  []Rule

	logger *logging.Logger
}

// NewTable creates an empty table whose wrapped chains use prefix.
func NewTable(name, prefix string, logger *logging.Logger) *Table {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Table{
		Name:            name,
		prefix:          prefix,
		chains:          make(map[string]struct{}),
		unwrappedChains: make(map[string]struct{}),
		removeChains:    make(map[string]struct{}),
		logger:          logger,
	}
}

func (t *Table) chainSet(wrap bool) map[string]struct{} {
	if wrap {
		return t.chains
	}
	return t.unwrappedChains
}

// AddChain declares a chain. Adding an existing chain is a no-op.
func (t *Table) AddChain(name string, wrap bool) {
	t.chainSet(wrap)[name] = struct{}{}
	if !wrap {
		delete(t.removeChains, name)
	}
}

// EnsureChain declares a wrapped chain.
func (t *Table) EnsureChain(name string) {
	t.AddChain(name, true)
}

// HasChain reports whether the chain is declared.
func (t *Table) HasChain(name string, wrap bool) bool {
	_, ok := t.chainSet(wrap)[name]
	return ok
}

// RemoveChain drops a chain, its rules, and every rule jumping to it.
// Unknown chains are ignored.
func (t *Table) RemoveChain(name string, wrap bool) {
	set := t.chainSet(wrap)
	if _, ok := set[name]; !ok {
		t.logger.Warn("attempted to remove chain which does not exist", "table", t.Name, "chain", name)
		return
	}
	delete(set, name)

	kernelName := name
	if wrap {
		kernelName = wrapName(t.prefix, name)
	} else {
		t.removeChains[name] = struct{}{}
	}
	jump := "-j " + kernelName

	kept := t.rules[:0]
	for _, r := range t.rules {
		inChain := r.ChainName(t.prefix) == kernelName
		jumps := containsField(r.Rule, jump)
		if !inChain && !jumps {
			kept = append(kept, r)
			continue
		}
		if !wrap || !r.Wrap {
			t.removeRules = append(t.removeRules, r)
		}
	}
	t.rules = kept
}

// AddRule appends a rule unless an identical (chain, rule) pair exists.
// Wrapped rules require a declared chain.
func (t *Table) AddRule(chain, rule string, opts ...RuleOption) error {
	r := newRule(chain, expandTargets(t.prefix, rule), opts)
	if r.Wrap && !t.HasChain(chain, true) {
		return errors.Attr(errors.Errorf(errors.KindValidation, "unknown chain %q in table %s", chain, t.Name), "chain", chain)
	}
	for _, existing := range t.rules {
		if existing.sameAs(r, t.prefix) {
			return nil
		}
	}
	t.seq++
	r.seq = t.seq
	t.rules = append(t.rules, r)
	t.forgetRemoval(r)
	return nil
}

// MustAddRule is AddRule for scaffolding whose chains are known to exist.
func (t *Table) MustAddRule(chain, rule string, opts ...RuleOption) {
	if err := t.AddRule(chain, rule, opts...); err != nil {
		panic(err)
	}
}

// RemoveRule removes the first matching rule. Absent rules are ignored.
func (t *Table) RemoveRule(chain, rule string, opts ...RuleOption) {
	r := newRule(chain, expandTargets(t.prefix, rule), opts)
	for i, existing := range t.rules {
		if existing.sameAs(r, t.prefix) {
			t.rules = slices.Delete(t.rules, i, i+1)
			if !r.Wrap {
				t.removeRules = append(t.removeRules, existing)
			}
			return
		}
	}
	t.logger.Warn("tried to remove rule that was not there", "table", t.Name, "chain", chain, "rule", rule, "wrap", r.Wrap)
}

// RemoveRulesRegex removes every rule whose rendered "-A chain rule" form
// matches re and returns how many were removed.
func (t *Table) RemoveRulesRegex(re *regexp.Regexp) int {
	removed := 0
	kept := t.rules[:0]
	for _, r := range t.rules {
		if re.MatchString(r.Render(t.prefix)) {
			removed++
			if !r.Wrap {
				t.removeRules = append(t.removeRules, r)
			}
			continue
		}
		kept = append(kept, r)
	}
	t.rules = kept
	return removed
}

// EmptyChain removes every rule in a chain but keeps the chain.
func (t *Table) EmptyChain(chain string, opts ...RuleOption) {
	target := newRule(chain, "", opts)
	kernelName := target.ChainName(t.prefix)
	kept := t.rules[:0]
	for _, r := range t.rules {
		if r.ChainName(t.prefix) == kernelName {
			if !r.Wrap {
				t.removeRules = append(t.removeRules, r)
			}
			continue
		}
		kept = append(kept, r)
	}
	t.rules = kept
}

// Rules returns the managed rules in emission order.
func (t *Table) Rules() []Rule {
	out := slices.Clone(t.rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Len is the number of managed rules.
func (t *Table) Len() int {
	return len(t.rules)
}

func (t *Table) wrappedChainNames() []string {
	return sortedKeys(t.chains)
}

func (t *Table) unwrappedChainNames() []string {
	return sortedKeys(t.unwrappedChains)
}

func (t *Table) forgetRemoval(r Rule) {
	t.removeRules = slices.DeleteFunc(t.removeRules, func(x Rule) bool {
		return x.sameAs(r, t.prefix)
	})
}

func (t *Table) clearRemovals() {
	t.removeRules = nil
	t.removeChains = make(map[string]struct{})
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// containsField reports whether snippet appears in rule on field boundaries.
func containsField(rule, snippet string) bool {
	padded := " " + rule + " "
	return len(snippet) > 0 && strings.Contains(padded, " "+snippet+" ")
}
