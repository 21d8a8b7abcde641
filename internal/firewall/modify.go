package firewall

import (
	"regexp"
	"slices"
	"strings"

	"grimm.is/netplane/internal/brand"
	"grimm.is/netplane/internal/errors"
)

// findTable locates the "*name" … "COMMIT" block in an iptables-save dump,
// including the generated/completed comment lines around it.
func findTable(lines []string, name string) (start, end int, found bool, err error) {
	i := slices.Index(lines, "*"+name)
	if i < 0 {
		return 0, 0, false, nil
	}
	j := slices.Index(lines[i:], "COMMIT")
	if j < 0 {
		return 0, 0, false, errors.Attr(errors.Errorf(errors.KindParse, "table %s has no COMMIT", name), "table", name)
	}
	start = i
	if i > 0 && strings.HasPrefix(lines[i-1], "#") {
		start = i - 1
	}
	end = i + j + 1
	if end < len(lines) && strings.HasPrefix(lines[end], "# Completed") {
		end++
	}
	return start, end, true, nil
}

// emptyTable is the block used when the kernel has never loaded a table.
func emptyTable(name string) []string {
	return []string{
		"# Generated by " + brand.LowerName,
		"*" + name,
		"COMMIT",
		"# Completed by " + brand.LowerName,
	}
}

// spliceTable runs modifyRules on one table inside a full dump, adding the
// table when the dump lacks it.
func spliceTable(lines []string, t *Table, top *regexp.Regexp) ([]string, error) {
	start, end, found, err := findTable(lines, t.Name)
	if err != nil {
		return nil, err
	}
	block := emptyTable(t.Name)
	if found {
		block = lines[start:end]
	} else {
		start = len(lines)
		if start > 0 && lines[start-1] == "" {
			start--
		}
		end = start
	}
	return slices.Concat(lines[:start], modifyRules(block, t, top), lines[end:]), nil
}

// stripCounters drops a leading "[pkts:bytes]" and surrounding space.
func stripCounters(line string) string {
	if strings.HasPrefix(line, "[") {
		if i := strings.Index(line, "]"); i >= 0 {
			line = line[i+1:]
		}
	}
	return strings.TrimSpace(line)
}

func isRuleLine(line string) bool {
	return strings.HasPrefix(stripCounters(line), "-A ")
}

// modifyRules replaces every managed line of one table block with the
// desired contents of t. The input is not modified.
func modifyRules(current []string, t *Table, top *regexp.Regexp) []string {
	prefix := t.prefix

	lines := make([]string, 0, len(current))
	for _, line := range current {
		if !strings.Contains(line, prefix) {
			lines = append(lines, line)
		}
	}

	var hoisted []string
	if top != nil {
		rest := make([]string, 0, len(lines))
		for _, line := range lines {
			if isRuleLine(line) && top.MatchString(line) {
				hoisted = append(hoisted, line)
				continue
			}
			rest = append(rest, line)
		}
		lines = rest
	}

	ours := slices.Clone(hoisted)
	var bottom []string
	for _, r := range t.Rules() {
		text := r.Render(prefix)
		if !r.Top {
			bottom = append(bottom, text)
			continue
		}
		// Top rules are moved, not duplicated. Keep the live line so its
		// counters survive.
		rest := make([]string, 0, len(lines))
		for _, line := range lines {
			if isRuleLine(line) && stripCounters(line) == text {
				text = line
				continue
			}
			rest = append(rest, line)
		}
		lines = rest
		ours = append(ours, text)
	}
	ours = append(ours, bottom...)

	var decls []string
	for _, name := range t.wrappedChainNames() {
		decls = append(decls, ":"+wrapName(prefix, name)+" - [0:0]")
	}
	for _, name := range t.unwrappedChainNames() {
		decls = append(decls, ":"+name+" - [0:0]")
	}

	idx := rulesIndex(lines, t.Name)
	merged := slices.Concat(lines[:idx], decls, ours, lines[idx:])

	// Walk backwards so the last occurrence of a duplicate wins.
	seen := make(map[string]struct{}, len(merged))
	out := make([]string, 0, len(merged))
	for i := len(merged) - 1; i >= 0; i-- {
		line := merged[i]
		key := stripCounters(line)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if t.scheduledForRemoval(line) {
			continue
		}
		out = append(out, line)
	}
	slices.Reverse(out)
	return out
}

// rulesIndex is the position right after the chain declarations, or right
// after the table header when there are none.
func rulesIndex(lines []string, table string) int {
	seen := false
	for i, line := range lines {
		isChain := strings.HasPrefix(line, ":")
		if !seen {
			seen = isChain
			continue
		}
		if !isChain {
			return i
		}
	}
	if seen {
		return len(lines)
	}
	if i := slices.Index(lines, "*"+table); i >= 0 {
		return i + 1
	}
	return min(2, len(lines))
}

// scheduledForRemoval matches a dump line against the table's removal lists.
func (t *Table) scheduledForRemoval(line string) bool {
	if strings.HasPrefix(line, ":") {
		fields := strings.Fields(line[1:])
		if len(fields) == 0 {
			return false
		}
		_, ok := t.removeChains[fields[0]]
		return ok
	}
	if !isRuleLine(line) {
		return false
	}
	text := stripCounters(line)
	for _, r := range t.removeRules {
		if r.Render(t.prefix) == text {
			return true
		}
	}
	fields := strings.Fields(text)
	for name := range t.removeChains {
		if len(fields) > 1 && fields[1] == name {
			return true
		}
		if containsField(text, "-j "+name) {
			return true
		}
	}
	return false
}
