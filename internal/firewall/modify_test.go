package firewall

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(s string) []string {
	return strings.Split(strings.TrimPrefix(s, "\n"), "\n")
}

func TestModifyRules_ReplacesManagedLines(t *testing.T) {
	current := lines(`
# Generated by iptables-save v1.8.7
*filter
:INPUT ACCEPT [0:0]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:test-agent-INPUT - [0:0]
[5:300] -A INPUT -j test-agent-INPUT
[0:0] -A FORWARD -i virbr0 -j ACCEPT
[0:0] -A test-agent-INPUT -i br100 -j ACCEPT
COMMIT
# Completed on Mon Jan  1 00:00:00 2024`)

	filter := NewTable("filter", "test-agent", nil)
	filter.EnsureChain("INPUT")
	require.NoError(t, filter.AddRule("INPUT", "-j $INPUT", WithoutWrap()))
	require.NoError(t, filter.AddRule("INPUT", "-i br200 -j ACCEPT"))

	got := modifyRules(current, filter, nil)
	assert.Equal(t, lines(`
# Generated by iptables-save v1.8.7
*filter
:INPUT ACCEPT [0:0]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:test-agent-INPUT - [0:0]
-A test-agent-INPUT -i br200 -j ACCEPT
-A INPUT -j test-agent-INPUT
[0:0] -A FORWARD -i virbr0 -j ACCEPT
COMMIT
# Completed on Mon Jan  1 00:00:00 2024`), got)
}

func TestModifyRules_DuplicatesKeepLastAndCounters(t *testing.T) {
	current := lines(`
# Generated
*filter
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:test-filter-top - [0:0]
[3:30] -A FORWARD -i virbr0 -j ACCEPT
[7:70] -A FORWARD -j test-filter-top
[1:10] -A OUTPUT -j test-filter-top
COMMIT
# Completed`)

	filter := NewTable("filter", "test-agent", nil)
	filter.AddChain("test-filter-top", false)
	require.NoError(t, filter.AddRule("FORWARD", "-j test-filter-top", WithoutWrap(), OnTop()))
	require.NoError(t, filter.AddRule("OUTPUT", "-j test-filter-top", WithoutWrap(), OnTop()))
	require.NoError(t, filter.AddRule("FORWARD", "-i virbr0 -j ACCEPT", WithoutWrap()))

	got := modifyRules(current, filter, nil)
	assert.Equal(t, lines(`
# Generated
*filter
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:test-filter-top - [0:0]
[7:70] -A FORWARD -j test-filter-top
[1:10] -A OUTPUT -j test-filter-top
[3:30] -A FORWARD -i virbr0 -j ACCEPT
COMMIT
# Completed`), got)
}

func TestModifyRules_RemovalLists(t *testing.T) {
	current := lines(`
# Generated
*filter
:FORWARD ACCEPT [0:0]
:old-chain - [0:0]
[1:1] -A old-chain -j DROP
[0:0] -A FORWARD -j old-chain
[2:2] -A FORWARD -i x -j ACCEPT
[4:4] -A FORWARD -i y -j ACCEPT
COMMIT
# Completed`)

	filter := NewTable("filter", "test-agent", nil)
	filter.AddChain("old-chain", false)
	filter.RemoveChain("old-chain", false)
	require.NoError(t, filter.AddRule("FORWARD", "-i x -j ACCEPT", WithoutWrap()))
	filter.RemoveRule("FORWARD", "-i x -j ACCEPT", WithoutWrap())

	got := modifyRules(current, filter, nil)
	assert.Equal(t, lines(`
# Generated
*filter
:FORWARD ACCEPT [0:0]
[4:4] -A FORWARD -i y -j ACCEPT
COMMIT
# Completed`), got)
}

func TestModifyRules_TopRegex(t *testing.T) {
	current := lines(`
# Generated
*filter
:FORWARD ACCEPT [0:0]
[0:0] -A FORWARD -o eth9 -j DROP
[0:0] -A FORWARD -i virbr0 -j ACCEPT
COMMIT
# Completed`)

	filter := NewTable("filter", "test-agent", nil)
	filter.EnsureChain("FORWARD")
	require.NoError(t, filter.AddRule("FORWARD", "-i br100 -j ACCEPT"))

	got := modifyRules(current, filter, regexp.MustCompile("virbr0"))
	assert.Equal(t, lines(`
# Generated
*filter
:FORWARD ACCEPT [0:0]
:test-agent-FORWARD - [0:0]
[0:0] -A FORWARD -i virbr0 -j ACCEPT
-A test-agent-FORWARD -i br100 -j ACCEPT
[0:0] -A FORWARD -o eth9 -j DROP
COMMIT
# Completed`), got)
}

func TestSpliceTable_SynthesizesMissingTable(t *testing.T) {
	nat := NewTable("nat", "test-agent", nil)
	nat.EnsureChain("snat")
	require.NoError(t, nat.AddRule("snat", "-s 10.0.0.0/24 -j SNAT --to-source 192.0.2.1"))

	dump := lines(`
# Generated by iptables-save
*filter
:INPUT ACCEPT [0:0]
COMMIT
# Completed
`)
	got, err := spliceTable(dump, nat, nil)
	require.NoError(t, err)
	assert.Equal(t, lines(`
# Generated by iptables-save
*filter
:INPUT ACCEPT [0:0]
COMMIT
# Completed
# Generated by netplane
*nat
:test-agent-snat - [0:0]
-A test-agent-snat -s 10.0.0.0/24 -j SNAT --to-source 192.0.2.1
COMMIT
# Completed by netplane
`), got)
}

func TestFindTable(t *testing.T) {
	dump := lines(`
*filter
COMMIT
# Generated
*nat
:PREROUTING ACCEPT [0:0]
COMMIT
# Completed`)

	start, end, found, err := findTable(dump, "filter")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 0, start)
	assert.Equal(t, 2, end)

	start, end, found, err = findTable(dump, "nat")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, start)
	assert.Equal(t, 7, end)

	_, _, found, err = findTable(dump, "mangle")
	assert.NoError(t, err)
	assert.False(t, found)

	_, _, _, err = findTable([]string{"*raw", ":PREROUTING ACCEPT"}, "raw")
	assert.Error(t, err)
}

func TestStripCounters(t *testing.T) {
	assert.Equal(t, "-A FORWARD -j ACCEPT", stripCounters("[12:3456] -A FORWARD -j ACCEPT"))
	assert.Equal(t, "-A FORWARD -j ACCEPT", stripCounters("  -A FORWARD -j ACCEPT "))
	assert.Equal(t, ":INPUT ACCEPT [0:0]", stripCounters(":INPUT ACCEPT [0:0]"))
}
