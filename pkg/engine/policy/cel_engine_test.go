package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputRule(t *testing.T) {
	// 1. Compile
	rule, err := CompileRule(`ext == ".csv" && !dir.contains("/scratch")`)
	require.NoError(t, err)
	assert.Equal(t, `ext == ".csv" && !dir.contains("/scratch")`, rule.String())

	// 2. Tracked CSV
	match, err := rule.Match(NewTarget("/work/out/result.csv"))
	require.NoError(t, err)
	assert.True(t, match)

	// 3. Scratch area
	match, err = rule.Match(NewTarget("/work/scratch/tmp.csv"))
	require.NoError(t, err)
	assert.False(t, match)

	// 4. Other extension
	match, err = rule.Match(NewTarget("/work/out/result.txt"))
	require.NoError(t, err)
	assert.False(t, match)
}

func TestOutputRuleUsesName(t *testing.T) {
	rule, err := CompileRule(`name.startsWith("report_")`)
	require.NoError(t, err)

	match, err := rule.Match(NewTarget("/srv/report_2026.pdf"))
	require.NoError(t, err)
	assert.True(t, match)
}

func TestOutputRuleRejectsNonBool(t *testing.T) {
	_, err := CompileRule(`path + "x"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bool")
}

func TestOutputRuleRejectsUnknownVariable(t *testing.T) {
	_, err := CompileRule(`cost > 100.0`)
	require.Error(t, err)
}
