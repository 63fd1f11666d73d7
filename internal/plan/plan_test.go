package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Scenario(t *testing.T) {
	p := NewExtractor().Extract("# Plan\n1. Step A\n2. Step B", "do X")

	assert.Equal(t, "Plan", p.Title)
	assert.Equal(t, []string{"Step A", "Step B"}, p.Milestones)
	assert.Equal(t, "do X", p.OriginalRequest)
	assert.Equal(t, "Task: do X", p.Description)
	assert.True(t, strings.HasPrefix(p.TaskID, "task-"))
	assert.False(t, p.CreatedAt.IsZero())
}

func TestExtract_UntitledFallback(t *testing.T) {
	inputs := []string{
		"",
		"   \n\n",
		"## Only a subheading\nbody",
		"plain prose without headings",
		"#NoSpaceIsNotAHeading",
		"\x00\xff garbage",
	}
	e := NewExtractor()
	for _, in := range inputs {
		t.Run(fmt.Sprintf("%q", in), func(t *testing.T) {
			p := e.Extract(in, "req")
			assert.Equal(t, UntitledTask, p.Title)
			assert.NotNil(t, p.Milestones)
		})
	}
}

func TestExtract_TitleTrailingHashes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"# Port the parser to C#", "Port the parser to C#"},
		{"# Learn F# basics  ", "Learn F# basics"},
		{"# Closed heading ##", "Closed heading"},
		{"#   Spaced title   #", "Spaced title"},
		{"# Issue #42", "Issue #42"},
	}
	e := NewExtractor()
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Extract(tt.in, "req").Title)
		})
	}
}

func TestExtract_MilestonesHeadingPreferred(t *testing.T) {
	raw := `# Build the thing

Context first:
- not a milestone
- also not

## Milestones
1) Design schema
2) Write migration
3) Ship

Trailing notes.`

	p := NewExtractor().Extract(raw, "build")

	assert.Equal(t, "Build the thing", p.Title)
	assert.Equal(t, []string{"Design schema", "Write migration", "Ship"}, p.Milestones)
	assert.Contains(t, p.Description, "- not a milestone")
	assert.Contains(t, p.Description, "Trailing notes.")
	assert.NotContains(t, p.Description, "Milestones")
	assert.NotContains(t, p.Description, "Design schema")
}

func TestExtract_MilestonesHeadingCaseInsensitive(t *testing.T) {
	p := NewExtractor().Extract("### MILESTONES:\n* one\n* two", "r")
	assert.Equal(t, []string{"one", "two"}, p.Milestones)
}

func TestExtract_FirstListBlockAnywhere(t *testing.T) {
	p := NewExtractor().Extract("intro\n+ alpha\n+ beta\n\n- later", "r")
	assert.Equal(t, []string{"alpha", "beta"}, p.Milestones)
	assert.Contains(t, p.Description, "- later")
}

func TestExtract_MixedMarkersEndBlock(t *testing.T) {
	p := NewExtractor().Extract("1. first\n- second", "r")
	assert.Equal(t, []string{"first"}, p.Milestones)
}

func TestExtract_NoMilestones(t *testing.T) {
	p := NewExtractor().Extract("# T\nJust a paragraph.", "r")
	assert.Empty(t, p.Milestones)
	assert.Equal(t, "Just a paragraph.", p.Description)
}

func TestExtract_DescriptionCaps(t *testing.T) {
	long := strings.Repeat("é", 5000)

	withMilestones := NewExtractor().Extract("# T\n- a\n\n"+long, "r")
	require.NotEmpty(t, withMilestones.Milestones)
	assert.Equal(t, DescriptionLimitWithMilestones, utf8.RuneCountInString(withMilestones.Description))

	without := NewExtractor().Extract("# T\n"+long, "r")
	assert.Empty(t, without.Milestones)
	assert.Equal(t, DescriptionLimit, utf8.RuneCountInString(without.Description))

	templated := NewExtractor().Extract("", long)
	assert.LessOrEqual(t, utf8.RuneCountInString(templated.Description), DescriptionLimit)
	assert.True(t, strings.HasPrefix(templated.Description, "Task: "))
}

func TestExtract_DescriptionBoundProperty(t *testing.T) {
	e := NewExtractor()
	for n := 0; n < 3000; n += 137 {
		body := strings.Repeat("x", n)
		for _, raw := range []string{body, "- m\n" + body, "# H\n1. m\n" + body} {
			p := e.Extract(raw, body)
			if len(p.Milestones) > 0 {
				assert.LessOrEqual(t, utf8.RuneCountInString(p.Description), 500)
			} else {
				assert.LessOrEqual(t, utf8.RuneCountInString(p.Description), 1000)
			}
		}
	}
}

func TestExtract_UniqueIDs(t *testing.T) {
	e := NewExtractor()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		p := e.Extract("# same", "same")
		require.False(t, seen[p.TaskID], "duplicate id %s", p.TaskID)
		seen[p.TaskID] = true
	}
}

func TestExtract_InjectedGeneratorAndClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ticks := []time.Time{fixed, fixed.Add(-time.Hour), fixed.Add(time.Minute)}
	i := 0
	e := NewExtractor(
		WithIDGenerator(func() string { return "fixed" }),
		WithClock(func() time.Time { ts := ticks[i]; i++; return ts }),
	)

	a := e.Extract("x", "r")
	b := e.Extract("x", "r")
	c := e.Extract("x", "r")

	assert.Equal(t, "fixed", a.TaskID)
	assert.Equal(t, "fixed", b.TaskID)
	assert.Equal(t, fixed, a.CreatedAt)
	assert.Equal(t, fixed, b.CreatedAt, "clock going backwards must not produce an earlier timestamp")
	assert.Equal(t, fixed.Add(time.Minute), c.CreatedAt)
}

func TestTaskPlan_JSONTimestamp(t *testing.T) {
	e := NewExtractor(WithClock(func() time.Time {
		return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	}))
	data, err := json.Marshal(e.Extract("# A", "r"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"created_at":"2026-05-06T07:08:09Z"`)
}
