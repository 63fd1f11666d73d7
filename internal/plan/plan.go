// Package plan turns free-form generated text into a structured TaskPlan.
package plan

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// UntitledTask is used when the text carries no level-1 heading.
	UntitledTask = "Untitled Task"

	// DescriptionLimitWithMilestones caps the description when milestones exist.
	DescriptionLimitWithMilestones = 500

	// DescriptionLimit caps the description when there are no milestones.
	DescriptionLimit = 1000
)

// TaskPlan is the structured form of a task. It is never modified after
// extraction.
type TaskPlan struct {
	TaskID          string    `json:"task_id"`
	Title           string    `json:"title"`
	Milestones      []string  `json:"milestones"`
	Description     string    `json:"description"`
	OriginalRequest string    `json:"original_request"`
	CreatedAt       time.Time `json:"created_at"`
}

// IDGenerator produces task identifiers.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// DefaultIDGenerator returns "task-<uuid>".
func DefaultIDGenerator() string {
	return "task-" + uuid.NewString()
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithIDGenerator overrides task id generation.
func WithIDGenerator(gen IDGenerator) Option {
	return func(e *Extractor) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(e *Extractor) {
		if clock != nil {
			e.now = clock
		}
	}
}

// Extractor parses plans. Safe for concurrent use.
type Extractor struct {
	newID IDGenerator
	now   Clock

	mu   sync.Mutex
	last time.Time
}

// NewExtractor creates an Extractor with the default generator and clock.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		newID: DefaultIDGenerator,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	headingRe   = regexp.MustCompile(`^(#{1,6})\s+(.*?)(?:\s+#+)?\s*$`)
	orderedRe   = regexp.MustCompile(`^\s*\d+[.)]\s+(.*)$`)
	unorderedRe = regexp.MustCompile(`^\s*[-*+]\s+(.*)$`)
)

type listBlock struct {
	start, end int // [start, end) line range
	items      []string
}

// Extract builds a TaskPlan from rawText. It never fails; missing pieces
// degrade to defaults.
func (e *Extractor) Extract(rawText, originalRequest string) *TaskPlan {
	text := strings.ReplaceAll(rawText, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	drop := make([]bool, len(lines))

	title := UntitledTask
	for i, line := range lines {
		if level, name, ok := parseHeading(line); ok && level == 1 {
			if name != "" {
				title = name
			}
			drop[i] = true
			break
		}
	}

	var block *listBlock
	if h := milestonesHeading(lines); h >= 0 {
		drop[h] = true
		block = findListBlock(lines, h+1)
	}
	if block == nil {
		block = findListBlock(lines, 0)
	}

	milestones := []string{}
	if block != nil {
		milestones = block.items
		for i := block.start; i < block.end; i++ {
			drop[i] = true
		}
	}

	var body []string
	for i, line := range lines {
		if !drop[i] {
			body = append(body, line)
		}
	}
	description := strings.TrimSpace(strings.Join(body, "\n"))
	if description == "" {
		description = "Task: " + strings.TrimSpace(originalRequest)
	}

	limit := DescriptionLimit
	if len(milestones) > 0 {
		limit = DescriptionLimitWithMilestones
	}

	return &TaskPlan{
		TaskID:          e.newID(),
		Title:           title,
		Milestones:      milestones,
		Description:     truncateRunes(description, limit),
		OriginalRequest: originalRequest,
		CreatedAt:       e.timestamp(),
	}
}

// timestamp never goes backwards, even if the clock does.
func (e *Extractor) timestamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()
	if now.Before(e.last) {
		now = e.last
	}
	e.last = now
	return now
}

func parseHeading(line string) (int, string, bool) {
	m := headingRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, "", false
	}
	return len(m[1]), strings.TrimSpace(m[2]), true
}

func milestonesHeading(lines []string) int {
	for i, line := range lines {
		_, name, ok := parseHeading(line)
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimRight(name, ":"), "milestones") {
			return i
		}
	}
	return -1
}

// findListBlock returns the first contiguous list block at or after from.
// A block is all ordered or all unordered; a marker change ends it.
func findListBlock(lines []string, from int) *listBlock {
	for i := from; i < len(lines); i++ {
		ordered, item, ok := listItem(lines[i])
		if !ok {
			continue
		}
		block := &listBlock{start: i, items: []string{item}}
		j := i + 1
		for ; j < len(lines); j++ {
			o, it, ok := listItem(lines[j])
			if !ok || o != ordered {
				break
			}
			block.items = append(block.items, it)
		}
		block.end = j
		return block
	}
	return nil
}

func listItem(line string) (ordered bool, item string, ok bool) {
	if m := orderedRe.FindStringSubmatch(line); m != nil {
		return true, strings.TrimSpace(m[1]), true
	}
	if m := unorderedRe.FindStringSubmatch(line); m != nil {
		return false, strings.TrimSpace(m[1]), true
	}
	return false, "", false
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
