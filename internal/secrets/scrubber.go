package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Result is the outcome of one Scrub call.
type Result struct {
	Text string
	// ByRule counts redacted spans per rule ID. Gitleaks findings use the
	// gitleaks rule ID.
	ByRule map[string]int
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.ByRule) > 0 }

// Scrubber redacts secrets from text. A nil or disabled Scrubber returns
// its input unchanged.
type Scrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string

	// The detector is not documented as safe for concurrent use.
	mu       sync.Mutex
	detector *detect.Detector
}

type span struct {
	start, end int
}

// New compiles cfg into a Scrubber.
func New(cfg Config) (*Scrubber, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	allow, err := compileAllowList(cfg.AllowList)
	if err != nil {
		return nil, err
	}
	s := &Scrubber{rules: rules, allow: allow, redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	if cfg.Gitleaks {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("loading gitleaks rules: %w", err)
		}
		if len(allow) > 0 {
			d.Config.Allowlists = append(d.Config.Allowlists, gitleaksAllowlist(allow))
		}
		s.detector = d
	}
	return s, nil
}

func gitleaksAllowlist(allow []*regexp.Regexp) *gitleaksConfig.Allowlist {
	al := &gitleaksConfig.Allowlist{Description: "taskbridge allow_list"}
	for _, re := range allow {
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	return al
}

// Enabled reports whether s redacts anything.
func (s *Scrubber) Enabled() bool { return s != nil }

// String returns content with secrets replaced.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Text
}

// Scrub redacts content and reports what was found.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Text: content}
	if s == nil || content == "" {
		return res
	}

	var spans []span
	byRule := map[string]int{}
	add := func(id string, start, end int) {
		if s.allowed(content[start:end]) {
			return
		}
		spans = append(spans, span{start, end})
		byRule[id]++
	}

	for _, r := range s.rules {
		if !r.applies(content) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			add(r.id, m[0], m[1])
		}
	}

	if s.detector != nil {
		s.mu.Lock()
		findings := s.detector.DetectString(content)
		s.mu.Unlock()
		for _, f := range findings {
			if f.Secret == "" {
				continue
			}
			for off := 0; ; {
				i := strings.Index(content[off:], f.Secret)
				if i < 0 {
					break
				}
				start := off + i
				add(f.RuleID, start, start+len(f.Secret))
				off = start + len(f.Secret)
			}
		}
	}

	if len(spans) == 0 {
		return res
	}
	res.Text = apply(content, merge(spans), s.redaction)
	res.ByRule = byRule
	return res
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge sorts spans and joins overlapping or touching ones.
func merge(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}

func apply(content string, spans []span, redaction string) string {
	var b strings.Builder
	b.Grow(len(content))
	prev := 0
	for _, sp := range spans {
		b.WriteString(content[prev:sp.start])
		b.WriteString(redaction)
		prev = sp.end
	}
	b.WriteString(content[prev:])
	return b.String()
}
