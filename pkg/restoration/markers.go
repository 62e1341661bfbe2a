// Package restoration detects "summary of prior conversation" memories and
// re-expands them into individual user and assistant turn memories.
package restoration

import (
	"regexp"
	"sort"
	"strings"
)

// Primary markers are matched case-sensitively; they are the exact phrasings
// the summarizer emits.
var primaryMarkers = []string{
	"This session is being continued from a previous conversation",
	"The conversation is summarized below",
}

// Fallback markers are matched case-insensitively and catch paraphrases
var fallbackMarkers = []string{
	"continued from a previous conversation",
	"session is being continued",
	"conversation summary",
}

// IsContextRestoration reports whether content looks like a conversation
// summary: primary markers first, case-insensitive fallbacks second
func IsContextRestoration(content string) bool {
	for _, m := range primaryMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	lower := strings.ToLower(content)
	for _, m := range fallbackMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Turn is one extracted conversational turn
type Turn struct {
	Role       string
	Content    string
	Sequence   int
	Confidence float64
}

// Roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// turnPattern pairs an extraction regexp with the role it captures and a
// confidence score. Group 1 is the turn text.
type turnPattern struct {
	re         *regexp.Regexp
	role       string
	confidence float64
	primary    bool
}

var turnPatterns = []turnPattern{
	// Primary: explicit role prefixes
	{regexp.MustCompile(`(?m)^\[USER\][ \t]*(.+)$`), RoleUser, 0.95, true},
	{regexp.MustCompile(`(?m)^\[ASSISTANT\][ \t]*(.+)$`), RoleAssistant, 0.95, true},
	{regexp.MustCompile(`(?m)^(?:User|Human):[ \t]*(.+)$`), RoleUser, 0.90, true},
	{regexp.MustCompile(`(?m)^Assistant:[ \t]*(.+)$`), RoleAssistant, 0.90, true},
	{regexp.MustCompile(`(?m)^[-*][ \t]*(?:User|Human):[ \t]*(.+)$`), RoleUser, 0.85, true},
	{regexp.MustCompile(`(?m)^[-*][ \t]*Assistant:[ \t]*(.+)$`), RoleAssistant, 0.85, true},
	// Fallbacks: narrated turns
	{regexp.MustCompile(`(?mi)^(?:the )?user (?:asked|requested|said|wants|wanted)[:,]?[ \t]*(.+)$`), RoleUser, 0.50, false},
	{regexp.MustCompile(`(?mi)^(?:the )?assistant (?:replied|responded|explained|implemented|answered)[:,]?[ \t]*(.+)$`), RoleAssistant, 0.50, false},
}

// ExtractTurns pulls conversational turns out of a summary in document
// order. If any primary pattern matches, fallbacks are ignored; their looser
// matching would double-extract narrated restatements of the same turns.
func ExtractTurns(content string) []Turn {
	turns := extractWith(content, true)
	if len(turns) == 0 {
		turns = extractWith(content, false)
	}
	for i := range turns {
		turns[i].Sequence = i
	}
	return turns
}

type positioned struct {
	offset int
	turn   Turn
}

func extractWith(content string, primary bool) []Turn {
	var hits []positioned
	for _, p := range turnPatterns {
		if p.primary != primary {
			continue
		}
		for _, loc := range p.re.FindAllStringSubmatchIndex(content, -1) {
			text := strings.TrimSpace(content[loc[2]:loc[3]])
			if text == "" {
				continue
			}
			hits = append(hits, positioned{
				offset: loc[0],
				turn:   Turn{Role: p.role, Content: text, Confidence: p.confidence},
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].offset < hits[j].offset })

	turns := make([]Turn, len(hits))
	for i, h := range hits {
		turns[i] = h.turn
	}
	return turns
}

// pathPatterns pull candidate project paths out of summary text
var pathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)(?:Primary working directory|Working directory|Project path|cwd):[ \t]*(\S+)`),
	regexp.MustCompile(`(?m)\x60(/[^\x60\s]+)\x60`),
}

// extractPathCandidates returns candidate paths in match order, deduped
func extractPathCandidates(content string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range pathPatterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			p := strings.TrimRight(m[1], ".,;:")
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
