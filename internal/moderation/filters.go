package moderation

import (
	"regexp"
	"strings"
)

type FilterKind string

const (
	FilterProfanity FilterKind = "profanity"
	FilterLink      FilterKind = "link"
	FilterMention   FilterKind = "mention"
)

// Verdict is the outcome of one filter for one message. Transient; never
// persisted.
type Verdict struct {
	Kind    FilterKind
	Matched bool
	Span    string
}

// Entity is a transport-agnostic message entity (mention, text link, ...).
type Entity struct {
	Type string
	Text string
}

// FilterConfig selects which filters run for a given chat and carries the
// per-chat mention allow-list. The profanity block-list lives on the
// pipeline itself; it is process-wide configuration.
type FilterConfig struct {
	Profanity    bool
	Links        bool
	Mentions     bool
	MentionAllow []string
}

var (
	linkRe    = regexp.MustCompile(`(?i)https?://|t\.me/|\bwww\.`)
	mentionRe = regexp.MustCompile(`@[A-Za-z0-9_]{5,}\b`)
)

// Pipeline evaluates content filters in a fixed registration order:
// profanity, link, mention. Filters are pure; evaluation never does I/O.
type Pipeline struct {
	blocklist []string
}

func NewPipeline(blocklist []string) *Pipeline {
	words := make([]string, 0, len(blocklist))
	for _, w := range blocklist {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			words = append(words, w)
		}
	}
	return &Pipeline{blocklist: words}
}

// Evaluate runs every enabled filter over the message and returns one
// verdict per enabled filter, in registration order. It does not stop at
// the first violation; callers report all of them in one pass.
func (p *Pipeline) Evaluate(text string, entities []Entity, cfg FilterConfig) []Verdict {
	out := make([]Verdict, 0, 3)
	if cfg.Profanity {
		matched, span := p.matchProfanity(text)
		out = append(out, Verdict{Kind: FilterProfanity, Matched: matched, Span: span})
	}
	if cfg.Links {
		matched, span := matchLink(text, entities)
		out = append(out, Verdict{Kind: FilterLink, Matched: matched, Span: span})
	}
	if cfg.Mentions {
		matched, span := matchMention(text, entities, cfg.MentionAllow)
		out = append(out, Verdict{Kind: FilterMention, Matched: matched, Span: span})
	}
	return out
}

// Violations filters a verdict sequence down to the matched ones,
// preserving order.
func Violations(verdicts []Verdict) []Verdict {
	out := make([]Verdict, 0, len(verdicts))
	for _, v := range verdicts {
		if v.Matched {
			out = append(out, v)
		}
	}
	return out
}

func (p *Pipeline) matchProfanity(text string) (bool, string) {
	low := strings.ToLower(text)
	for _, w := range p.blocklist {
		if strings.Contains(low, w) {
			return true, w
		}
	}
	return false, ""
}

func matchLink(text string, entities []Entity) (bool, string) {
	for _, e := range entities {
		if e.Type == "url" || e.Type == "text_link" {
			return true, e.Text
		}
	}
	if m := linkRe.FindString(text); m != "" {
		return true, m
	}
	return false, ""
}

func matchMention(text string, entities []Entity, allow []string) (bool, string) {
	for _, e := range entities {
		if e.Type == "mention" && !mentionAllowed(e.Text, allow) {
			return true, e.Text
		}
	}
	for _, m := range mentionRe.FindAllString(text, -1) {
		if !mentionAllowed(m, allow) {
			return true, m
		}
	}
	return false, ""
}

func mentionAllowed(mention string, allow []string) bool {
	name := strings.ToLower(strings.TrimPrefix(mention, "@"))
	for _, a := range allow {
		if strings.ToLower(strings.TrimPrefix(a, "@")) == name {
			return true
		}
	}
	return false
}
