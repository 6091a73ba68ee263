// Package selector chooses a generation tier for a query.
package selector

import (
	"strings"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
)

// DefaultComplexKeywords are words that indicate a query needs the accurate tier.
var DefaultComplexKeywords = []string{
	"分析",
	"解释",
	"详细",
	"比较",
	"评估",
	"总结",
	"analyze",
	"explain",
	"compare",
	"evaluate",
	"summarize",
}

// Classifier decides whether text needs the accurate tier.
// It returns the signal that matched, if any.
type Classifier interface {
	Classify(text string) (complex bool, signal string)
}

// KeywordClassifier marks text as complex when it contains any keyword, case-insensitively.
type KeywordClassifier struct {
	keywords []string
}

// NewKeywordClassifier creates a classifier over keywords. Empty entries are skipped.
func NewKeywordClassifier(keywords []string) *KeywordClassifier {
	k := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			k = append(k, kw)
		}
	}
	return &KeywordClassifier{keywords: k}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, kw := range k.keywords {
		if strings.Contains(lower, kw) {
			return true, kw
		}
	}
	return false, ""
}

// Selection explains a tier decision.
type Selection struct {
	Tier           dispatch.Tier `json:"tier"`
	Reason         string        `json:"reason"`
	MatchedKeyword string        `json:"matched_keyword,omitempty"`
}

const (
	ReasonOverride = "override"
	ReasonComplex  = "complex_keyword"
	ReasonDefault  = "default"
)

// ModelSelector maps text to a tier. It is stateless and safe for concurrent use.
type ModelSelector struct {
	classifier Classifier
}

// Option configures a ModelSelector.
type Option func(*ModelSelector)

// WithClassifier replaces the keyword classifier.
func WithClassifier(c Classifier) Option {
	return func(s *ModelSelector) {
		s.classifier = c
	}
}

// WithKeywords replaces the complex keyword list.
func WithKeywords(keywords []string) Option {
	return func(s *ModelSelector) {
		s.classifier = NewKeywordClassifier(keywords)
	}
}

// New creates a ModelSelector using DefaultComplexKeywords.
func New(opts ...Option) *ModelSelector {
	s := &ModelSelector{classifier: NewKeywordClassifier(DefaultComplexKeywords)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the tier for text. A set override always wins.
func (s *ModelSelector) Select(text string, override dispatch.Tier) dispatch.Tier {
	return s.Explain(text, override).Tier
}

// Explain returns the tier for text along with why it was chosen.
func (s *ModelSelector) Explain(text string, override dispatch.Tier) Selection {
	if override != dispatch.TierUnset {
		return Selection{Tier: override, Reason: ReasonOverride}
	}
	if complex, signal := s.classifier.Classify(text); complex {
		return Selection{Tier: dispatch.TierAccurate, Reason: ReasonComplex, MatchedKeyword: signal}
	}
	return Selection{Tier: dispatch.TierFast, Reason: ReasonDefault}
}
