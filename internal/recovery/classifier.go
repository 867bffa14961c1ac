package recovery

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"prism/pkg/model"
)

// Rule maps an error-message pattern onto a category. Rules are matched in
// order; the first hit wins.
type Rule struct {
	Pattern  string              `yaml:"pattern"`
	Category model.ErrorCategory `yaml:"category"`
}

type compiledRule struct {
	re       *regexp.Regexp
	category model.ErrorCategory
}

// Classifier pattern-matches failure messages against the rule table.
type Classifier struct {
	rules []compiledRule
}

func NewClassifier(rules []Rule) (*Classifier, error) {
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		c.rules = append(c.rules, compiledRule{re: re, category: r.Category})
	}
	return c, nil
}

// Classify returns the first matching category, or Unknown.
func (c *Classifier) Classify(msg string) model.ErrorCategory {
	for _, r := range c.rules {
		if r.re.MatchString(msg) {
			return r.category
		}
	}
	return model.ErrCatUnknown
}

// LoadRules reads a yaml rule table. An empty path yields the defaults.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return rules, nil
}

// DefaultRules covers the failure modes generative backends actually emit.
// Order matters: timeouts before the generic transient net errors, CUDA OOM
// before generic memory pressure phrasing would miss it.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `(?i)timed? ?out|deadline exceeded`, Category: model.ErrCatTimeout},
		{Pattern: `(?i)cuda out of memory|out of memory|oom[- ]?kill|no space left|resource exhausted|too many open files`, Category: model.ErrCatResourceExhausted},
		{Pattern: `(?i)connection refused|connection reset|broken pipe|temporarily unavailable|service unavailable|unexpected eof|i/o error`, Category: model.ErrCatTransient},
		{Pattern: `(?i)invalid|validation|malformed|unsupported (format|codec|model)|bad request`, Category: model.ErrCatValidation},
		{Pattern: `(?i)not found|no such (image|file)|permission denied|unauthorized|forbidden`, Category: model.ErrCatPermanent},
	}
}
