package application

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/AzielCF/az-dispatch/autoreply/domain"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Matcher evaluates rules against incoming text. Compiled patterns are kept
// in a cache keyed by pattern; the result depends only on its inputs.
type Matcher struct {
	patterns *cache.Cache
}

func NewMatcher() *Matcher {
	return &Matcher{patterns: cache.New(30*time.Minute, 10*time.Minute)}
}

var defaultMatcher = NewMatcher()

// Match returns the first rule that fires, using a shared pattern cache.
func Match(rules []domain.Rule, text string) (*domain.Rule, bool) {
	return defaultMatcher.Match(rules, text)
}

// Match keeps the active rules, orders them by priority (highest first) then
// age then id, and returns the first whose trigger matches text. Rules with
// a broken pattern are logged and skipped.
func (m *Matcher) Match(rules []domain.Rule, text string) (*domain.Rule, bool) {
	ordered := Ordered(rules)
	for i := range ordered {
		ok, err := m.matches(ordered[i], text)
		if err != nil {
			logrus.WithError(err).WithField("rule_id", ordered[i].ID).Warn("[AUTOREPLY] Skipping rule")
			continue
		}
		if ok {
			return &ordered[i], true
		}
	}
	return nil, false
}

// Ordered returns the active rules in evaluation order without touching the
// input slice.
func Ordered(rules []domain.Rule) []domain.Rule {
	out := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (m *Matcher) matches(r domain.Rule, text string) (bool, error) {
	switch r.TriggerType {
	case domain.TriggerExact:
		return strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(r.TriggerValue)), nil
	case domain.TriggerContains:
		value := strings.ToLower(r.TriggerValue)
		return value != "" && strings.Contains(strings.ToLower(text), value), nil
	case domain.TriggerKeyword:
		value := strings.TrimSpace(r.TriggerValue)
		if value == "" {
			return false, nil
		}
		re, err := m.compile(r.ID, `(?i)\b`+regexp.QuoteMeta(value)+`\b`)
		if err != nil {
			return false, err
		}
		return re.MatchString(text), nil
	case domain.TriggerRegex:
		re, err := m.compile(r.ID, r.TriggerValue)
		if err != nil {
			return false, err
		}
		return re.MatchString(text), nil
	case domain.TriggerAll:
		return true, nil
	}
	return false, nil
}

func (m *Matcher) compile(ruleID, pattern string) (*regexp.Regexp, error) {
	if cached, ok := m.patterns.Get(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &pkgError.RuleCompilationError{RuleID: ruleID, Pattern: pattern, Err: err}
	}
	m.patterns.Set(pattern, re, cache.DefaultExpiration)
	return re, nil
}

// Render fills the reply placeholders.
func Render(text, contactName, incoming string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return strings.NewReplacer(
		"{{contact_name}}", contactName,
		"{{message}}", incoming,
	).Replace(text)
}
