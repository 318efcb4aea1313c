package publisher

import (
	"errors"
	"regexp"
	"strings"
)

var ErrBadPattern = errors.New("publisher: bad topic pattern")

// Subscription is one client-side topic selector. Patterns without '*'
// require exact equality; '*' substitutes for '.*' and the whole topic is
// matched as a regular expression.
type Subscription struct {
	Pattern  string
	Lossless bool

	re *regexp.Regexp // nil for exact patterns
}

// NewSubscription compiles a pattern.
func NewSubscription(pattern string, lossless bool) (Subscription, error) {
	if pattern == "" {
		return Subscription{}, ErrBadPattern
	}
	sub := Subscription{Pattern: pattern, Lossless: lossless}
	if !strings.Contains(pattern, "*") {
		return sub, nil
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return Subscription{}, ErrBadPattern
	}
	sub.re = re
	return sub, nil
}

// Matches reports whether the topic is selected by this subscription.
func (s Subscription) Matches(topic string) bool {
	if s.re != nil {
		return s.re.MatchString(topic)
	}
	return topic == s.Pattern
}
