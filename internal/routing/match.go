package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchType selects how a condition compares its pattern
type MatchType uint8

const (
	Exact MatchType = iota
	Prefix
	Regex
)

func (m MatchType) String() string {
	switch m {
	case Exact:
		return "exact"
	case Prefix:
		return "prefix"
	case Regex:
		return "regex"
	default:
		return fmt.Sprintf("MatchType(%d)", uint8(m))
	}
}

// ParseMatchType maps the configuration spelling to a MatchType. The empty string is Exact.
func ParseMatchType(s string) (MatchType, error) {
	switch s {
	case "", "exact":
		return Exact, nil
	case "prefix":
		return Prefix, nil
	case "regex":
		return Regex, nil
	default:
		return Exact, fmt.Errorf("unknown match type %q (want exact, prefix or regex)", s)
	}
}

func (m MatchType) valid() bool {
	return m <= Regex
}

func compilePattern(pattern string, foldCase bool) (*regexp.Regexp, error) {
	expr := pattern
	if foldCase {
		expr = "(?i)" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &RegexCompileError{Pattern: pattern, Err: err}
	}
	return re, nil
}

// PathCondition matches the request's path-and-query string.
// Regex patterns are searched, not anchored.
type PathCondition struct {
	pattern   string
	matchType MatchType
	re        *regexp.Regexp
}

// NewPathCondition validates the match type and precompiles regex patterns
func NewPathCondition(pattern string, matchType MatchType) (PathCondition, error) {
	if !matchType.valid() {
		return PathCondition{}, fmt.Errorf("unknown match type %v", matchType)
	}
	c := PathCondition{pattern: pattern, matchType: matchType}
	if matchType == Regex {
		re, err := compilePattern(pattern, false)
		if err != nil {
			return PathCondition{}, err
		}
		c.re = re
	}
	return c, nil
}

func (c PathCondition) Pattern() string      { return c.pattern }
func (c PathCondition) MatchType() MatchType { return c.matchType }

func (c PathCondition) IsHit(pathAndQuery string) bool {
	switch c.matchType {
	case Prefix:
		return strings.HasPrefix(pathAndQuery, c.pattern)
	case Regex:
		return c.re.MatchString(pathAndQuery)
	default:
		return c.pattern == pathAndQuery
	}
}

// HeaderCondition matches a single header. Header names compare case-insensitively
// (regex name patterns are compiled with (?i)); values compare case-sensitively.
type HeaderCondition struct {
	name      string
	value     string
	matchType MatchType
	nameRe    *regexp.Regexp
	valueRe   *regexp.Regexp
}

// NewHeaderCondition validates the match type and precompiles both regex patterns
func NewHeaderCondition(name, value string, matchType MatchType) (HeaderCondition, error) {
	if !matchType.valid() {
		return HeaderCondition{}, fmt.Errorf("unknown match type %v", matchType)
	}
	c := HeaderCondition{name: name, value: value, matchType: matchType}
	if matchType == Regex {
		var err error
		if c.nameRe, err = compilePattern(name, true); err != nil {
			return HeaderCondition{}, err
		}
		if c.valueRe, err = compilePattern(value, false); err != nil {
			return HeaderCondition{}, err
		}
	}
	return c, nil
}

func (c HeaderCondition) Name() string         { return c.name }
func (c HeaderCondition) Value() string        { return c.value }
func (c HeaderCondition) MatchType() MatchType { return c.matchType }

// IsHit reports whether a single header satisfies the condition
func (c HeaderCondition) IsHit(name, value string) bool {
	return c.matchesName(name) && c.matchesValue(value)
}

func (c HeaderCondition) matchesName(name string) bool {
	if c.matchType == Regex {
		return c.nameRe.MatchString(name)
	}
	return strings.EqualFold(c.name, name)
}

func (c HeaderCondition) matchesValue(value string) bool {
	switch c.matchType {
	case Prefix:
		return strings.HasPrefix(value, c.value)
	case Regex:
		return c.valueRe.MatchString(value)
	default:
		return c.value == value
	}
}

// hitsRequest reports whether any header on req satisfies the condition.
// Headers whose value cannot be decoded never match.
func (c HeaderCondition) hitsRequest(req *Request) bool {
	return req.anyHeader(func(name, value string) bool {
		if !c.matchesName(name) {
			return false
		}
		v, err := decodeHeaderValue(name, value)
		if err != nil {
			return false
		}
		return c.matchesValue(v)
	})
}

// ConditionKind tags the variant held by a Condition
type ConditionKind uint8

const (
	PathKind ConditionKind = iota + 1
	HeaderKind
)

// Condition is a tagged union of PathCondition and HeaderCondition.
// The zero Condition never hits.
type Condition struct {
	kind   ConditionKind
	path   PathCondition
	header HeaderCondition
}

func PathMatch(c PathCondition) Condition {
	return Condition{kind: PathKind, path: c}
}

func HeaderMatch(c HeaderCondition) Condition {
	return Condition{kind: HeaderKind, header: c}
}

func (c Condition) Kind() ConditionKind { return c.kind }

// Path returns the path variant; ok is false for header conditions
func (c Condition) Path() (PathCondition, bool) {
	return c.path, c.kind == PathKind
}

// Header returns the header variant; ok is false for path conditions
func (c Condition) Header() (HeaderCondition, bool) {
	return c.header, c.kind == HeaderKind
}

func (c Condition) IsHit(req *Request) bool {
	switch c.kind {
	case PathKind:
		return c.path.IsHit(req.PathAndQuery)
	case HeaderKind:
		return c.header.hitsRequest(req)
	default:
		return false
	}
}

// AndGroup hits when every condition hits. An empty group always hits.
type AndGroup struct {
	conditions []Condition
}

func NewAndGroup(conditions ...Condition) AndGroup {
	return AndGroup{conditions: append([]Condition(nil), conditions...)}
}

func (g AndGroup) Conditions() []Condition {
	return append([]Condition(nil), g.conditions...)
}

func (g AndGroup) IsHit(req *Request) bool {
	for i := range g.conditions {
		if !g.conditions[i].IsHit(req) {
			return false
		}
	}
	return true
}

// RuleSet hits when any group hits. An empty RuleSet never hits.
type RuleSet struct {
	groups []AndGroup
}

func NewRuleSet(groups ...AndGroup) RuleSet {
	return RuleSet{groups: append([]AndGroup(nil), groups...)}
}

func (r RuleSet) Groups() []AndGroup {
	return append([]AndGroup(nil), r.groups...)
}

func (r RuleSet) Len() int { return len(r.groups) }

func (r RuleSet) IsHit(req *Request) bool {
	for i := range r.groups {
		if r.groups[i].IsHit(req) {
			return true
		}
	}
	return false
}
