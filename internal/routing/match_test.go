package routing

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pathCond(t *testing.T, pattern string, mt MatchType) PathCondition {
	t.Helper()
	c, err := NewPathCondition(pattern, mt)
	require.NoError(t, err)
	return c
}

func headerCond(t *testing.T, name, value string, mt MatchType) HeaderCondition {
	t.Helper()
	c, err := NewHeaderCondition(name, value, mt)
	require.NoError(t, err)
	return c
}

func request(path string, headers ...string) *Request {
	h := http.Header{}
	for i := 0; i+1 < len(headers); i += 2 {
		h.Add(headers[i], headers[i+1])
	}
	return &Request{Method: http.MethodGet, PathAndQuery: path, Header: h}
}

func TestParseMatchType(t *testing.T) {
	for in, want := range map[string]MatchType{"": Exact, "exact": Exact, "prefix": Prefix, "regex": Regex} {
		got, err := ParseMatchType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMatchType("glob")
	assert.Error(t, err)
}

func TestPathCondition_Exact(t *testing.T) {
	c := pathCond(t, "/a", Exact)
	assert.True(t, c.IsHit("/a"))
	assert.False(t, c.IsHit("/a?x=1"))
	assert.False(t, c.IsHit("/ab"))

	c = pathCond(t, "/my-path_123", Exact)
	assert.True(t, c.IsHit("/my-path_123"))
	assert.False(t, c.IsHit("/my-path_1234"))
	assert.False(t, c.IsHit("/my-path_123?query=1234"))
}

func TestPathCondition_Prefix(t *testing.T) {
	c := pathCond(t, "/a", Prefix)
	assert.True(t, c.IsHit("/a"))
	assert.True(t, c.IsHit("/ab"))
	assert.True(t, c.IsHit("/a/b"))
	assert.False(t, c.IsHit("/b"))

	c = pathCond(t, "/my-path_123", Prefix)
	assert.True(t, c.IsHit("/my-path_123?query=1234"))
	assert.False(t, c.IsHit("/other-path_123"))
}

func TestPathCondition_Regex(t *testing.T) {
	tests := []struct {
		pattern string
		hits    []string
		misses  []string
	}{
		{pattern: "^/[a-z]+$", hits: []string{"/abc"}, misses: []string{"/abc123", "/"}},
		{pattern: "^/", hits: []string{"/my-path_123/456", "/"}, misses: []string{"#123"}},
		{pattern: "^/[a-z0-9-.]", hits: []string{"/my-path_123/456"}, misses: []string{"/", "#123"}},
		{
			pattern: "^/[a-z0-9-.]{2,}/michael",
			hits:    []string{"/my-path/michael"},
			misses:  []string{"/m/michael", "/my-path/joe", "/", "#123"},
		},
		{
			pattern: "x-gefyra=michael",
			hits:    []string{"/my-path/?x-gefyra=michael"},
			misses:  []string{"/my-path/?x-gefyra=joe", "/", "#123"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			c := pathCond(t, tt.pattern, Regex)
			for _, p := range tt.hits {
				assert.True(t, c.IsHit(p), p)
			}
			for _, p := range tt.misses {
				assert.False(t, c.IsHit(p), p)
			}
		})
	}
}

func TestNewPathCondition_InvalidRegex(t *testing.T) {
	_, err := NewPathCondition("^/(unclosed", Regex)
	var reErr *RegexCompileError
	require.True(t, errors.As(err, &reErr))
	assert.Equal(t, "^/(unclosed", reErr.Pattern)

	_, err = NewPathCondition("^/(unclosed", Prefix)
	assert.NoError(t, err, "non-regex patterns are taken literally")

	_, err = NewPathCondition("/", MatchType(9))
	assert.Error(t, err)
}

func TestHeaderCondition_Exact(t *testing.T) {
	c := headerCond(t, "x-gefyra", "michael", Exact)
	assert.True(t, c.IsHit("x-gefyra", "michael"))
	assert.True(t, c.IsHit("X-Gefyra", "michael"), "names compare case-insensitively")
	assert.False(t, c.IsHit("g-gefyra", "michael"))
	assert.False(t, c.IsHit("x-gefyra", "michael1"))
	assert.False(t, c.IsHit("x-gefyra", "Michael"), "values compare case-sensitively")
}

func TestHeaderCondition_Prefix(t *testing.T) {
	c := headerCond(t, "x-gefyra", "michael", Prefix)
	assert.True(t, c.IsHit("x-gefyra", "michael123"))
	assert.True(t, c.IsHit("x-gefyra", "michael"))
	assert.False(t, c.IsHit("g-gefyra", "michael"))
	assert.False(t, c.IsHit("x-gefyra123", "michael"))
}

func TestHeaderCondition_Regex(t *testing.T) {
	c := headerCond(t, "x-gefyra-[a-z0-9]*", "michael[1-9]{0,2}$", Regex)
	assert.True(t, c.IsHit("x-gefyra-from123", "michael"))
	assert.True(t, c.IsHit("x-gefyra-from123", "michael12"))
	assert.True(t, c.IsHit("X-Gefyra-From123", "michael12"))
	assert.False(t, c.IsHit("x-gefyra-from123", "michael123"))
	assert.True(t, c.IsHit("x-gefyra-", "michael"))
	assert.False(t, c.IsHit("g-gefyra", "michael"))
	assert.False(t, c.IsHit("x-gefyra", "michael12"))
	assert.False(t, c.IsHit("x-gefyra123", "michael"))

	_, err := NewHeaderCondition("x-(", "v", Regex)
	assert.Error(t, err)
	_, err = NewHeaderCondition("x", "v(", Regex)
	assert.Error(t, err)
}

func TestHeaderCondition_Request(t *testing.T) {
	c := HeaderMatch(headerCond(t, "x-gefyra", "user-1", Exact))
	assert.True(t, c.IsHit(request("/", "x-gefyra", "user-1")))
	assert.False(t, c.IsHit(request("/", "x-gefyra", "user-12")))
	assert.False(t, c.IsHit(request("/")))
	assert.True(t, c.IsHit(request("/", "x-gefyra", "user-2", "x-gefyra", "user-1")), "any value of a repeated header may hit")
}

func TestHeaderCondition_Host(t *testing.T) {
	c := HeaderMatch(headerCond(t, "host", "api.example.com", Exact))
	req := request("/")
	assert.False(t, c.IsHit(req))
	req.Host = "api.example.com"
	assert.True(t, c.IsHit(req))
}

func TestHeaderCondition_UndecodableValue(t *testing.T) {
	c := HeaderMatch(headerCond(t, "x-gefyra", "user", Prefix))
	assert.False(t, c.IsHit(request("/", "x-gefyra", "user\x00-1")))
	assert.True(t, c.IsHit(request("/", "x-gefyra", "user\x00-1", "x-gefyra", "user-1")))

	_, err := decodeHeaderValue("x-gefyra", "bad\x7f")
	var decodeErr *HeaderDecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "x-gefyra", decodeErr.Name)
}

func TestCondition_ZeroValue(t *testing.T) {
	var c Condition
	assert.False(t, c.IsHit(request("/")))
	_, ok := c.Path()
	assert.False(t, ok)
	_, ok = c.Header()
	assert.False(t, ok)
}

func TestAndGroup(t *testing.T) {
	g := NewAndGroup(
		HeaderMatch(headerCond(t, "x-gefyra", "jon", Exact)),
		PathMatch(pathCond(t, "/my-path_123", Exact)),
	)

	assert.False(t, g.IsHit(request("/my-path_123")), "header missing")
	assert.False(t, g.IsHit(request("/always", "x-gefyra", "jon")), "path misses")
	assert.False(t, g.IsHit(request("/never", "x-gefyra", "balu")), "both miss")
	assert.True(t, g.IsHit(request("/my-path_123", "x-gefyra", "jon")))

	assert.True(t, NewAndGroup().IsHit(request("/anything")), "an empty group is vacuously true")
}

func TestRuleSet(t *testing.T) {
	andA := NewAndGroup(
		HeaderMatch(headerCond(t, "x-gefyra", "jon", Exact)),
		PathMatch(pathCond(t, "/my-path_123", Exact)),
	)
	andB := NewAndGroup(PathMatch(pathCond(t, "/always", Exact)))
	rs := NewRuleSet(andA, andB)

	assert.True(t, rs.IsHit(request("/my-path_123", "x-gefyra", "jon")))
	assert.True(t, rs.IsHit(request("/always")), "satisfying only the second group hits")
	assert.False(t, rs.IsHit(request("/never", "x-gefyra", "balu")))

	assert.False(t, NewRuleSet().IsHit(request("/always")), "an empty rule set never hits")
	assert.Equal(t, 2, rs.Len())
}

func TestRuleSet_ImmutableAccessors(t *testing.T) {
	g := NewAndGroup(PathMatch(pathCond(t, "/a", Exact)))
	conds := g.Conditions()
	conds[0] = PathMatch(pathCond(t, "/b", Exact))
	assert.True(t, g.IsHit(request("/a")))

	rs := NewRuleSet(g)
	groups := rs.Groups()
	groups[0] = NewAndGroup(PathMatch(pathCond(t, "/b", Exact)))
	assert.True(t, rs.IsHit(request("/a")))
}
