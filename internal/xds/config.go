package xds

import (
	"errors"
	"fmt"
	"strings"

	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	matcher "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/moonkev/tenantroute/internal/routing"
)

// ReferenceNodeID holds the latest snapshot; nodes get a copy on their first request
const ReferenceNodeID = "__REFERENCE_SNAPSHOT__"

// Config holds the snapshot manager settings
type Config struct {
	Cache         cachev3.SnapshotCache
	ListenAddress string // address Envoy listeners bind to, defaults to 0.0.0.0
}

var errUntranslatable = errors.New("condition has no Envoy route equivalent")

// routeForGroup turns one AndGroup into a route. Every condition becomes a
// header matcher; path conditions match the :path pseudo header, which carries
// the query string just like routing.Request.PathAndQuery.
func routeForGroup(g routing.AndGroup, cluster string) (*route.Route, error) {
	match := &route.RouteMatch{
		PathSpecifier: &route.RouteMatch_Prefix{Prefix: "/"},
	}
	for _, c := range g.Conditions() {
		hm, err := headerMatcherFor(c)
		if err != nil {
			return nil, err
		}
		match.Headers = append(match.Headers, hm)
	}
	return &route.Route{
		Match: match,
		Action: &route.Route_Route{Route: &route.RouteAction{
			ClusterSpecifier: &route.RouteAction_Cluster{Cluster: cluster},
		}},
	}, nil
}

// catchAllRoute sends everything that reached it to cluster
func catchAllRoute(cluster string) *route.Route {
	return &route.Route{
		Match: &route.RouteMatch{PathSpecifier: &route.RouteMatch_Prefix{Prefix: "/"}},
		Action: &route.Route_Route{Route: &route.RouteAction{
			ClusterSpecifier: &route.RouteAction_Cluster{Cluster: cluster},
		}},
	}
}

func headerMatcherFor(c routing.Condition) (*route.HeaderMatcher, error) {
	if p, ok := c.Path(); ok {
		return stringHeaderMatcher(":path", p.Pattern(), p.MatchType()), nil
	}
	if h, ok := c.Header(); ok {
		if h.MatchType() == routing.Regex {
			// Envoy matches header names literally
			return nil, fmt.Errorf("%w: regex header name %q", errUntranslatable, h.Name())
		}
		return stringHeaderMatcher(envoyHeaderName(h.Name()), h.Value(), h.MatchType()), nil
	}
	return nil, errUntranslatable
}

func envoyHeaderName(name string) string {
	name = strings.ToLower(name)
	if name == "host" {
		return ":authority"
	}
	return name
}

func stringHeaderMatcher(name, pattern string, mt routing.MatchType) *route.HeaderMatcher {
	if mt == routing.Prefix && pattern == "" {
		return &route.HeaderMatcher{
			Name:                 name,
			HeaderMatchSpecifier: &route.HeaderMatcher_PresentMatch{PresentMatch: true},
		}
	}

	var sm *matcher.StringMatcher
	switch mt {
	case routing.Prefix:
		sm = &matcher.StringMatcher{MatchPattern: &matcher.StringMatcher_Prefix{Prefix: pattern}}
	case routing.Regex:
		// Envoy regexes must match the whole value; routing regexes search
		sm = &matcher.StringMatcher{MatchPattern: &matcher.StringMatcher_SafeRegex{
			SafeRegex: &matcher.RegexMatcher{Regex: ".*(?:" + pattern + ").*"},
		}}
	default:
		sm = &matcher.StringMatcher{MatchPattern: &matcher.StringMatcher_Exact{Exact: pattern}}
	}
	return &route.HeaderMatcher{
		Name:                 name,
		HeaderMatchSpecifier: &route.HeaderMatcher_StringMatch{StringMatch: sm},
	}
}
