package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/moonkev/tenantroute/internal/routing"
)

// BuildRegistry builds the tenants of a proxy in document order. The first
// malformed entry fails the whole build.
func BuildRegistry(p ProxyConfig) (*routing.Registry, error) {
	tenants := make([]*routing.Tenant, 0, len(p.Bridges))
	for _, b := range p.Bridges {
		t, err := BuildTenant(b.Key, b.Bridge, p.TLS)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return routing.NewRegistry(tenants...)
}

// BuildTenant compiles one bridge. tls and sni default to the listener settings.
func BuildTenant(key string, b Bridge, listener TLSConfig) (*routing.Tenant, error) {
	if b.Endpoint == "" {
		return nil, routing.MissingField(key, "endpoint")
	}
	if _, _, err := net.SplitHostPort(b.Endpoint); err != nil {
		return nil, &routing.ConfigParseError{Tenant: key, Field: "endpoint", Err: err}
	}

	target := routing.Target{Address: b.Endpoint, TLS: listener.Enabled(), SNI: listener.SNI}
	if b.TLS != nil {
		target.TLS = *b.TLS
	}
	if b.SNI != nil {
		target.SNI = *b.SNI
	}

	groups := make([]routing.AndGroup, 0, len(b.Rules))
	for i, rule := range b.Rules {
		field := fmt.Sprintf("rules[%d].match", i)
		if len(rule.Match) == 0 {
			return nil, &routing.ConfigParseError{Tenant: key, Field: field, Err: errors.New("match list must not be empty")}
		}
		conds := make([]routing.Condition, 0, len(rule.Match))
		for j, entry := range rule.Match {
			cond, err := buildCondition(entry, key, fmt.Sprintf("%s[%d]", field, j))
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		groups = append(groups, routing.NewAndGroup(conds...))
	}

	return routing.NewTenant(key, target, routing.NewRuleSet(groups...))
}

func buildCondition(entry MatchEntry, key, field string) (routing.Condition, error) {
	switch {
	case entry.MatchPath != nil && entry.MatchHeader != nil:
		return routing.Condition{}, &routing.ConfigParseError{
			Tenant: key, Field: field,
			Err: errors.New("entry sets both matchPath and matchHeader"),
		}

	case entry.MatchPath != nil:
		m := entry.MatchPath
		field += ".matchPath"
		if m.Path == nil {
			return routing.Condition{}, routing.MissingField(key, field+".path")
		}
		mt, err := routing.ParseMatchType(m.Type)
		if err != nil {
			return routing.Condition{}, &routing.ConfigParseError{Tenant: key, Field: field + ".type", Err: err}
		}
		c, err := routing.NewPathCondition(*m.Path, mt)
		if err != nil {
			return routing.Condition{}, &routing.ConfigParseError{Tenant: key, Field: field + ".path", Err: err}
		}
		return routing.PathMatch(c), nil

	case entry.MatchHeader != nil:
		m := entry.MatchHeader
		field += ".matchHeader"
		if m.Name == nil {
			return routing.Condition{}, routing.MissingField(key, field+".name")
		}
		if m.Value == nil {
			return routing.Condition{}, routing.MissingField(key, field+".value")
		}
		mt, err := routing.ParseMatchType(m.Type)
		if err != nil {
			return routing.Condition{}, &routing.ConfigParseError{Tenant: key, Field: field + ".type", Err: err}
		}
		c, err := routing.NewHeaderCondition(*m.Name, *m.Value, mt)
		if err != nil {
			return routing.Condition{}, &routing.ConfigParseError{Tenant: key, Field: field, Err: err}
		}
		return routing.HeaderMatch(c), nil

	default:
		return routing.Condition{}, &routing.ConfigParseError{
			Tenant: key, Field: field,
			Err: errors.New("entry sets neither matchPath nor matchHeader"),
		}
	}
}
