package routing

import (
	"errors"
	"fmt"
)

// Target is the upstream a request is forwarded to
type Target struct {
	Address string
	TLS     bool
	SNI     string
}

func (t Target) String() string {
	if t.TLS {
		return fmt.Sprintf("%s (tls, sni=%q)", t.Address, t.SNI)
	}
	return t.Address
}

// Tenant is a named routing target with its own rules. Tenants are immutable.
type Tenant struct {
	key    string
	target Target
	rules  RuleSet
}

func NewTenant(key string, target Target, rules RuleSet) (*Tenant, error) {
	if key == "" {
		return nil, &ConfigParseError{Err: errors.New("tenant key must not be empty")}
	}
	if target.Address == "" {
		return nil, MissingField(key, "endpoint")
	}
	return &Tenant{key: key, target: target, rules: rules}, nil
}

func (t *Tenant) Key() string      { return t.key }
func (t *Tenant) Target() Target   { return t.target }
func (t *Tenant) RuleSet() RuleSet { return t.rules }

func (t *Tenant) IsHit(req *Request) bool {
	return t.rules.IsHit(req)
}

// Registry is an ordered, immutable set of tenants. Order decides ties.
type Registry struct {
	tenants []*Tenant
}

// NewRegistry keeps the given order and rejects nil entries and duplicate keys
func NewRegistry(tenants ...*Tenant) (*Registry, error) {
	seen := make(map[string]struct{}, len(tenants))
	for i, t := range tenants {
		if t == nil {
			return nil, &ConfigParseError{Field: fmt.Sprintf("tenants[%d]", i), Err: errors.New("nil tenant")}
		}
		if _, dup := seen[t.key]; dup {
			return nil, &ConfigParseError{Tenant: t.key, Err: errors.New("duplicate tenant key")}
		}
		seen[t.key] = struct{}{}
	}
	return &Registry{tenants: append([]*Tenant(nil), tenants...)}, nil
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tenants)
}

func (r *Registry) Tenants() []*Tenant {
	if r == nil {
		return nil
	}
	return append([]*Tenant(nil), r.tenants...)
}

// Match returns the first tenant whose rules hit and the number of tenants evaluated
func (r *Registry) Match(req *Request) (*Tenant, int) {
	if r == nil {
		return nil, 0
	}
	for i, t := range r.tenants {
		if t.IsHit(req) {
			return t, i + 1
		}
	}
	return nil, len(r.tenants)
}
