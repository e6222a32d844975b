package routing

import (
	"fmt"
	"sync/atomic"
)

// FallbackIdentity names the fallback pool in selection events and metrics
const FallbackIdentity = "cluster-fallback"

// Outcome classifies a selection
type Outcome uint8

const (
	OutcomeTenant Outcome = iota + 1
	OutcomeFallback
	OutcomeNoUpstream
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTenant:
		return "tenant"
	case OutcomeFallback:
		return FallbackIdentity
	case OutcomeNoUpstream:
		return "no-upstream"
	default:
		return "unknown"
	}
}

// Event is emitted exactly once per Select call
type Event struct {
	Outcome Outcome
	Tenant  string // key of the matching tenant, OutcomeTenant only
	Target  Target
	Scanned int // tenants evaluated before the decision
	Tenants int // tenants in the registry
	Method  string
	Path    string
	Err     error
}

// Identity is the tenant key, FallbackIdentity, or the failure outcome
func (e Event) Identity() string {
	if e.Outcome == OutcomeTenant {
		return e.Tenant
	}
	return e.Outcome.String()
}

// Observer receives selection events. Implementations run on the request path
// and must not block.
type Observer interface {
	ObserveSelection(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) ObserveSelection(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) ObserveSelection(Event) {}

// Table is one consistent generation of routing state
type Table struct {
	Registry *Registry
	Pool     *BackendPool // nil when no fallback is configured
}

// Selector resolves requests against the current Table. Tables are replaced
// as a unit with Publish, so a request never observes a mix of two generations.
type Selector struct {
	table    atomic.Pointer[Table]
	observer Observer
}

func NewSelector(table *Table, observer Observer) *Selector {
	if observer == nil {
		observer = nopObserver{}
	}
	s := &Selector{observer: observer}
	s.Publish(table)
	return s
}

// Publish atomically replaces the routing table
func (s *Selector) Publish(table *Table) {
	if table == nil {
		table = &Table{}
	}
	s.table.Store(table)
}

func (s *Selector) Table() *Table {
	return s.table.Load()
}

// Select returns the target of the first matching tenant, else the next
// fallback backend. Failures wrap ErrNoUpstreamAvailable.
func (s *Selector) Select(req *Request) (target Target, err error) {
	table := s.table.Load()
	ev := Event{
		Method:  req.Method,
		Path:    req.PathAndQuery,
		Tenants: table.Registry.Len(),
	}
	defer func() {
		if r := recover(); r != nil {
			target = Target{}
			err = fmt.Errorf("%w: selection aborted: %v", ErrNoUpstreamAvailable, r)
			ev.Outcome, ev.Target, ev.Err = OutcomeNoUpstream, Target{}, err
		}
		s.notify(ev)
	}()

	tenant, scanned := table.Registry.Match(req)
	ev.Scanned = scanned
	if tenant != nil {
		ev.Outcome, ev.Tenant, ev.Target = OutcomeTenant, tenant.key, tenant.target
		return tenant.target, nil
	}

	if table.Pool == nil {
		ev.Outcome, ev.Err = OutcomeNoUpstream, ErrNoUpstreamAvailable
		return Target{}, ErrNoUpstreamAvailable
	}
	target, err = table.Pool.Next()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNoUpstreamAvailable, err)
		ev.Outcome, ev.Err = OutcomeNoUpstream, err
		return Target{}, err
	}
	ev.Outcome, ev.Target = OutcomeFallback, target
	return target, nil
}

// notify hands ev to the observer. A panicking observer never fails the selection.
func (s *Selector) notify(ev Event) {
	defer func() { _ = recover() }()
	s.observer.ObserveSelection(ev)
}
