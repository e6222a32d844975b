package routing

import (
	"slices"
	"sync/atomic"
)

// BackendPool hands out fallback backends in round-robin order without locking.
// Over k*N calls every one of the N backends is returned exactly k times.
type BackendPool struct {
	backends []string
	tls      bool
	sni      string
	cursor   atomic.Uint64
}

func NewBackendPool(backends []string, tls bool, sni string) *BackendPool {
	return &BackendPool{
		backends: append([]string(nil), backends...),
		tls:      tls,
		sni:      sni,
	}
}

func (p *BackendPool) Next() (Target, error) {
	n := uint64(len(p.backends))
	if n == 0 {
		return Target{}, ErrEmptyPool
	}
	i := p.cursor.Add(1) - 1
	return Target{Address: p.backends[i%n], TLS: p.tls, SNI: p.sni}, nil
}

func (p *BackendPool) Len() int           { return len(p.backends) }
func (p *BackendPool) TLS() bool          { return p.tls }
func (p *BackendPool) SNI() string        { return p.sni }
func (p *BackendPool) Backends() []string { return append([]string(nil), p.backends...) }

// SameAs reports whether other serves the same backends with the same TLS settings
func (p *BackendPool) SameAs(other *BackendPool) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.tls == other.tls && p.sni == other.sni && slices.Equal(p.backends, other.backends)
}
