package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/moonkev/tenantroute/internal/routing"
)

// Options configures a Handler
type Options struct {
	Name               string // proxy name used in logs
	InsecureSkipVerify bool   // skip upstream certificate verification
	DialTimeout        time.Duration
}

type targetKey struct{}

// Handler forwards each request to the upstream chosen by its Selector.
// Selection failures and upstream errors are answered with 502 Bad Gateway.
type Handler struct {
	name       string
	selector   *routing.Selector
	proxy      *httputil.ReverseProxy
	base       *http.Transport
	insecure   bool
	transports sync.Map // sni -> *http.Transport
}

func NewHandler(selector *routing.Selector, opts Options) *Handler {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext
	base.Proxy = nil

	h := &Handler{
		name:     opts.Name,
		selector: selector,
		base:     base,
		insecure: opts.InsecureSkipVerify,
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      rewrite,
		Transport:    h,
		ErrorHandler: h.upstreamError,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	target, err := h.selector.Select(routing.RequestFromHTTP(r))
	if err != nil {
		http.Error(rec, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		h.logAccess(r, rec.status, "", start)
		return
	}

	ctx := context.WithValue(r.Context(), targetKey{}, target)
	h.proxy.ServeHTTP(rec, r.WithContext(ctx))
	h.logAccess(r, rec.status, target.Address, start)
}

// rewrite points the outbound request at the selected target and keeps the client's Host
func rewrite(pr *httputil.ProxyRequest) {
	target, _ := pr.In.Context().Value(targetKey{}).(routing.Target)
	scheme := "http"
	if target.TLS {
		scheme = "https"
	}
	pr.SetURL(&url.URL{Scheme: scheme, Host: target.Address})
	pr.SetXForwarded()
	pr.Out.Host = pr.In.Host
}

// RoundTrip sends TLS upstreams through a transport dedicated to their SNI
func (h *Handler) RoundTrip(req *http.Request) (*http.Response, error) {
	target, _ := req.Context().Value(targetKey{}).(routing.Target)
	if !target.TLS {
		return h.base.RoundTrip(req)
	}
	return h.tlsTransport(target.SNI).RoundTrip(req)
}

func (h *Handler) tlsTransport(sni string) *http.Transport {
	if t, ok := h.transports.Load(sni); ok {
		return t.(*http.Transport)
	}
	t := h.base.Clone()
	t.TLSClientConfig = &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: h.insecure,
		MinVersion:         tls.VersionTLS12,
	}
	actual, _ := h.transports.LoadOrStore(sni, t)
	return actual.(*http.Transport)
}

func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		slog.Debug("Client went away", "proxy", h.name, "path", r.URL.Path)
	} else {
		target, _ := r.Context().Value(targetKey{}).(routing.Target)
		slog.Warn("Upstream request failed",
			"proxy", h.name,
			"upstream", target.String(),
			"error", err)
	}
	w.WriteHeader(http.StatusBadGateway)
}

func (h *Handler) logAccess(r *http.Request, status int, upstream string, start time.Time) {
	slog.Info("request",
		"proxy", h.name,
		"method", r.Method,
		"path", r.URL.RequestURI(),
		"host", r.Host,
		"status", status,
		"upstream", upstream,
		"duration", time.Since(start))
}

// Close releases idle upstream connections
func (h *Handler) Close() {
	h.base.CloseIdleConnections()
	h.transports.Range(func(_, v any) bool {
		v.(*http.Transport).CloseIdleConnections()
		return true
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader && code >= http.StatusOK {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// ProbeHandler answers liveness probes with 200 and an empty body
func ProbeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
