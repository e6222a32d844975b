package routing

import (
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// hostHeader is the name under which Request.Host is offered to header conditions
const hostHeader = "host"

// Request is the read-only view of an inbound request used for selection
type Request struct {
	Method       string
	PathAndQuery string
	Host         string
	Header       http.Header
}

// RequestFromHTTP builds a selection view over r without copying its headers
func RequestFromHTTP(r *http.Request) *Request {
	return &Request{
		Method:       r.Method,
		PathAndQuery: r.URL.RequestURI(),
		Host:         r.Host,
		Header:       r.Header,
	}
}

// anyHeader calls fn for every (name, value) pair on the request, the host first,
// and stops as soon as fn returns true.
func (r *Request) anyHeader(fn func(name, value string) bool) bool {
	if r.Host != "" && fn(hostHeader, r.Host) {
		return true
	}
	for name, values := range r.Header {
		for _, v := range values {
			if fn(name, v) {
				return true
			}
		}
	}
	return false
}

func decodeHeaderValue(name, value string) (string, error) {
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", &HeaderDecodeError{Name: name}
	}
	return value, nil
}
