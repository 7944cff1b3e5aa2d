package sts

import (
	"sort"
	"strings"
)

// Direction says which side of the workload a check call is for.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "inbound" and "outbound" in any case.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound":
		return DirectionInbound, true
	case "outbound":
		return DirectionOutbound, true
	}
	return DirectionUnknown, false
}

// Workload is one end of a call. A workload whose name does not follow
// the <cell>--<service> convention is outside the mesh.
type Workload struct {
	CellName       string
	WorkloadName   string
	ExternalToMesh bool
}

// ParseWorkload derives a Workload from a workload name.
func ParseWorkload(name string) Workload {
	name = strings.TrimSpace(name)
	if IsExternal(name) {
		return Workload{WorkloadName: name, ExternalToMesh: true}
	}
	cell, _, _ := strings.Cut(name, cellSeparator)
	return Workload{CellName: cell, WorkloadName: name}
}

// RequestContext describes the proxied call itself.
type RequestContext struct {
	Host     string
	Path     string
	Protocol string
	Method   string
}

// Request is the normalized form of one check call. It is not modified
// after construction.
type Request struct {
	RequestID   string
	Direction   Direction
	Source      Workload
	Destination Workload
	Context     RequestContext

	headers map[string]string
}

// NewRequest copies headers, lowercasing their names.
func NewRequest(requestID string, dir Direction, src, dst Workload, rc RequestContext, headers map[string]string) *Request {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[strings.ToLower(k)] = v
	}
	return &Request{
		RequestID:   requestID,
		Direction:   dir,
		Source:      src,
		Destination: dst,
		Context:     rc,
		headers:     h,
	}
}

// Header returns the value of the named header, or "".
func (r *Request) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// Headers returns a copy of all headers.
func (r *Request) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// Decision is the terminal outcome of a check call.
type Decision int

const (
	// DecisionOK lets the call through with the accumulated headers.
	DecisionOK Decision = iota
	// DecisionPassthrough lets the call through untouched.
	DecisionPassthrough
	// DecisionDeny rejects the call.
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionOK:
		return "ok"
	case DecisionPassthrough:
		return "passthrough"
	default:
		return "deny"
	}
}

// Header is one header to set on the proxied call.
type Header struct {
	Key   string
	Value string
}

// Response accumulates the headers to inject. Headers can be added or
// overwritten but never removed.
type Response struct {
	Decision Decision
	// Denial is set when Decision is DecisionDeny.
	Denial *Denial
	// Subject is the identity the call was decided for, when known.
	Subject string

	headers map[string]string
}

// Set sets header key (lowercased) to value.
func (r *Response) Set(key, value string) {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[strings.ToLower(key)] = value
}

// Get returns the value set for key.
func (r *Response) Get(key string) (string, bool) {
	v, ok := r.headers[strings.ToLower(key)]
	return v, ok
}

// Headers returns the accumulated headers sorted by key.
func (r *Response) Headers() []Header {
	out := make([]Header, 0, len(r.headers))
	for k, v := range r.headers {
		out = append(out, Header{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
