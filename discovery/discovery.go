/*
Package discovery holds the endpoint lookup contract of the HTTP master. A Locator is asked once
per dispatch; it may answer differently every time and is never cached by its users.
*/
package discovery

import (
	"context"
	"sync/atomic"
)

// Info describes one endpoint.
type Info struct {
	// Base URI of the worker, e.g. "http://10.0.0.7:8080/routines".
	URI string
}

// A Locator finds an endpoint to dispatch to. ok is false if none is available.
type Locator interface {
	Locate(ctx context.Context) (info Info, ok bool)
}

// LocatorFunc adapts a function to a Locator.
type LocatorFunc func(ctx context.Context) (Info, bool)

func (f LocatorFunc) Locate(ctx context.Context) (Info, bool) {
	return f(ctx)
}

type static struct {
	info Info
}

// Static always returns uri. An empty uri means no endpoint is available.
func Static(uri string) Locator {
	return static{info: Info{URI: uri}}
}

func (s static) Locate(context.Context) (Info, bool) {
	return s.info, s.info.URI != ""
}

// RoundRobin cycles through a fixed list of endpoints. It is safe for concurrent use.
type RoundRobin struct {
	uris []string
	next atomic.Uint64
}

func NewRoundRobin(uris ...string) *RoundRobin {
	return &RoundRobin{uris: append([]string(nil), uris...)}
}

func (r *RoundRobin) Locate(context.Context) (Info, bool) {
	if len(r.uris) == 0 {
		return Info{}, false
	}
	i := r.next.Add(1) - 1
	return Info{URI: r.uris[i%uint64(len(r.uris))]}, true
}
