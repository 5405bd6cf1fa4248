// Package correlator pairs dispatched requests with their replies and
// enforces per-request deadlines.
package correlator

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Kind tags what issued the pending request.
type Kind string

const (
	KindHTTP Kind = "http"
	KindWS   Kind = "ws"
	KindMPC  Kind = "mpc"
)

// ErrTimeout completes a pending request whose deadline fired before a
// reply arrived.
var ErrTimeout = errors.New("request timed out")

// Result is what a pending request resolves to.
type Result struct {
	Status      int
	ContentType string
	Payload     json.RawMessage
	Err         error
}

type pending struct {
	kind  Kind
	ch    chan Result
	timer *time.Timer
}

// Correlator maps request ids to pending one-shot reply sinks. Exactly
// one of reply or timeout completes each entry; late or duplicate
// completions are discarded. No entry outlives its deadline.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func New() *Correlator {
	return &Correlator{pending: make(map[string]*pending)}
}

// Create registers a pending request under id and arms its deadline.
// The returned channel delivers exactly one Result.
func (c *Correlator) Create(id string, kind Kind, timeout time.Duration) <-chan Result {
	p := &pending{kind: kind, ch: make(chan Result, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		c.complete(id, Result{Err: ErrTimeout}, false)
	})

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p.ch
}

// Complete fulfils the pending request, if it still exists. Unknown ids
// are dropped silently; this is the normal fate of a reply arriving
// after its timeout.
func (c *Correlator) Complete(id string, res Result) bool {
	return c.complete(id, res, true)
}

func (c *Correlator) complete(id string, res Result, cancelTimer bool) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if cancelTimer {
		p.timer.Stop()
	}
	p.ch <- res
	return true
}

// Kind returns the kind of a still-pending request.
func (c *Correlator) Kind(id string) (Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return "", false
	}
	return p.kind, true
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Drop removes a pending request without completing it, for callers
// that abandoned the wait themselves.
func (c *Correlator) Drop(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}
