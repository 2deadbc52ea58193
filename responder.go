package pioneeravr

import (
	"context"
	"strings"
	"sync"
)

// pendingWait is one in-flight command awaiting a response line whose
// prefix matches expectedPrefix.
type pendingWait struct {
	expectedPrefix string
	result         chan responderResult
}

type responderResult struct {
	line string
	err  error
}

// Responder is C5: it owns the single FIFO of pending waiters for a
// connection, hands each incoming line to the first pending waiter whose
// expected prefix matches it (if any), then also runs every line through
// the decoder registry and applies decoded frames to Properties before flushing coalesced zone
// callbacks (spec §4.5).
//
// Response-prefix matching, not echoed request ids, is how the wire
// protocol correlates replies (spec §2), so Responder must consult
// pending waiters in submission order: the oldest pending waiter whose
// prefix matches the line wins, mirroring how a human reading the stream
// would disambiguate "the response I'm waiting for" from "an unrelated
// status frame that happens to share a prefix".
//
// Grounded on the teacher's websocket_manager.go broadcast/subscriber
// loop for the single-reader-fans-out shape, generalized from "broadcast
// every message to every subscriber" to "route to at most one waiter, and
// decode every line", since the wire protocol (unlike the teacher's
// JSON broadcast channel) has no message envelope to route by.
type Responder struct {
	conn     *Connection
	registry *CodeRegistry
	props    *Properties
	params   *Params

	mu      sync.Mutex
	waiting []*pendingWait

	avrErrListeners []func(*AvrError)
}

// NewResponder constructs a Responder wired to conn, registry, props and
// params. Call Run to start consuming conn.Lines().
func NewResponder(conn *Connection, registry *CodeRegistry, props *Properties, params *Params) *Responder {
	return &Responder{conn: conn, registry: registry, props: props, params: params}
}

// Run consumes conn.Lines() until ctx is cancelled or the channel closes.
// It should be started as its own goroutine by the facade.
func (r *Responder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.failAllPending(ErrCancelled)
			return
		case line, ok := <-r.conn.Lines():
			if !ok {
				r.failAllPending(ErrConnectionFailure)
				return
			}
			r.handleLine(line)
		}
	}
}

// Await registers a waiter for the first incoming line whose prefix
// matches expectedPrefix and blocks until it arrives, ctx is cancelled, or
// the responder is torn down. An empty expectedPrefix never matches and
// returns immediately with a nil error, for fire-and-forget commands that
// have no response to wait for.
func (r *Responder) Await(ctx context.Context, expectedPrefix string) (string, error) {
	if expectedPrefix == "" {
		return "", nil
	}

	w := &pendingWait{expectedPrefix: expectedPrefix, result: make(chan responderResult, 1)}
	r.mu.Lock()
	r.waiting = append(r.waiting, w)
	r.mu.Unlock()

	select {
	case res := <-w.result:
		return res.line, res.err
	case <-ctx.Done():
		r.removeWaiter(w)
		return "", ErrResponseTimeout
	}
}

func (r *Responder) removeWaiter(target *pendingWait) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiting {
		if w == target {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

// OnAvrError registers a listener invoked whenever an AVR error token
// (E01-E06) is seen, whether or not a command was pending (spec §7).
func (r *Responder) OnAvrError(l func(*AvrError)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avrErrListeners = append(r.avrErrListeners, l)
}

func (r *Responder) handleLine(line string) {
	trimmed := strings.TrimSpace(line)

	if msg, ok := avrErrorMessages[trimmed]; ok {
		_ = msg
		r.dispatchAvrError(trimmed)
		return
	}

	if w := r.matchPendingLocked(trimmed); w != nil {
		w.result <- responderResult{line: trimmed}
	}

	r.decodeAndFlush(trimmed)
}

// matchPendingLocked finds the oldest pending waiter whose expected prefix
// matches line, removes it from the queue, and returns it. Returns nil if
// no waiter matches; the line is still run through the decoder registry
// either way (an unsolicited frame can share a prefix with a query
// response, e.g. volume changing both because we asked and because the
// front panel did).
func (r *Responder) matchPendingLocked(line string) *pendingWait {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiting {
		if strings.HasPrefix(line, w.expectedPrefix) {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return w
		}
	}
	return nil
}

func (r *Responder) decodeAndFlush(line string) {
	decode, rest, _, ok := r.registry.MatchDecoder(line)
	if !ok {
		return
	}
	decode(rest, r.props, r.params)
	r.props.Flush()
}

// dispatchAvrError fails the oldest pending waiter, if any, with the
// reported AVR error, and notifies error listeners regardless. Only the
// head of the queue is failed: the queue (C6) serializes execution so at
// most one command is ever awaiting a response at a time in practice, and
// failing only the head preserves any later waiters queued for unrelated
// commands.
func (r *Responder) dispatchAvrError(code string) {
	r.mu.Lock()
	var head *pendingWait
	if len(r.waiting) > 0 {
		head = r.waiting[0]
		r.waiting = r.waiting[1:]
	}
	listeners := append([]func(*AvrError)(nil), r.avrErrListeners...)
	r.mu.Unlock()

	err := &AvrError{Code: code}
	if head != nil {
		head.result <- responderResult{err: err}
	}
	for _, l := range listeners {
		l(err)
	}
}

func (r *Responder) failAllPending(err error) {
	r.mu.Lock()
	waiting := r.waiting
	r.waiting = nil
	r.mu.Unlock()
	for _, w := range waiting {
		w.result <- responderResult{err: err}
	}
}
