package pioneeravr

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CommandItem is one unit of work submitted to the queue: a registered
// mnemonic (or, prefixed with "_", a locally-handled pseudo-command), its
// zone and arguments, and the scheduling hints that govern how it
// interacts with whatever else is already queued (spec §3, §4.6).
type CommandItem struct {
	Name string
	Zone Zone
	Args []any

	// QueueID identifies which logical queue this item belongs to: 0 for
	// the main command queue, non-zero for a delayed/background queue
	// (spec §3). It is populated automatically from the lane passed to
	// Enqueue when left zero.
	QueueID int

	// InsertAt positions the item within its lane instead of appending it:
	// 0 means append (the default); a positive value N inserts before the
	// item at 0-based index N; a negative value N inserts at head-index (-N - 1), so
	// -1 inserts at the very head. Used by the facade to push a chained
	// follow-up (e.g. the volume_step_only expansion, or power_on's
	// volume-bounce) at the head of the active queue so it runs
	// immediately after the command that triggered it (spec §4.6).
	InsertAt int

	// Dedup, when non-empty, causes Enqueue to drop this item if an
	// identical (Dedup, Zone) pair is already queued ahead of it, per the
	// "skip-rules" in spec §4.6 (e.g. repeated volume_up while one is
	// already pending).
	Dedup string

	// SkipIfQueued, when true, drops this item if an item with the same
	// (Name, Zone, Args) is already queued ahead of it in the same lane,
	// independent of any Dedup tag. This realizes spec §4.6's
	// skip_if_queued for idempotent user commands (two power_on(Main)
	// calls collapse to one outbound frame).
	SkipIfQueued *bool

	// SkipIfStarting, when true, drops this item outright while the
	// session is still in its starting state (spec §4.6).
	SkipIfStarting *bool

	// SkipIfRefreshing, when true, drops this item if the Updater already
	// has a refresh in flight for this item's zone (spec §4.6).
	SkipIfRefreshing *bool

	resultCh chan commandResult
}

type commandResult struct {
	line string
	err  error
}

// LocalCommandFunc executes a "_"-prefixed pseudo-command entirely within
// the process, without writing anything to the wire (spec §4.6). Queue
// itself knows nothing about what any pseudo-command does; Updater and the
// facade register concrete handlers at construction time, the same
// core-provides-abstraction shape as CodeRegistry's pluggable commands and
// decoders.
type LocalCommandFunc func(ctx context.Context, item *CommandItem) commandResult

// QueueLane selects one of the scheduler's independent FIFOs (spec §4.6):
// user-issued commands take priority over poll-issued refreshes so an
// interactive volume change is never stuck behind a scan sweep.
type QueueLane int

const (
	// LaneUser carries facade-issued commands.
	LaneUser QueueLane = iota
	// LanePoll carries Updater-issued refresh queries.
	LanePoll
)

// Queue is C6: a multi-lane FIFO command scheduler that enforces
// command_delay between consecutive sends, applies the skip-rules and
// insertion hints on CommandItem, dispatches "_"-prefixed pseudo-commands
// locally, and executes everything else by sending its wire frame and
// awaiting the matching response via Responder.
//
// Grounded on the teacher's decoder_spawner.go worker-pool shape (single
// goroutine pulling work off a channel and executing it serially),
// generalized from "spawn one decoder process per channel" to "execute
// one AVR command at a time across two priority lanes", since the wire
// protocol forbids overlapping in-flight commands (spec §5: "at most one
// command in flight").
type Queue struct {
	registry *CodeRegistry
	conn     *Connection
	resp     *Responder
	params   *Params

	mu         sync.Mutex
	lanes      map[QueueLane][]*CommandItem
	local      map[string]LocalCommandFunc
	activeLane QueueLane
	active     bool

	startingProbe   func() bool
	refreshingProbe func(Zone) bool

	wake chan struct{}
}

// NewQueue constructs a Queue wired to registry, conn, resp and params.
// Call Run to start its executor goroutine.
func NewQueue(registry *CodeRegistry, conn *Connection, resp *Responder, params *Params) *Queue {
	return &Queue{
		registry: registry,
		conn:     conn,
		resp:     resp,
		params:   params,
		lanes:    map[QueueLane][]*CommandItem{},
		local:    map[string]LocalCommandFunc{},
		wake:     make(chan struct{}, 1),
	}
}

// RegisterLocalCommand installs fn as the handler for the "_"-prefixed
// pseudo-command name (spec §4.6). Registering the same name twice
// replaces the previous handler.
func (q *Queue) RegisterLocalCommand(name string, fn LocalCommandFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.local[name] = fn
}

// SetStartingProbe installs the predicate Enqueue consults for
// SkipIfStarting items (spec §4.6); typically wired to Session.State.
func (q *Queue) SetStartingProbe(fn func() bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startingProbe = fn
}

// SetRefreshingProbe installs the predicate Enqueue consults for
// SkipIfRefreshing items (spec §4.6); typically wired to the Updater's
// per-zone refresh-in-flight tracking.
func (q *Queue) SetRefreshingProbe(fn func(Zone) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refreshingProbe = fn
}

func boolPtrTrue(p *bool) bool { return p != nil && *p }

func argsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Enqueue adds item to lane and returns a channel that receives the
// decoded response line (or "" for fire-and-forget commands) once
// executed.
//
// Before appending, Enqueue applies item's skip-rules in order:
// SkipIfStarting and SkipIfRefreshing can drop the item outright (the
// returned channel then yields a zero-value result immediately, since
// nothing was, or will be, queued on its behalf); Dedup and SkipIfQueued
// can instead fold it into an already-queued equivalent, so duplicate
// callers share one execution (spec §4.6).
func (q *Queue) Enqueue(lane QueueLane, item *CommandItem) <-chan commandResult {
	item.resultCh = make(chan commandResult, 1)
	if item.QueueID == 0 {
		item.QueueID = int(lane)
	}

	q.mu.Lock()

	if boolPtrTrue(item.SkipIfStarting) && q.startingProbe != nil && q.startingProbe() {
		q.mu.Unlock()
		item.resultCh <- commandResult{}
		return item.resultCh
	}
	if boolPtrTrue(item.SkipIfRefreshing) && q.refreshingProbe != nil && q.refreshingProbe(item.Zone) {
		q.mu.Unlock()
		item.resultCh <- commandResult{}
		return item.resultCh
	}

	skipQueued := boolPtrTrue(item.SkipIfQueued)
	if item.Dedup != "" || skipQueued {
		for _, existing := range q.lanes[lane] {
			if existing.Zone != item.Zone {
				continue
			}
			if item.Dedup != "" && existing.Dedup == item.Dedup {
				q.mu.Unlock()
				return existing.resultCh
			}
			if skipQueued && existing.Name == item.Name && argsEqual(existing.Args, item.Args) {
				q.mu.Unlock()
				return existing.resultCh
			}
		}
	}

	q.insertLocked(lane, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item.resultCh
}

func (q *Queue) insertLocked(lane QueueLane, item *CommandItem) {
	items := q.lanes[lane]
	if item.InsertAt == 0 {
		q.lanes[lane] = append(items, item)
		return
	}
	var idx int
	if item.InsertAt < 0 {
		idx = -item.InsertAt - 1
	} else {
		idx = item.InsertAt
	}
	if idx < 0 {
		idx = 0
	}
	if idx > len(items) {
		idx = len(items)
	}
	out := make([]*CommandItem, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, item)
	out = append(out, items[idx:]...)
	q.lanes[lane] = out
}

// Extend enqueues every item in items onto lane in order, returning their
// result channels in the same order (spec §4.6: extend()).
func (q *Queue) Extend(lane QueueLane, items []*CommandItem) []<-chan commandResult {
	out := make([]<-chan commandResult, len(items))
	for i, item := range items {
		out[i] = q.Enqueue(lane, item)
	}
	return out
}

// Purge drops every not-yet-executing item from every lane, failing each
// with ErrCancelled (spec §4.6: purge()).
func (q *Queue) Purge() {
	q.drainAll(ErrCancelled)
}

// Cancel does exactly what Purge does: it fails every not-yet-executing
// item with ErrCancelled (spec §4.6: cancel()). The command currently in flight on the
// wire, if any, still runs to completion or timeout; Cancel only affects
// items that have not yet started executing.
func (q *Queue) Cancel() {
	q.drainAll(ErrCancelled)
}

// Peek returns the item at position pos within lane without removing it
// (spec §4.6: peek()).
func (q *Queue) Peek(lane QueueLane, pos int) (*CommandItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.lanes[lane]
	if pos < 0 || pos >= len(items) {
		return nil, false
	}
	return items[pos], true
}

// Pop removes and returns the item at position pos within lane without
// executing it (spec §4.6: pop()).
func (q *Queue) Pop(lane QueueLane, pos int) (*CommandItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.lanes[lane]
	if pos < 0 || pos >= len(items) {
		return nil, false
	}
	item := items[pos]
	q.lanes[lane] = append(items[:pos:pos], items[pos+1:]...)
	return item, true
}

// ActiveQueue reports the lane the executor is currently servicing, and
// whether it is actively executing an item at all (spec §4.6:
// active_queue()).
func (q *Queue) ActiveQueue() (QueueLane, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeLane, q.active
}

// Schedule nudges the executor to re-check for pending work immediately,
// instead of waiting for the next natural wakeup (spec §4.6: schedule()).
func (q *Queue) Schedule() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Commands returns the mnemonics of every item currently queued, in
// (lane, position) order, for diagnostics (spec §4.6: commands()).
func (q *Queue) Commands() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, lane := range []QueueLane{LaneUser, LanePoll} {
		for _, item := range q.lanes[lane] {
			out = append(out, item.Name)
		}
	}
	return out
}

// Wait blocks until every lane is empty or ctx is cancelled (spec §4.6:
// wait()).
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		empty := true
		for _, items := range q.lanes {
			if len(items) > 0 {
				empty = false
				break
			}
		}
		q.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Run drives the executor loop until ctx is cancelled: it pops the next
// item (user lane first, then poll), executes it, waits command_delay, and
// repeats.
func (q *Queue) Run(ctx context.Context) {
	for {
		lane, item := q.popNext()
		if item == nil {
			select {
			case <-ctx.Done():
				q.drainAll(ErrCancelled)
				return
			case <-q.wake:
				continue
			}
		}

		q.mu.Lock()
		q.activeLane, q.active = lane, true
		q.mu.Unlock()

		q.execute(ctx, item)

		q.mu.Lock()
		q.active = false
		q.mu.Unlock()

		if strings.HasPrefix(item.Name, "_") {
			// Local pseudo-commands do not touch the wire, so they do not
			// owe the AVR a command_delay pause.
			continue
		}

		delay := time.Duration(q.params.GetFloat(ParamCommandDelay, 0.6) * float64(time.Second))
		select {
		case <-ctx.Done():
			q.drainAll(ErrCancelled)
			return
		case <-time.After(delay):
		}
	}
}

func (q *Queue) popNext() (QueueLane, *CommandItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range []QueueLane{LaneUser, LanePoll} {
		items := q.lanes[lane]
		if len(items) > 0 {
			q.lanes[lane] = items[1:]
			return lane, items[0]
		}
	}
	return LaneUser, nil
}

func (q *Queue) execute(ctx context.Context, item *CommandItem) {
	if strings.HasPrefix(item.Name, "_") {
		q.mu.Lock()
		fn, ok := q.local[item.Name]
		q.mu.Unlock()
		if !ok {
			item.resultCh <- commandResult{err: newValidationError("command", "unknown local command "+item.Name)}
			return
		}
		item.resultCh <- fn(ctx, item)
		return
	}

	spec, ok := q.registry.Command(item.Name)
	if !ok {
		item.resultCh <- commandResult{err: newValidationError("command", "unknown mnemonic "+item.Name)}
		return
	}

	frame, err := spec.Build(item.Zone, item.Args)
	if err != nil {
		item.resultCh <- commandResult{err: err}
		return
	}

	timeout := time.Duration(q.params.GetFloat(ParamTimeout, 5.0) * float64(time.Second))
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := q.conn.Write(frame); err != nil {
		item.resultCh <- commandResult{err: err}
		return
	}

	line, err := q.resp.Await(waitCtx, spec.ResponsePrefix)
	item.resultCh <- commandResult{line: line, err: err}
}

func (q *Queue) drainAll(err error) {
	q.mu.Lock()
	lanes := q.lanes
	q.lanes = map[QueueLane][]*CommandItem{}
	q.mu.Unlock()
	for _, items := range lanes {
		for _, item := range items {
			item.resultCh <- commandResult{err: err}
		}
	}
}
