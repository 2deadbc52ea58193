package pioneeravr

import (
	"context"
	"sync"
	"time"
)

// delayedRefreshDelay, delayedQueryBasicDelay are the fixed pauses behind
// the _delayed_refresh_zone and _delayed_query_basic pseudo-commands
// (spec §4.6/§4.7): long enough that a device which just changed state has
// settled before it is re-queried.
const (
	delayedRefreshDelay    = 2 * time.Second
	delayedQueryBasicDelay = 2 * time.Second
)

// Updater is C7: drives periodic refresh of zone state, reacts to
// reconnects by re-querying everything once, and supplies the concrete
// handlers behind the queue's local "_"-prefixed pseudo-commands. It
// issues its queries on the poll lane, so an interactive command issued
// while a scan sweep is in flight still jumps ahead of it (spec §4.6).
//
// Grounded on the teacher's websocket_manager.go reconnect/poll goroutine
// (time.Ticker driven, cancellable via a done channel), generalized from
// "poll one fixed endpoint" to "poll every detected zone's scalar
// properties on a model-configurable interval, plus an immediate refresh
// on (re)connect".
type Updater struct {
	queue  *Queue
	params *Params
	props  *Properties
	conn   *Connection

	refreshingMu sync.Mutex
	refreshing   map[Zone]bool
}

// NewUpdater constructs an Updater wired to queue, params, props and conn.
// It registers its pseudo-command handlers on queue and the power-on
// transition listener on props immediately, so Run need not be started for
// those hooks to take effect.
func NewUpdater(queue *Queue, params *Params, props *Properties, conn *Connection) *Updater {
	u := &Updater{
		queue:      queue,
		params:     params,
		props:      props,
		conn:       conn,
		refreshing: map[Zone]bool{},
	}
	u.registerLocalCommands()
	u.props.RegisterPowerOnListener(u.onPowerOn)
	u.queue.SetRefreshingProbe(u.IsRefreshPending)
	return u
}

// IsRefreshPending reports whether zone currently has a delayed refresh in
// flight, consulted by Queue for skip_if_refreshing items.
func (u *Updater) IsRefreshPending(zone Zone) bool {
	u.refreshingMu.Lock()
	defer u.refreshingMu.Unlock()
	return u.refreshing[zone]
}

func (u *Updater) setRefreshPending(zone Zone, pending bool) {
	u.refreshingMu.Lock()
	defer u.refreshingMu.Unlock()
	if pending {
		u.refreshing[zone] = true
	} else {
		delete(u.refreshing, zone)
	}
}

// onPowerOn is the power-on transition hook wired to Properties: unless
// disable_auto_query is set, a zone that just powered on gets a delayed
// basic re-query, since some models briefly report stale volume/source
// values immediately after power-on (spec §4.7).
func (u *Updater) onPowerOn(zone Zone) {
	if u.params.GetBool(ParamDisableAutoQuery, false) {
		return
	}
	yes := true
	u.queue.Enqueue(LanePoll, &CommandItem{
		Name:             "_delayed_query_basic",
		Zone:             zone,
		Dedup:            "delayed_query_basic",
		SkipIfRefreshing: &yes,
	})
}

func (u *Updater) registerLocalCommands() {
	u.queue.RegisterLocalCommand("_full_refresh", func(ctx context.Context, item *CommandItem) commandResult {
		u.sweep()
		return commandResult{}
	})
	u.queue.RegisterLocalCommand("_refresh_zone", func(ctx context.Context, item *CommandItem) commandResult {
		u.refreshZone(item.Zone)
		return commandResult{}
	})
	u.queue.RegisterLocalCommand("_delayed_refresh_zone", func(ctx context.Context, item *CommandItem) commandResult {
		zone := item.Zone
		u.setRefreshPending(zone, true)
		select {
		case <-time.After(delayedRefreshDelay):
		case <-ctx.Done():
			u.setRefreshPending(zone, false)
			return commandResult{err: ErrCancelled}
		}
		u.refreshZone(zone)
		u.setRefreshPending(zone, false)
		return commandResult{}
	})
	u.queue.RegisterLocalCommand("_delayed_query_basic", func(ctx context.Context, item *CommandItem) commandResult {
		zone := item.Zone
		u.setRefreshPending(zone, true)
		select {
		case <-time.After(delayedQueryBasicDelay):
		case <-ctx.Done():
			u.setRefreshPending(zone, false)
			return commandResult{err: ErrCancelled}
		}
		u.refreshZone(zone)
		u.setRefreshPending(zone, false)
		return commandResult{}
	})
	u.queue.RegisterLocalCommand("_update_listening_modes", func(ctx context.Context, item *CommandItem) commandResult {
		u.props.UpdateListeningModes(u.params)
		return commandResult{}
	})
	u.queue.RegisterLocalCommand("_calculate_am_frequency_step", func(ctx context.Context, item *CommandItem) commandResult {
		step := u.params.GetFloat(ParamAMFrequencyStep, 9.0)
		u.params.SetRuntime(ParamAMFrequencyStep, step)
		return commandResult{}
	})
	u.queue.RegisterLocalCommand("_sleep", func(ctx context.Context, item *CommandItem) commandResult {
		secs := 0.0
		if len(item.Args) > 0 {
			switch v := item.Args[0].(type) {
			case float64:
				secs = v
			case int:
				secs = float64(v)
			}
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
		case <-ctx.Done():
			return commandResult{err: ErrCancelled}
		}
		return commandResult{}
	})
}

// Run drives the polling loop until ctx is cancelled. disable_auto_query
// and always_poll are read fresh on every tick, so changing them at
// runtime takes effect on the following cycle without restarting Run.
//
// Per spec §4.7/§9, when always_poll is false the loop skips a tick's
// sweep entirely if any frame (solicited or not) arrived on the
// connection since the previous tick: an active link is already known to
// be alive, so the scheduled poll would be redundant housekeeping.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.intervalOrFallback())
	defer ticker.Stop()

	lastFrameCount := u.conn.FrameCount()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := u.conn.FrameCount()
			if u.params.GetBool(ParamAlwaysPoll, false) || current == lastFrameCount {
				u.sweep()
			}
			lastFrameCount = current
			ticker.Reset(u.intervalOrFallback())
		}
	}
}

func (u *Updater) intervalOrFallback() time.Duration {
	secs := u.params.GetFloat(ParamScanInterval, 60.0)
	if secs <= 0 {
		secs = 60.0
	}
	return time.Duration(secs * float64(time.Second))
}

// RefreshOnConnect performs the one-shot initial sweep described in spec
// §4.7, intended to be wired to Connection.OnConnect. When
// zones_initial_refresh names a subset of zones, only those are covered;
// otherwise every currently detected zone is.
func (u *Updater) RefreshOnConnect() {
	if u.params.GetBool(ParamDisableAutoQuery, false) {
		return
	}
	if restricted := u.params.InitialRefreshZones(); len(restricted) > 0 {
		for _, zone := range restricted {
			u.refreshZone(zone)
		}
		return
	}
	u.sweep()
}

// sweep enqueues the four scalar poll queries for every detected zone not
// excluded by ignored_zones.
func (u *Updater) sweep() {
	if u.params.GetBool(ParamDisableAutoQuery, false) {
		return
	}
	ignored := u.params.IgnoredZones()
	for _, zone := range u.props.Zones() {
		if ignored[zone] {
			continue
		}
		u.refreshZone(zone)
	}
}

// refreshZone enqueues the four basic poll queries for one zone.
func (u *Updater) refreshZone(zone Zone) {
	u.enqueuePollQuery(zone, commandName(zone, "power_query"))
	u.enqueuePollQuery(zone, commandName(zone, "volume_query"))
	u.enqueuePollQuery(zone, commandName(zone, "mute_query"))
	u.enqueuePollQuery(zone, commandName(zone, "source_query"))
}

func (u *Updater) enqueuePollQuery(zone Zone, name string) {
	u.queue.Enqueue(LanePoll, &CommandItem{
		Name:  name,
		Zone:  zone,
		Dedup: name,
	})
}
