package pioneeravr

import (
	"context"
	"fmt"
	"sync"
)

// SessionState is the facade's coarse lifecycle state (spec §4.8).
type SessionState int

const (
	// StateStarting is the state between Start and the first successful
	// connection.
	StateStarting SessionState = iota
	// StateReady means the connection is up and commands may be issued.
	StateReady
	// StateUnavailable means the connection is down; most operations
	// return ErrUnavailable until it recovers.
	StateUnavailable
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Session is C8: the typed facade composing Connection, Responder, Queue,
// Updater, Properties and Params into the public API a caller actually
// uses. Every method here validates its arguments against Params before
// ever touching the wire, and returns the library's typed errors (spec
// §7) rather than protocol-shaped ones.
//
// Grounded on the teacher's RigctlControl/FlrigControl (clients/go/
// rigctl_control.go, flrig_control.go): a typed facade over a lower-level
// line-protocol client, exposing domain operations (SetFrequency, GetMode)
// instead of raw commands, plus connect/disconnect lifecycle management
// and callback registration. Generalized from "one radio, one zone" to
// "one receiver, four independently-addressable zones" and from
// synchronous polling callbacks to the coalesced Properties/Flush model.
type Session struct {
	host string
	port int

	conn     *Connection
	registry *CodeRegistry
	props    *Properties
	params   *Params
	resp     *Responder
	queue    *Queue
	updater  *Updater

	mu    sync.RWMutex
	state SessionState

	cancel context.CancelFunc
}

// NewSession constructs a Session targeting host:port, using the built-in
// reference command/decoder table. Callers who need model-specific
// mnemonics should build their own *CodeRegistry via NewCodeRegistry and
// use NewSessionWithRegistry instead.
func NewSession(host string, port int) *Session {
	return NewSessionWithRegistry(host, port, NewDefaultCodeRegistry())
}

// NewSessionWithRegistry is NewSession with an explicit, possibly extended,
// command/decoder registry.
func NewSessionWithRegistry(host string, port int, registry *CodeRegistry) *Session {
	conn := NewConnection(host, port)
	props := NewProperties()
	params := NewParams()
	resp := NewResponder(conn, registry, props, params)
	queue := NewQueue(registry, conn, resp, params)
	updater := NewUpdater(queue, params, props, conn)

	props.SeedSourceDefaults(params.GetInt(ParamMaxSourceID, 60))
	refreshCapabilities(props, params)
	props.UpdateListeningModes(params)

	s := &Session{
		host:     host,
		port:     port,
		conn:     conn,
		registry: registry,
		props:    props,
		params:   params,
		resp:     resp,
		queue:    queue,
		updater:  updater,
		state:    StateStarting,
	}

	queue.SetStartingProbe(func() bool { return s.State() == StateStarting })

	params.OnChange(func(key ParamKey, value any) {
		switch key {
		case ParamAmpSpeakerSystemModes, ParamVideoResolutionModes, ParamMHLSource, ParamEnabledFunctions:
			refreshCapabilities(props, params)
		case ParamExtraAmpListeningModes, ParamEnabledAmpListeningModes, ParamDisabledAmpListeningModes:
			props.UpdateListeningModes(params)
		case ParamMaxSourceID:
			props.SeedSourceDefaults(params.GetInt(ParamMaxSourceID, 60))
		}
	})

	conn.OnConnect(func() {
		s.setState(StateReady)
		updater.RefreshOnConnect()
	})
	conn.OnDisconnect(func() {
		s.setState(StateUnavailable)
	})

	return s
}

// refreshCapabilities mirrors the amp_speaker_system_modes,
// video_resolution_modes, mhl_source and enabled_functions parameters into
// the property cache's topic maps, so a caller that only reads Properties
// still observes the capabilities the configuration declares (spec §4.1).
func refreshCapabilities(props *Properties, params *Params) {
	props.SetTopic("amp", map[string]any{"speaker_system_modes": params.StringSlice(ParamAmpSpeakerSystemModes)})
	props.SetTopic("video", map[string]any{"resolution_modes": params.StringSlice(ParamVideoResolutionModes)})
	mhl, _ := params.Get(ParamMHLSource)
	props.SetTopic("system", map[string]any{
		"mhl_source":        mhl,
		"enabled_functions": params.StringSlice(ParamEnabledFunctions),
	})
}

// Start dials the receiver and begins the responder, queue executor, and
// polling loop. It returns immediately; use State to observe readiness.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	_ = s.conn.Connect(ctx, true)
	go s.resp.Run(ctx)
	go s.queue.Run(ctx)
	go s.updater.Run(ctx)
}

// Stop tears down the session and its background goroutines.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.conn.Shutdown()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Params exposes the layered configuration view for callers who need to
// read or mutate it directly (set_user_params, etc).
func (s *Session) Params() *Params {
	return s.params
}

// Properties exposes the property cache directly, for callers who want
// raw snapshots or to register zone observers without going through the
// facade operations below.
func (s *Session) Properties() *Properties {
	return s.props
}

// RegisterZoneObserver registers cb to be called with a coalesced
// snapshot whenever zone's state changes.
func (s *Session) RegisterZoneObserver(zone Zone, cb ZoneObserver) {
	s.props.RegisterZoneObserver(zone, cb)
}

// OnAvrError registers a listener for AVR-reported error tokens.
func (s *Session) OnAvrError(l func(*AvrError)) {
	s.resp.OnAvrError(l)
}

// requireReady gates every wire-issuing operation: commands are only
// accepted once the connection has completed its first handshake, whether
// the session is mid-startup or has since dropped (spec §4.8, §7).
func (s *Session) requireReady() error {
	if s.State() != StateReady {
		return ErrUnavailable
	}
	return nil
}

// enqueueUser submits item on the user lane and blocks for its result.
// Unless the caller already set SkipIfQueued, it defaults to true: two
// identical user-issued commands (same name, zone and args) queued before
// either has executed collapse into a single outbound frame (spec §4.6,
// §8's "two power_on(Main) calls produce one PO frame" invariant).
func (s *Session) enqueueUser(ctx context.Context, item *CommandItem) (string, error) {
	if err := s.requireReady(); err != nil {
		return "", err
	}
	if item.SkipIfQueued == nil {
		yes := true
		item.SkipIfQueued = &yes
	}
	resCh := s.queue.Enqueue(LaneUser, item)
	select {
	case res := <-resCh:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) doUser(ctx context.Context, name string, zone Zone, args ...any) (string, error) {
	return s.enqueueUser(ctx, &CommandItem{Name: name, Zone: zone, Args: args})
}

// chainAhead fire-and-forgets a follow-up command at the head of the user
// lane's active queue, without waiting for it or deduping it against
// anything already pending. Calling it twice in a row (b, then a) leaves
// the lane ordered [a, b, ...], since each call re-claims the head.
func (s *Session) chainAhead(name string, zone Zone) {
	no := false
	s.queue.Enqueue(LaneUser, &CommandItem{Name: name, Zone: zone, InsertAt: -1, SkipIfQueued: &no})
}

// PowerOn turns on zone. If power_on_volume_bounce is set and zone is
// Main, it chains a volume_up then a volume_down immediately after the
// power-on ack, working around models that report a stale/muted volume
// for a moment after power-on (spec §4.8).
func (s *Session) PowerOn(ctx context.Context, zone Zone) error {
	_, err := s.doUser(ctx, commandName(zone, "power_on"), zone)
	if err != nil {
		return err
	}
	if zone == ZoneMain && s.params.GetBool(ParamPowerOnVolumeBounce, false) {
		s.chainAhead(commandName(zone, "volume_down"), zone)
		s.chainAhead(commandName(zone, "volume_up"), zone)
	}
	return nil
}

// PowerOff turns off zone.
func (s *Session) PowerOff(ctx context.Context, zone Zone) error {
	_, err := s.doUser(ctx, commandName(zone, "power_off"), zone)
	return err
}

// SetVolume sets zone's volume to level, validating it against the
// effective max for zone rather than silently clamping it (spec §4.1,
// §4.8, §7: out-of-range input is a *ValidationError). ignore_volume_check
// bypasses the range check entirely, for models whose reported max is
// known to be wrong. volume_step_only expands the request into a burst of
// volume_up/volume_down steps instead of a single absolute-level frame,
// for models that do not support direct level entry.
func (s *Session) SetVolume(ctx context.Context, zone Zone, level int) error {
	if !s.params.GetBool(ParamIgnoreVolumeCheck, false) {
		max := s.params.MaxVolumeFor(zone)
		if level < 0 || level > max {
			return newValidationError("volume", fmt.Sprintf("level %d out of range [0, %d] for %s", level, max, zone))
		}
	}
	if s.params.GetBool(ParamVolumeStepOnly, false) {
		return s.setVolumeByStepping(ctx, zone, level)
	}
	_, err := s.doUser(ctx, commandName(zone, "volume_set"), zone, level)
	return err
}

// setVolumeByStepping reaches target by issuing one volume_up or
// volume_down per unit of difference from the last known volume, all
// pushed to the head of the active queue up front so the whole burst runs
// back-to-back before any other queued command can interleave (spec
// §4.6: "pushed at the head of the active queue to preserve atomicity").
func (s *Session) setVolumeByStepping(ctx context.Context, zone Zone, target int) error {
	current := s.props.Snapshot(zone).Volume
	diff := target - current
	if diff == 0 {
		return nil
	}
	name := commandName(zone, "volume_up")
	if diff < 0 {
		name = commandName(zone, "volume_down")
		diff = -diff
	}

	if err := s.requireReady(); err != nil {
		return err
	}
	no := false
	channels := make([]<-chan commandResult, diff)
	for i := diff - 1; i >= 0; i-- {
		channels[i] = s.queue.Enqueue(LaneUser, &CommandItem{Name: name, Zone: zone, InsertAt: -1, SkipIfQueued: &no})
	}
	for _, ch := range channels {
		select {
		case res := <-ch:
			if res.err != nil {
				return res.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// VolumeUp steps zone's volume up by one.
func (s *Session) VolumeUp(ctx context.Context, zone Zone) error {
	_, err := s.doUser(ctx, commandName(zone, "volume_up"), zone)
	return err
}

// VolumeDown steps zone's volume down by one.
func (s *Session) VolumeDown(ctx context.Context, zone Zone) error {
	_, err := s.doUser(ctx, commandName(zone, "volume_down"), zone)
	return err
}

// SetMute sets zone's mute state explicitly.
func (s *Session) SetMute(ctx context.Context, zone Zone, muted bool) error {
	name := "mute_off"
	if muted {
		name = "mute_on"
	}
	_, err := s.doUser(ctx, commandName(zone, name), zone)
	return err
}

// SetSourceByID selects zone's input by numeric source id.
func (s *Session) SetSourceByID(ctx context.Context, zone Zone, id int) error {
	_, err := s.doUser(ctx, commandName(zone, "source_set"), zone, id)
	return err
}

// SetSourceByName selects zone's input by the name currently recorded in
// the source dictionary. Returns a *ValidationError if the name is
// unknown, or ambiguous (more than one id currently shares that name),
// per spec §4.8/§8.
func (s *Session) SetSourceByName(ctx context.Context, zone Zone, name string) error {
	ids := s.props.sourceDict.IDsForName(name)
	switch len(ids) {
	case 0:
		return newValidationError("source", fmt.Sprintf("no source named %q", name))
	case 1:
		return s.SetSourceByID(ctx, zone, ids[0])
	default:
		return newValidationError("source", fmt.Sprintf("source name %q is ambiguous across ids %v", name, ids))
	}
}

// SelectSource is select_source from spec §4.8: source may be an int id or
// a string name.
func (s *Session) SelectSource(ctx context.Context, zone Zone, source any) error {
	switch v := source.(type) {
	case int:
		return s.SetSourceByID(ctx, zone, v)
	case string:
		return s.SetSourceByName(ctx, zone, v)
	default:
		return newValidationError("source", fmt.Sprintf("expected int id or string name, got %T", source))
	}
}

// SelectListeningMode is select_listening_mode from spec §4.8: exactly one
// of name or id must be non-empty. After the mode-set ack, it schedules
// update_listening_modes so the available-modes list stays current.
func (s *Session) SelectListeningMode(ctx context.Context, name, id string) error {
	if (name == "") == (id == "") {
		return newValidationError("listening_mode", "exactly one of name or id must be set")
	}
	if id == "" {
		resolved, ok := resolveListeningModeID(name)
		if !ok {
			return newValidationError("listening_mode", fmt.Sprintf("unknown listening mode %q", name))
		}
		id = resolved
	}
	if _, err := s.doUser(ctx, "listening_mode_set", ZoneMain, id); err != nil {
		return err
	}
	s.queue.Enqueue(LanePoll, &CommandItem{Name: "_update_listening_modes", Dedup: "update_listening_modes"})
	return nil
}

func resolveListeningModeID(name string) (string, bool) {
	for id, n := range listeningModeNames {
		if n == name {
			return id, true
		}
	}
	return "", false
}

// SetTunerFrequency is set_tuner_frequency from spec §4.8: on models with
// tuner_direct_entry it sends a single direct-entry frame; otherwise it
// steps toward freq one tuner_up/tuner_down at a time.
func (s *Session) SetTunerFrequency(ctx context.Context, band TunerBand, freq float64) error {
	if s.params.GetBool(ParamTunerDirectEntry, true) {
		_, err := s.doUser(ctx, "tuner_direct_set", ZoneMain, tunerRawFromFreq(band, freq))
		return err
	}
	return s.setTunerFrequencyByStepping(ctx, band, freq)
}

func (s *Session) setTunerFrequencyByStepping(ctx context.Context, band TunerBand, target float64) error {
	step := s.tunerStepFor(band)
	const maxSteps = 1000
	for i := 0; i < maxSteps; i++ {
		current := tunerFreqFromRaw(band, s.currentTunerRaw())
		diff := target - current
		if diff > -step/2 && diff < step/2 {
			return nil
		}
		name := "tuner_up"
		if diff < 0 {
			name = "tuner_down"
		}
		if _, err := s.doUser(ctx, name, ZoneMain); err != nil {
			return err
		}
	}
	return newValidationError("tuner_frequency", "did not converge on target frequency by stepping")
}

func (s *Session) tunerStepFor(band TunerBand) float64 {
	if band == TunerBandFM {
		return 0.1
	}
	return s.params.GetFloat(ParamAMFrequencyStep, 9.0)
}

func (s *Session) currentTunerRaw() int {
	n, _ := s.props.Topic("tuner")["frequency_raw"].(int)
	return n
}

func tunerRawFromFreq(band TunerBand, freq float64) int {
	if band == TunerBandFM {
		return int(freq*100 + 0.5)
	}
	return int(freq + 0.5)
}

func tunerFreqFromRaw(band TunerBand, raw int) float64 {
	if band == TunerBandFM {
		return float64(raw) / 100.0
	}
	return float64(raw)
}

// BuildSourceDict is build_source_dict from spec §4.8: it seeds any source
// id the wire protocol has not named from DefaultSourceNames, issues the
// source-name dump query, and returns the resulting dictionary.
func (s *Session) BuildSourceDict(ctx context.Context) (map[int]string, error) {
	s.props.SeedSourceDefaults(s.params.GetInt(ParamMaxSourceID, 60))
	if _, err := s.doUser(ctx, "source_names_query", ZoneAll); err != nil {
		return nil, err
	}
	return s.props.GetSourceDict(), nil
}

// GetSourceList returns the source ids available to zone, honoring the
// zone_n_sources / hdzone_sources restriction when one is configured.
func (s *Session) GetSourceList(zone Zone) []int {
	return s.props.GetSourceList(zone, s.params)
}

// Refresh is refresh(zones, wait) from spec §4.8: it enqueues the four
// basic poll queries for each zone in zones (or every detected zone, if
// zones is empty) on the poll lane, optionally blocking until every query
// has completed.
func (s *Session) Refresh(zones []Zone, wait bool) error {
	if len(zones) == 0 {
		zones = s.props.Zones()
	}
	names := []string{"power_query", "volume_query", "mute_query", "source_query"}
	channels := make([]<-chan commandResult, 0, len(zones)*len(names))
	for _, zone := range zones {
		for _, base := range names {
			name := commandName(zone, base)
			channels = append(channels, s.queue.Enqueue(LanePoll, &CommandItem{Name: name, Zone: zone, Dedup: name}))
		}
	}
	if !wait {
		return nil
	}
	for _, ch := range channels {
		<-ch
	}
	return nil
}

// SendCommand issues a registered mnemonic through the normal user lane
// (spec §4.8: send_command), returning the decoded response line.
func (s *Session) SendCommand(ctx context.Context, name string, zone Zone, args ...any) (string, error) {
	return s.doUser(ctx, name, zone, args...)
}

// SendRawCommand writes frame directly to the wire, bypassing the queue
// and registry entirely (spec §4.8: send_raw_command), for mnemonics the
// registry does not know about.
func (s *Session) SendRawCommand(ctx context.Context, frame string) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.conn.Write(frame)
}

// SendRawRequest writes frame and waits for a response beginning with
// expectedPrefix, bypassing the queue (spec §4.8: send_raw_request).
func (s *Session) SendRawRequest(ctx context.Context, frame, expectedPrefix string) (string, error) {
	if err := s.requireReady(); err != nil {
		return "", err
	}
	if err := s.conn.Write(frame); err != nil {
		return "", err
	}
	return s.resp.Await(ctx, expectedPrefix)
}

// Snapshot returns the current cached state for zone.
func (s *Session) Snapshot(zone Zone) Snapshot {
	return s.props.Snapshot(zone)
}
