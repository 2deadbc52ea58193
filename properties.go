package pioneeravr

import (
	"log"
	"sort"
	"sync"
)

// Snapshot is a read-only view of one zone's scalar properties, handed to
// zone observers (spec §4.2) and to the metrics/mqttpub packages.
type Snapshot struct {
	Zone             Zone
	Power            bool
	Volume           int
	MaxVolume        int
	Mute             bool
	SourceID         string
	SourceName       string
	MediaControlMode string
}

// ZoneObserver is called once per zone per coalesced batch of decodes, per
// spec §4.2. Observers must not block; if they must do blocking work they
// should post to their own executor (spec §4.2, §7 "callbacks from C2 must
// not raise into the decoder path").
type ZoneObserver func(Snapshot)

// Properties is the in-memory cache of AVR state described in spec §3/§4.2:
// per-zone scalar maps, topic maps keyed by string subfield or zone, and a
// set of detected zones. All writes are serialized behind a single mutex
// (spec §5 "single lock per structure"); reads take a copy so callers never
// observe a struct under mutation.
//
// The coalesced-callback behavior is grounded on the teacher's channel
// broadcast pattern in websocket_manager.go (subscribers map[chan
// interface{}]bool) and the rigctl/flrig clients' per-field callbacks,
// generalized here to "one callback per zone carrying a full snapshot"
// fired once per batch via Flush, rather than once per field per poll.
type Properties struct {
	mu sync.Mutex

	power            map[Zone]bool
	volume           map[Zone]int
	maxVolume        map[Zone]int
	mute             map[Zone]bool
	sourceID         map[Zone]string
	sourceName       map[Zone]string
	mediaControlMode map[Zone]string
	tone             map[Zone]map[string]any

	listeningMode   string
	listeningModeID string
	model           string
	softwareVersion string
	macAddr         string

	amp          map[string]any
	dsp          map[string]any
	video        map[string]any
	audio        map[string]any
	system       map[string]any
	tuner        map[string]any
	channelLevel map[string]any

	zones map[Zone]bool

	sourceDict *SourceDict

	availableListeningModes []string

	observers map[Zone][]ZoneObserver
	dirty     map[Zone]bool

	powerOnListeners []func(Zone)
	pendingPowerOn   []Zone
}

// NewProperties returns an empty property cache.
func NewProperties() *Properties {
	return &Properties{
		power:            map[Zone]bool{},
		volume:           map[Zone]int{},
		maxVolume:        map[Zone]int{},
		mute:             map[Zone]bool{},
		sourceID:         map[Zone]string{},
		sourceName:       map[Zone]string{},
		mediaControlMode: map[Zone]string{},
		tone:             map[Zone]map[string]any{},
		amp:              map[string]any{},
		dsp:              map[string]any{},
		video:            map[string]any{},
		audio:            map[string]any{},
		system:           map[string]any{},
		tuner:            map[string]any{},
		channelLevel:     map[string]any{},
		zones:            map[Zone]bool{},
		sourceDict:       NewSourceDict(),
		observers:        map[Zone][]ZoneObserver{},
		dirty:            map[Zone]bool{},
	}
}

func (p *Properties) markZoneLocked(zone Zone) {
	if !zone.IsReal() {
		return
	}
	p.zones[zone] = true
	p.dirty[zone] = true
}

// RegisterZoneObserver adds cb to the set of observers notified for zone
// whenever a Flush covers it.
func (p *Properties) RegisterZoneObserver(zone Zone, cb ZoneObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers[zone] = append(p.observers[zone], cb)
}

// ClearObservers removes every registered observer.
func (p *Properties) ClearObservers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = map[Zone][]ZoneObserver{}
}

// RegisterPowerOnListener adds cb to the set of listeners notified,
// outside the property lock, whenever a zone transitions from off to on.
// Wired by the Updater to trigger the _delayed_query_basic pseudo-command
// (spec §4.7: a power off→on transition schedules a delayed basic query
// unless disable_auto_query is set).
func (p *Properties) RegisterPowerOnListener(cb func(Zone)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.powerOnListeners = append(p.powerOnListeners, cb)
}

// SetPower sets the power state for zone. A false->true transition is
// recorded and reported to power-on listeners on the next Flush.
func (p *Properties) SetPower(zone Zone, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on && !p.power[zone] {
		p.pendingPowerOn = append(p.pendingPowerOn, zone)
	}
	p.power[zone] = on
	p.markZoneLocked(zone)
}

// SetVolume sets the volume level for zone.
func (p *Properties) SetVolume(zone Zone, vol int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume[zone] = vol
	p.markZoneLocked(zone)
}

// SetMaxVolume sets the max volume ceiling for zone.
func (p *Properties) SetMaxVolume(zone Zone, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxVolume[zone] = max
	p.markZoneLocked(zone)
}

// SetMute sets the mute state for zone.
func (p *Properties) SetMute(zone Zone, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mute[zone] = muted
	p.markZoneLocked(zone)
}

// SetSourceID sets the selected source id for zone and, if the source
// dictionary already knows a name for it, derives source_name too,
// preserving the invariant source_name[zone] == source_dict[source_id[zone]]
// (spec §3 invariant d, §8).
func (p *Properties) SetSourceID(zone Zone, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceID[zone] = id
	if n, ok := p.lookupSourceIDLocked(id); ok {
		p.sourceName[zone] = n
	}
	p.markZoneLocked(zone)
}

// SetSourceName explicitly overrides source_name for zone, used when the
// wire response carries the name directly.
func (p *Properties) SetSourceName(zone Zone, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceName[zone] = name
	p.markZoneLocked(zone)
}

func (p *Properties) lookupSourceIDLocked(id string) (string, bool) {
	n, ok := p.sourceDict.Name(sourceIDAsInt(id))
	return n, ok
}

// SetMediaControlMode sets the media control mode string for zone.
func (p *Properties) SetMediaControlMode(zone Zone, mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mediaControlMode[zone] = mode
	p.markZoneLocked(zone)
}

// SetTone merges fields into the tone map for zone.
func (p *Properties) SetTone(zone Zone, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tone[zone] == nil {
		p.tone[zone] = map[string]any{}
	}
	for k, v := range fields {
		p.tone[zone][k] = v
	}
	p.markZoneLocked(zone)
}

// SetGlobal sets one of the global (non-zoned) scalar properties.
func (p *Properties) SetGlobal(listeningMode, listeningModeID, model, softwareVersion, macAddr *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if listeningMode != nil {
		p.listeningMode = *listeningMode
	}
	if listeningModeID != nil {
		p.listeningModeID = *listeningModeID
	}
	if model != nil {
		p.model = *model
	}
	if softwareVersion != nil {
		p.softwareVersion = *softwareVersion
	}
	if macAddr != nil {
		p.macAddr = *macAddr
	}
}

// SetTopic merges fields into one of the global topic maps (amp, dsp,
// video, audio, system, tuner, channel_level), keyed by string subfield.
func (p *Properties) SetTopic(topic string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.topicMapLocked(topic)
	if m == nil {
		log.Printf("pioneeravr: unknown topic %q", topic)
		return
	}
	for k, v := range fields {
		m[k] = v
	}
}

func (p *Properties) topicMapLocked(topic string) map[string]any {
	switch topic {
	case "amp":
		return p.amp
	case "dsp":
		return p.dsp
	case "video":
		return p.video
	case "audio":
		return p.audio
	case "system":
		return p.system
	case "tuner":
		return p.tuner
	case "channel_level":
		return p.channelLevel
	default:
		return nil
	}
}

// Topic returns a copy of one of the global topic maps.
func (p *Properties) Topic(topic string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.topicMapLocked(topic)
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Zones returns the set of zones that have been observed at least once.
func (p *Properties) Zones() []Zone {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Zone, 0, len(p.zones))
	for z := range p.zones {
		out = append(out, z)
	}
	return out
}

// HasZone reports whether zone has been observed at least once.
func (p *Properties) HasZone(zone Zone) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zones[zone]
}

// Snapshot returns a copy of zone's current scalar properties.
func (p *Properties) Snapshot(zone Zone) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(zone)
}

func (p *Properties) snapshotLocked(zone Zone) Snapshot {
	return Snapshot{
		Zone:             zone,
		Power:            p.power[zone],
		Volume:           p.volume[zone],
		MaxVolume:        p.maxVolume[zone],
		Mute:             p.mute[zone],
		SourceID:         p.sourceID[zone],
		SourceName:       p.sourceName[zone],
		MediaControlMode: p.mediaControlMode[zone],
	}
}

// Flush fires one coalesced callback per zone that was mutated since the
// last Flush, then clears the dirty set. Called by the decoder stage after
// processing one frame's worth of decodes (spec §4.2, §4.5 step 3), so
// multiple field writes triggered by a single frame collapse into a single
// observer call per zone.
func (p *Properties) Flush() {
	p.mu.Lock()
	dirty := p.dirty
	p.dirty = map[Zone]bool{}
	snapshots := make(map[Zone]Snapshot, len(dirty))
	observers := make(map[Zone][]ZoneObserver, len(dirty))
	for z := range dirty {
		snapshots[z] = p.snapshotLocked(z)
		observers[z] = append([]ZoneObserver(nil), p.observers[z]...)
	}
	poweredOn := p.pendingPowerOn
	p.pendingPowerOn = nil
	powerOnListeners := append([]func(Zone){}, p.powerOnListeners...)
	p.mu.Unlock()

	for z, snap := range snapshots {
		for _, cb := range observers[z] {
			invokeObserverSafely(z, cb, snap)
		}
	}
	for _, z := range poweredOn {
		for _, cb := range powerOnListeners {
			invokePowerOnListenerSafely(z, cb)
		}
	}
}

// invokePowerOnListenerSafely mirrors invokeObserverSafely's panic
// containment for power-on listeners.
func invokePowerOnListenerSafely(zone Zone, cb func(Zone)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pioneeravr: power-on listener for %s panicked: %v", zone, r)
		}
	}()
	cb(zone)
}

// invokeObserverSafely wraps an observer call so a panicking observer is
// logged and discarded rather than propagating into the decoder path
// (spec §7: "Callbacks from C2 must not raise into the decoder path").
func invokeObserverSafely(zone Zone, cb ZoneObserver, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pioneeravr: zone observer for %s panicked: %v", zone, r)
		}
	}()
	cb(snap)
}

// SeedSourceDefaults populates any source id at or below maxID that the wire
// protocol has not yet named, from DefaultSourceNames, so zones have usable
// source_name values before the first RGB (source-name dump) response
// arrives (spec §4.8: build_source_dict).
func (p *Properties) SeedSourceDefaults(maxID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceDict.SeedDefaults(maxID)
}

// GetSourceDict returns a copy of the global source dictionary.
func (p *Properties) GetSourceDict() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sourceDict.All()
}

// SetSourceDict replaces the global source dictionary wholesale, for the
// round-trip invariant in spec §8.
func (p *Properties) SetSourceDict(m map[int]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceDict.ReplaceAll(m)
}

// SetSourceDictEntry sets a single id->name mapping in the source
// dictionary, used while building the dictionary from query responses.
func (p *Properties) SetSourceDictEntry(id int, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceDict.Set(id, name)
}

// GetSourceList returns the known source ids available to zone, restricted
// by the zone_n_sources / hdzone_sources parameters when params records a
// restriction for this zone (spec §4.1, §4.2); with no restriction it
// returns every id known to the source dictionary, since the wire protocol
// otherwise reports one device-wide source table.
func (p *Properties) GetSourceList(zone Zone, params *Params) []int {
	p.mu.Lock()
	all := p.sourceDict.All()
	p.mu.Unlock()

	restriction := params.SourcesForZone(zone)
	if restriction == nil {
		out := make([]int, 0, len(all))
		for id := range all {
			out = append(out, id)
		}
		return out
	}

	out := make([]int, 0, len(restriction))
	for _, id := range restriction {
		if _, ok := all[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// UpdateListeningModes recomputes the set of listening modes this session
// considers available, realizing spec §4.2's update_listening_modes()
// operation: the reference listeningModeNames table is extended with
// extra_amp_listening_modes, narrowed to enabled_amp_listening_modes when
// that allow-list is non-empty, and then has disabled_amp_listening_modes
// removed.
func (p *Properties) UpdateListeningModes(params *Params) {
	base := make(map[string]bool, len(listeningModeNames))
	for _, name := range listeningModeNames {
		base[name] = true
	}
	for _, name := range params.StringSlice(ParamExtraAmpListeningModes) {
		base[name] = true
	}
	if enabled := params.StringSlice(ParamEnabledAmpListeningModes); len(enabled) > 0 {
		allow := make(map[string]bool, len(enabled))
		for _, name := range enabled {
			allow[name] = true
		}
		for name := range base {
			if !allow[name] {
				delete(base, name)
			}
		}
	}
	for _, name := range params.StringSlice(ParamDisabledAmpListeningModes) {
		delete(base, name)
	}

	out := make([]string, 0, len(base))
	for name := range base {
		out = append(out, name)
	}
	sort.Strings(out)

	p.mu.Lock()
	p.availableListeningModes = out
	p.mu.Unlock()
}

// AvailableListeningModes returns the most recent result of
// UpdateListeningModes, or nil if it has never been called.
func (p *Properties) AvailableListeningModes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.availableListeningModes...)
}

// GetSupportedMediaControls returns the media_control_mode recorded for
// zone, or "" if none has been observed.
func (p *Properties) GetSupportedMediaControls(zone Zone) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mediaControlMode[zone]
}

// Model returns the detected AVR model string.
func (p *Properties) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model
}

// ListeningMode returns the current listening mode name and id.
func (p *Properties) ListeningMode() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeningMode, p.listeningModeID
}
