package pioneeravr

import (
	"log"
	"sort"
	"strings"
	"sync"
)

// ParamKey names one of the closed set of parameters the core recognizes
// (spec §4.1). Unknown keys are still accepted and stored (set_user_params
// never rejects forward-compatible data) but are logged as a warning,
// mirroring the teacher's config loader logging unknown/optional sections
// rather than failing startup.
type ParamKey string

// The closed set of parameter keys the core reads directly.
const (
	ParamModel                     ParamKey = "model"
	ParamIgnoredZones              ParamKey = "ignored_zones"
	ParamCommandDelay              ParamKey = "command_delay"
	ParamMaxSourceID                ParamKey = "max_source_id"
	ParamMaxVolume                  ParamKey = "max_volume"
	ParamMaxVolumeZonex             ParamKey = "max_volume_zonex"
	ParamPowerOnVolumeBounce        ParamKey = "power_on_volume_bounce"
	ParamVolumeStepOnly             ParamKey = "volume_step_only"
	ParamIgnoreVolumeCheck          ParamKey = "ignore_volume_check"
	ParamZoneNSources               ParamKey = "zone_n_sources"
	ParamHDZoneSources              ParamKey = "hdzone_sources"
	ParamAmpSpeakerSystemModes      ParamKey = "amp_speaker_system_modes"
	ParamExtraAmpListeningModes     ParamKey = "extra_amp_listening_modes"
	ParamEnabledAmpListeningModes   ParamKey = "enabled_amp_listening_modes"
	ParamDisabledAmpListeningModes  ParamKey = "disabled_amp_listening_modes"
	ParamVideoResolutionModes       ParamKey = "video_resolution_modes"
	ParamMHLSource                  ParamKey = "mhl_source"
	ParamEnabledFunctions            ParamKey = "enabled_functions"
	ParamDisableAutoQuery            ParamKey = "disable_auto_query"
	ParamAMFrequencyStep             ParamKey = "am_frequency_step"
	ParamAlwaysPoll                  ParamKey = "always_poll"
	ParamScanInterval                ParamKey = "scan_interval"
	ParamTimeout                     ParamKey = "timeout"
	ParamZonesInitialRefresh         ParamKey = "zones_initial_refresh"

	// ParamTunerDirectEntry is not one of spec.md's 24 documented keys; it
	// is added here, in the runtime-recognized closed set, to express a
	// capability spec.md's own end-to-end scenario 4 requires ("model
	// without FM direct entry") but never names a parameter for. Resolved
	// as an Open Question in DESIGN.md: modeled as a model-profile layer
	// value (like am_frequency_step) rather than a new top-level concept.
	ParamTunerDirectEntry ParamKey = "tuner_direct_entry"

	// Runtime-only keys (layer 3), computed by the library itself.
	ParamRuntimeDetectedZones    ParamKey = "runtime_detected_zones"
	ParamRuntimeInitialRefresh   ParamKey = "runtime_initial_refresh_zones"
)

// knownParamKeys is the closed set used to decide whether to log a warning
// for an unrecognized key. Lenient mode (the default) still stores unknown
// keys for forward compatibility, per spec §9.
var knownParamKeys = map[ParamKey]bool{
	ParamModel: true, ParamIgnoredZones: true, ParamCommandDelay: true,
	ParamMaxSourceID: true, ParamMaxVolume: true, ParamMaxVolumeZonex: true,
	ParamPowerOnVolumeBounce: true, ParamVolumeStepOnly: true,
	ParamIgnoreVolumeCheck: true, ParamZoneNSources: true,
	ParamHDZoneSources: true, ParamAmpSpeakerSystemModes: true,
	ParamExtraAmpListeningModes: true, ParamEnabledAmpListeningModes: true,
	ParamDisabledAmpListeningModes: true, ParamVideoResolutionModes: true,
	ParamMHLSource: true, ParamEnabledFunctions: true,
	ParamDisableAutoQuery: true, ParamAMFrequencyStep: true,
	ParamAlwaysPoll: true, ParamScanInterval: true, ParamTimeout: true,
	ParamZonesInitialRefresh: true, ParamRuntimeDetectedZones: true,
	ParamRuntimeInitialRefresh: true, ParamTunerDirectEntry: true,
}

// builtinDefaults is layer 0 of the parameter stack.
func builtinDefaults() map[ParamKey]any {
	return map[ParamKey]any{
		ParamMaxVolume:           185,
		ParamMaxVolumeZonex:      81,
		ParamCommandDelay:        0.6,
		ParamMaxSourceID:         60,
		ParamAlwaysPoll:          false,
		ParamScanInterval:        60.0,
		ParamTimeout:             5.0,
		ParamAMFrequencyStep:     9.0,
		ParamDisableAutoQuery:    false,
		ParamPowerOnVolumeBounce: false,
		ParamVolumeStepOnly:      false,
		ParamIgnoreVolumeCheck:   false,
	}
}

// modelProfiles is a small built-in table of model-specific overrides,
// keyed by model string prefix, resolved by longest-prefix match in
// SetDefaultParamsModel. Real deployments extend this via SetUserParams;
// this table only seeds well-known behavioral differences documented by
// the wire protocol (currently the AM frequency step).
var modelProfiles = map[string]map[ParamKey]any{
	"VSX-": {
		ParamAMFrequencyStep: 10.0,
	},
	"VSX-1120": {
		ParamAMFrequencyStep: 9.0,
	},
}

// ParamChangeListener is notified whenever a layer mutation changes the
// effective parameter view. Every registered listener is called once per
// changed key, with the new effective value (nil when the key was
// removed); listeners filter for the keys they care about themselves.
type ParamChangeListener func(key ParamKey, value any)

// Params is the layered configuration view described in spec §3/§4.1: four
// layers (defaults, model profile, user overrides, runtime) composed
// last-writer-wins into one effective map, recomputed on every mutation.
// Grounded on the teacher's yaml-tagged Config struct (config.go) for
// naming conventions, generalized to a layered map because the static
// struct the teacher uses cannot express runtime recomputation or
// per-mutation change notification.
type Params struct {
	mu sync.RWMutex

	defaults map[ParamKey]any
	profile  map[ParamKey]any
	user     map[ParamKey]any
	runtime  map[ParamKey]any

	effective map[ParamKey]any

	listeners []ParamChangeListener
}

// NewParams constructs a Params with built-in defaults as layer 0 and no
// model profile, user overrides, or runtime values yet set.
func NewParams() *Params {
	p := &Params{
		defaults: builtinDefaults(),
		profile:  map[ParamKey]any{},
		user:     map[ParamKey]any{},
		runtime:  map[ParamKey]any{},
	}
	p.recompute()
	return p
}

// OnChange registers a listener invoked after every recompute with every
// key whose effective value changed relative to the previous view.
func (p *Params) OnChange(l ParamChangeListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// recomputeLocked rebuilds the effective view last-writer-wins across
// layers 0->3 and returns the set of keys whose value changed. Must be
// called with p.mu held for writing; the caller is responsible for
// unlocking before notifying listeners via notify, so a listener may
// safely call back into Params.
func (p *Params) recomputeLocked() map[ParamKey]any {
	prev := p.effective
	next := map[ParamKey]any{}
	for k, v := range p.defaults {
		next[k] = v
	}
	for k, v := range p.profile {
		next[k] = v
	}
	for k, v := range p.user {
		next[k] = v
	}
	for k, v := range p.runtime {
		next[k] = v
	}
	p.effective = next

	changed := map[ParamKey]any{}
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			changed[k] = v
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed[k] = nil
		}
	}
	return changed
}

func (p *Params) notify(changed map[ParamKey]any) {
	if len(changed) == 0 {
		return
	}
	p.mu.RLock()
	listeners := append([]ParamChangeListener(nil), p.listeners...)
	p.mu.RUnlock()
	for k, v := range changed {
		for _, l := range listeners {
			l(k, v)
		}
	}
}

func (p *Params) recompute() {
	p.recomputeLocked()
}

func warnIfUnknown(key ParamKey) {
	if !knownParamKeys[key] {
		log.Printf("pioneeravr: parameter %q is not a recognized key; storing anyway", key)
	}
}

// SetUserParams replaces the entire user-override layer (layer 2).
func (p *Params) SetUserParams(values map[ParamKey]any) {
	for k := range values {
		warnIfUnknown(k)
	}
	p.mu.Lock()
	p.user = map[ParamKey]any{}
	for k, v := range values {
		p.user[k] = v
	}
	changed := p.recomputeLocked()
	p.mu.Unlock()
	p.notify(changed)
}

// SetUserParam sets a single key in the user-override layer.
func (p *Params) SetUserParam(key ParamKey, value any) {
	warnIfUnknown(key)
	p.mu.Lock()
	p.user[key] = value
	changed := p.recomputeLocked()
	p.mu.Unlock()
	p.notify(changed)
}

// GetUserParams returns a copy of the user-override layer, for the
// round-trip invariant in spec §8 (set_user_params(p); get_user_params()
// == p).
func (p *Params) GetUserParams() map[ParamKey]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[ParamKey]any, len(p.user))
	for k, v := range p.user {
		out[k] = v
	}
	return out
}

// SetDefaultParamsModel resolves the model profile layer by exact match
// first, else longest-prefix match on the model string; on no match, the
// profile layer is emptied.
func (p *Params) SetDefaultParamsModel(model string) {
	p.mu.Lock()
	if profile, ok := modelProfiles[model]; ok {
		p.profile = cloneParamMap(profile)
		changed := p.recomputeLocked()
		p.mu.Unlock()
		p.notify(changed)
		return
	}

	var bestPrefix string
	var best map[ParamKey]any
	for prefix, profile := range modelProfiles {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = profile
		}
	}
	if best != nil {
		p.profile = cloneParamMap(best)
	} else {
		p.profile = map[ParamKey]any{}
	}
	changed := p.recomputeLocked()
	p.mu.Unlock()
	p.notify(changed)
}

// SetRuntime sets a single key in the runtime layer (layer 3), the layer
// the library itself computes (e.g. AM step, detected zones).
func (p *Params) SetRuntime(key ParamKey, value any) {
	p.mu.Lock()
	p.runtime[key] = value
	changed := p.recomputeLocked()
	p.mu.Unlock()
	p.notify(changed)
}

// Get returns the effective value for key and whether it was set in any
// layer.
func (p *Params) Get(key ParamKey) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.effective[key]
	return v, ok
}

// GetAll returns a copy of the full effective view.
func (p *Params) GetAll() map[ParamKey]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[ParamKey]any, len(p.effective))
	for k, v := range p.effective {
		out[k] = v
	}
	return out
}

// GetFloat returns the effective value for key as a float64, falling back
// to def if unset or of the wrong type.
func (p *Params) GetFloat(key ParamKey, def float64) float64 {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

// GetInt returns the effective value for key as an int, falling back to
// def if unset or of the wrong type.
func (p *Params) GetInt(key ParamKey, def int) int {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

// GetBool returns the effective value for key as a bool, falling back to
// def if unset or of the wrong type.
func (p *Params) GetBool(key ParamKey, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// MaxVolumeFor returns the effective max_volume for Main or
// max_volume_zonex for any other zone, applying the documented defaults
// (185 Main, 81 others) when unset.
func (p *Params) MaxVolumeFor(zone Zone) int {
	if zone == ZoneMain {
		return p.GetInt(ParamMaxVolume, 185)
	}
	return p.GetInt(ParamMaxVolumeZonex, 81)
}

// StringSlice returns the effective value for key interpreted as a list of
// strings, accepting []string or []any (the shape a caller commonly gets
// from decoding JSON/YAML user params), or nil if unset or of another
// type.
func (p *Params) StringSlice(key ParamKey) []string {
	v, ok := p.Get(key)
	if !ok {
		return nil
	}
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (p *Params) intSlice(key ParamKey) []int {
	v, ok := p.Get(key)
	if !ok {
		return nil
	}
	switch vs := v.(type) {
	case []int:
		return vs
	case []any:
		out := make([]int, 0, len(vs))
		for _, e := range vs {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	default:
		return nil
	}
}

// IgnoredZones returns the set of zones excluded from detection and
// polling by the ignored_zones parameter (spec §4.1).
func (p *Params) IgnoredZones() map[Zone]bool {
	out := map[Zone]bool{}
	for _, name := range p.StringSlice(ParamIgnoredZones) {
		if z, ok := ZoneFromName(name); ok {
			out[z] = true
		}
	}
	return out
}

// InitialRefreshZones returns the zones_initial_refresh restriction on the
// initial post-connect sweep, or nil if unset (meaning: every detected
// zone gets the initial refresh).
func (p *Params) InitialRefreshZones() []Zone {
	names := p.StringSlice(ParamZonesInitialRefresh)
	if len(names) == 0 {
		return nil
	}
	out := make([]Zone, 0, len(names))
	for _, name := range names {
		if z, ok := ZoneFromName(name); ok {
			out = append(out, z)
		}
	}
	return out
}

// SourcesForZone returns the explicit source-id restriction for zone from
// zone_n_sources (a map[Zone][]int keyed by every non-Main zone) or, for
// HDZone specifically, the hdzone_sources override when also set. Returns
// nil if no restriction is recorded for zone.
func (p *Params) SourcesForZone(zone Zone) []int {
	if zone == ZoneHDZone {
		if ids := p.intSlice(ParamHDZoneSources); ids != nil {
			return ids
		}
	}
	v, ok := p.Get(ParamZoneNSources)
	if !ok {
		return nil
	}
	m, ok := v.(map[Zone][]int)
	if !ok {
		return nil
	}
	return m[zone]
}

func cloneParamMap(m map[ParamKey]any) map[ParamKey]any {
	out := make(map[ParamKey]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedKeys is a small test/debug helper returning param keys in sorted
// order for deterministic output.
func sortedKeys(m map[ParamKey]any) []ParamKey {
	keys := make([]ParamKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
