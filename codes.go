package pioneeravr

import (
	"fmt"
	"sort"
)

// CommandBuilder renders a command's wire frame (without the trailing
// \r\n, which Connection appends) from its zone and positional arguments.
type CommandBuilder func(zone Zone, args []any) (string, error)

// CommandSpec describes one mnemonic in the command table (spec §4.3):
// how to render it onto the wire, and the response prefix the responder
// should wait for (empty for fire-and-forget commands).
type CommandSpec struct {
	Name           string
	Build          CommandBuilder
	ResponsePrefix string
	ZoneScoped     bool
}

// DecoderFunc parses the remainder of a response line (after the matched
// prefix has been stripped) and applies it to props, returning the set of
// zones the update touched. params is supplied read-only, for decoders
// whose interpretation depends on configuration (e.g. am_frequency_step).
type DecoderFunc func(rest string, props *Properties, params *Params) []Zone

// decoderEntry pairs a response prefix with its decoder, in registration
// order, used to break ties when two prefixes of equal length would
// otherwise both match (spec §4.3: "ties break by registration order").
type decoderEntry struct {
	prefix string
	decode DecoderFunc
}

// CodeRegistry is the read-only command/decoder table described in spec
// §4.3: mnemonic -> wire command, and response prefix -> decoder, matched
// by longest common prefix. Grounded on the teacher's table-driven token
// dispatch in decoder_parser.go, generalized from "one protocol's fixed
// token set" to an explicit registry type so the core can ship a complete,
// documented reference table instead of requiring callers to supply one.
type CodeRegistry struct {
	commands map[string]CommandSpec
	decoders []decoderEntry
}

// NewCodeRegistry returns an empty registry. Use RegisterCommand and
// RegisterDecoder to populate it, or NewDefaultCodeRegistry for the
// built-in reference table.
func NewCodeRegistry() *CodeRegistry {
	return &CodeRegistry{commands: map[string]CommandSpec{}}
}

// RegisterCommand adds or replaces a command mnemonic.
func (r *CodeRegistry) RegisterCommand(spec CommandSpec) {
	r.commands[spec.Name] = spec
}

// RegisterDecoder appends a response-prefix decoder. Registration order
// matters for tie-breaking (see decoderEntry).
func (r *CodeRegistry) RegisterDecoder(prefix string, decode DecoderFunc) {
	r.decoders = append(r.decoders, decoderEntry{prefix: prefix, decode: decode})
}

// Command looks up a mnemonic, returning ok=false if it is not registered.
func (r *CodeRegistry) Command(name string) (CommandSpec, bool) {
	spec, ok := r.commands[name]
	return spec, ok
}

// CommandNames returns every registered mnemonic, sorted, for diagnostics
// and tests.
func (r *CodeRegistry) CommandNames() []string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MatchDecoder returns the decoder whose prefix is the longest match for
// frame, along with the unconsumed remainder of the line. Ties (equal
// longest length) are broken by earliest registration (spec §4.3). ok is
// false if no registered prefix matches.
func (r *CodeRegistry) MatchDecoder(frame string) (decode DecoderFunc, rest string, matchedPrefix string, ok bool) {
	bestLen := -1
	bestIdx := -1
	for i, e := range r.decoders {
		if len(e.prefix) <= len(frame) && frame[:len(e.prefix)] == e.prefix {
			if len(e.prefix) > bestLen {
				bestLen = len(e.prefix)
				bestIdx = i
			}
		}
	}
	if bestIdx == -1 {
		return nil, "", "", false
	}
	e := r.decoders[bestIdx]
	return e.decode, frame[len(e.prefix):], e.prefix, true
}

// zonePrefix returns the wire-command prefix used by the reference
// command table for zone: Main commands carry no prefix, the other zones
// prefix their mnemonics the way the documented Pioneer CI protocol does.
func zonePrefix(zone Zone) (string, error) {
	switch zone {
	case ZoneMain:
		return "", nil
	case ZoneZ2:
		return "Z2", nil
	case ZoneZ3:
		return "Z3", nil
	case ZoneHDZone:
		return "HZ", nil
	default:
		return "", fmt.Errorf("pioneeravr: zone %s has no wire command prefix", zone)
	}
}
