package pioneeravr

import (
	"strconv"
	"strings"
)

// DefaultSourceNames is the bit-exact default source table from spec §6,
// used to seed the shared source dictionary when the AVR does not return a
// name for a given id.
var DefaultSourceNames = map[int]string{
	25: "BD",
	4:  "DVD",
	6:  "SAT/CBL",
	10: "VIDEO",
	15: "DVR/BDR",
	19: "HDMI1",
	20: "HDMI2",
	21: "HDMI3",
	22: "HDMI4",
	23: "HDMI5",
	24: "HDMI6",
	34: "HDMI7",
	49: "GAME",
	26: "NETWORK",
	38: "INTERNET RADIO",
	53: "Spotify",
	41: "PANDORA",
	44: "MEDIA SERVER",
	45: "FAVORITES",
	17: "iPod/USB",
	5:  "TV",
	1:  "CD",
	13: "USB-DAC",
	2:  "TUNER",
	0:  "PHONO",
	12: "MULTI CH IN",
	33: "BT AUDIO",
	31: "HDMI-cyclic",
	46: "AirPlay",
	47: "DMR",
}

// SourceDict is a source-id -> name mapping. Set accepts any id; only
// SeedDefaults applies a maximum id. Names are trimmed of trailing spaces
// on insert.
type SourceDict struct {
	byID map[int]string
}

// NewSourceDict returns an empty source dictionary.
func NewSourceDict() *SourceDict {
	return &SourceDict{byID: map[int]string{}}
}

// Set stores name for id, trimming trailing spaces.
func (d *SourceDict) Set(id int, name string) {
	d.byID[id] = strings.TrimRight(name, " ")
}

// Name returns the name for id and whether it is known.
func (d *SourceDict) Name(id int) (string, bool) {
	n, ok := d.byID[id]
	return n, ok
}

// All returns a copy of the full id->name mapping.
func (d *SourceDict) All() map[int]string {
	out := make(map[int]string, len(d.byID))
	for k, v := range d.byID {
		out[k] = v
	}
	return out
}

// ReplaceAll replaces the entire dictionary contents, for the round-trip
// invariant in spec §8 (set_source_dict(d); get_source_dict(None) == d).
func (d *SourceDict) ReplaceAll(m map[int]string) {
	d.byID = make(map[int]string, len(m))
	for k, v := range m {
		d.Set(k, v)
	}
}

// IDsForName returns every source id whose name equals name exactly. Used
// by the facade to detect ambiguity when selecting a source by name.
func (d *SourceDict) IDsForName(name string) []int {
	var ids []int
	for id, n := range d.byID {
		if n == name {
			ids = append(ids, id)
		}
	}
	return ids
}

// sourceIDAsInt parses a wire-format source id string (e.g. "04") into an
// int, returning -1 if it cannot be parsed.
func sourceIDAsInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}

// SeedDefaults populates any id from DefaultSourceNames that is not
// already present, bounded by maxSourceID.
func (d *SourceDict) SeedDefaults(maxSourceID int) {
	for id, name := range DefaultSourceNames {
		if id > maxSourceID {
			continue
		}
		if _, ok := d.byID[id]; !ok {
			d.Set(id, name)
		}
	}
}
