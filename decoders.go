package pioneeravr

import (
	"fmt"
	"strconv"
	"strings"
)

// NewDefaultCodeRegistry returns the reference command/decoder table shipped
// with the core, covering power, volume, mute, source selection, listening
// mode, and tuner frequency for every zone the wire protocol supports, plus
// the global identification responses (model, software version, MAC) and
// the source-name dump used to seed a SourceDict. Spec §4.3 frames the
// table as "external, pluggable": this is the reference set a caller can
// use as-is or extend with RegisterCommand/RegisterDecoder for
// model-specific mnemonics the core does not ship.
//
// Grounded on the teacher's decoder_parser.go / decoder_types.go, which
// ship one fixed decode table for one real protocol; generalized here into
// an explicit, documented multi-zone table for the publicly documented
// Pioneer CI/ASCII control protocol.
func NewDefaultCodeRegistry() *CodeRegistry {
	r := NewCodeRegistry()
	for _, zone := range AllZones() {
		registerZoneCommands(r, zone)
		registerZoneDecoders(r, zone)
	}
	registerGlobalCommands(r)
	registerGlobalDecoders(r)
	return r
}

func registerZoneCommands(r *CodeRegistry, zone Zone) {
	zp, err := zonePrefix(zone)
	if err != nil {
		return
	}

	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "power_on"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "PWR",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "PO", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "power_off"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "PWR",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "PF", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "power_query"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "PWR",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "?P", nil
		},
	})

	volDigits := 2
	if zone == ZoneMain {
		volDigits = 3
	}
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "volume_set"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "VOL",
		Build: func(z Zone, args []any) (string, error) {
			level, err := intArg(args, 0, "level")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s%0*d%s", zp, volDigits, level, "VL"), nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "volume_up"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "VOL",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "VU", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "volume_down"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "VOL",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "VD", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "volume_query"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "VOL",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "?V", nil
		},
	})

	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "mute_on"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "MUT",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "MO", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "mute_off"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "MUT",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "MF", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "mute_query"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "MUT",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "?M", nil
		},
	})

	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "source_set"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "FN",
		Build: func(z Zone, args []any) (string, error) {
			id, err := intArg(args, 0, "source id")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s%02d%s", zp, id, "FN"), nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           commandName(zone, "source_query"),
		ZoneScoped:     true,
		ResponsePrefix: zp + "FN",
		Build: func(z Zone, args []any) (string, error) {
			return zp + "?F", nil
		},
	})
}

func registerZoneDecoders(r *CodeRegistry, zone Zone) {
	zp, err := zonePrefix(zone)
	if err != nil {
		return
	}

	// Power: the documented wire convention inverts the intuitive sense,
	// "0" means the zone is on and "1" means it is off.
	r.RegisterDecoder(zp+"PWR", func(rest string, props *Properties, params *Params) []Zone {
		on := strings.TrimSpace(rest) == "0"
		props.SetPower(zone, on)
		return []Zone{zone}
	})

	r.RegisterDecoder(zp+"VOL", func(rest string, props *Properties, params *Params) []Zone {
		level, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return nil
		}
		props.SetVolume(zone, level)
		props.SetMaxVolume(zone, params.MaxVolumeFor(zone))
		return []Zone{zone}
	})

	// Mute: same inverted convention as power.
	r.RegisterDecoder(zp+"MUT", func(rest string, props *Properties, params *Params) []Zone {
		muted := strings.TrimSpace(rest) == "0"
		props.SetMute(zone, muted)
		return []Zone{zone}
	})

	r.RegisterDecoder(zp+"FN", func(rest string, props *Properties, params *Params) []Zone {
		id := strings.TrimSpace(rest)
		if id == "" {
			return nil
		}
		props.SetSourceID(zone, id)
		return []Zone{zone}
	})
}

func registerGlobalCommands(r *CodeRegistry) {
	r.RegisterCommand(CommandSpec{
		Name:           "listening_mode_query",
		ResponsePrefix: "SR",
		Build: func(z Zone, args []any) (string, error) {
			return "?S", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           "tuner_frequency_query",
		ResponsePrefix: "FR",
		Build: func(z Zone, args []any) (string, error) {
			return "?FR", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           "source_names_query",
		ResponsePrefix: "RGB",
		Build: func(z Zone, args []any) (string, error) {
			return "?RGB", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           "model_query",
		ResponsePrefix: "MDL",
		Build: func(z Zone, args []any) (string, error) {
			return "?MDL", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           "software_version_query",
		ResponsePrefix: "VER",
		Build: func(z Zone, args []any) (string, error) {
			return "?VER", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           "mac_address_query",
		ResponsePrefix: "MAC",
		Build: func(z Zone, args []any) (string, error) {
			return "?MAC", nil
		},
	})

	r.RegisterCommand(CommandSpec{
		Name:           "listening_mode_set",
		ResponsePrefix: "SR",
		Build: func(z Zone, args []any) (string, error) {
			id, err := stringArg(args, 0, "listening mode id")
			if err != nil {
				return "", err
			}
			return id + "SR", nil
		},
	})

	// tuner_up/tuner_down step the tuned frequency by one model-defined
	// increment; tuner_direct_set jumps straight to a frequency on models
	// that support direct entry (spec §4.8: set_tuner_frequency).
	r.RegisterCommand(CommandSpec{
		Name:           "tuner_up",
		ResponsePrefix: "FR",
		Build: func(z Zone, args []any) (string, error) {
			return "TFI", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           "tuner_down",
		ResponsePrefix: "FR",
		Build: func(z Zone, args []any) (string, error) {
			return "TFD", nil
		},
	})
	r.RegisterCommand(CommandSpec{
		Name:           "tuner_direct_set",
		ResponsePrefix: "FR",
		Build: func(z Zone, args []any) (string, error) {
			raw, err := intArg(args, 0, "frequency")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%05dTFAN", raw), nil
		},
	})
}

// listeningModeNames maps a handful of well-documented listening mode ids
// to display names; ids not in this table surface as "Mode <id>" rather
// than being dropped, since the full table is large and model-dependent.
var listeningModeNames = map[string]string{
	"0001": "STEREO",
	"0009": "STEREO (direct set)",
	"0151": "PRO LOGIC2 MOVIE",
	"0152": "PRO LOGIC2 MUSIC",
	"0153": "PRO LOGIC2 GAME",
	"0050": "THX",
	"0076": "EXPANDED SURROUND",
}

func registerGlobalDecoders(r *CodeRegistry) {
	r.RegisterDecoder("SR", func(rest string, props *Properties, params *Params) []Zone {
		id := strings.TrimSpace(rest)
		name, ok := listeningModeNames[id]
		if !ok {
			name = fmt.Sprintf("Mode %s", id)
		}
		props.SetGlobal(&name, &id, nil, nil, nil)
		return nil
	})

	r.RegisterDecoder("FR", func(rest string, props *Properties, params *Params) []Zone {
		raw, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return nil
		}
		// frequency_raw is the wire value as-is; FM direct entry reports it
		// in hundredths of a MHz, AM in whole kHz. The facade, which always
		// knows which band it last tuned, converts accordingly.
		props.SetTopic("tuner", map[string]any{"frequency_raw": raw})
		return nil
	})

	r.RegisterDecoder("RGB", func(rest string, props *Properties, params *Params) []Zone {
		if len(rest) < 2 {
			return nil
		}
		id := sourceIDAsInt(rest[:2])
		if id < 0 {
			return nil
		}
		props.SetSourceDictEntry(id, rest[2:])
		return nil
	})

	r.RegisterDecoder("MDL", func(rest string, props *Properties, params *Params) []Zone {
		model := strings.TrimSpace(rest)
		props.SetGlobal(nil, nil, &model, nil, nil)
		return nil
	})

	r.RegisterDecoder("VER", func(rest string, props *Properties, params *Params) []Zone {
		version := strings.TrimSpace(rest)
		props.SetGlobal(nil, nil, nil, &version, nil)
		return nil
	})

	r.RegisterDecoder("MAC", func(rest string, props *Properties, params *Params) []Zone {
		mac := strings.TrimSpace(rest)
		props.SetGlobal(nil, nil, nil, nil, &mac)
		return nil
	})
}

func commandName(zone Zone, base string) string {
	if zone == ZoneMain {
		return base
	}
	return strings.ToLower(strings.ReplaceAll(zone.String(), " ", "")) + "_" + base
}

func stringArg(args []any, idx int, label string) (string, error) {
	if idx >= len(args) {
		return "", newValidationError(label, "missing argument")
	}
	s, ok := args[idx].(string)
	if !ok || s == "" {
		return "", newValidationError(label, fmt.Sprintf("expected non-empty string, got %T", args[idx]))
	}
	return s, nil
}

func intArg(args []any, idx int, label string) (int, error) {
	if idx >= len(args) {
		return 0, newValidationError(label, "missing argument")
	}
	switch v := args[idx].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, newValidationError(label, fmt.Sprintf("expected int, got %T", v))
	}
}
