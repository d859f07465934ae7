package ffmpeg

import (
	"fmt"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/mitchellh/mapstructure"
)

// DecodeOptions converts a free-form map of encoder options (as found in
// configuration files) into the options understood by the transcoder.
// Unknown keys are rejected so that typos do not go unnoticed.
func DecodeOptions(raw map[string]any) (*ffmpeg.Options, error) {
	opts := &ffmpeg.Options{}
	if len(raw) == 0 {
		return opts, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           opts,
		MatchName:        matchOptionName,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid encoder options: %w", err)
	}

	return opts, nil
}

// matchOptionName lets option keys be written in ffmpeg style (e.g. "pix_fmt")
// as well as matching the option field names case-insensitively.
func matchOptionName(mapKey string, fieldName string) bool {
	return normaliseOptionName(mapKey) == normaliseOptionName(fieldName)
}

func normaliseOptionName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_' || c == '-':
			continue
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, c)
		}
	}

	return string(out)
}
