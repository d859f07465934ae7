package ffmpeg

import "time"

// Config controls how media is inspected and (re-)encoded. When Enabled is false
// a NoopTranscoder is used and no ffmpeg binaries are required to be present.
// Enabled defaults to true; the default is seeded by LoadConfig rather than a tag.
type Config struct {
	Enabled          bool          `yaml:"enabled" env:"FFMPEG_ENABLED"`
	FfmpegBinPath    string        `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinPath   string        `yaml:"ffprobe_binary" env:"FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" env:"FFMPEG_PROBE_TIMEOUT" env-default:"30s"`
	TranscodeTimeout time.Duration `yaml:"transcode_timeout" env:"FFMPEG_TRANSCODE_TIMEOUT" env-default:"4h"`

	// TranscodeCodecs lists the video codecs which must be re-encoded to
	// TargetCodec before upload. Every other codec, including one which could
	// not be probed, is stored as-is.
	TranscodeCodecs []string `yaml:"transcode_codecs" env:"FFMPEG_TRANSCODE_CODECS" env-separator:"," env-default:"hevc"`
	TargetCodec     string   `yaml:"target_codec" env:"FFMPEG_TARGET_CODEC" env-default:"h264" validate:"oneof=h264 hevc vp9 av1"`
	Preset          string   `yaml:"preset" env:"FFMPEG_PRESET" env-default:"veryfast"`

	// EncoderOptions are additional options merged on top of the defaults used
	// when re-encoding. Keys match the option names understood by the
	// transcoder library (e.g. "crf", "pix_fmt").
	EncoderOptions map[string]any `yaml:"encoder_options"`

	ThumbnailOffset time.Duration `yaml:"thumbnail_offset" env:"FFMPEG_THUMBNAIL_OFFSET" env-default:"1s"`
}
