package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/clipvault/ingest/pkg/logger"
	"github.com/floostack/transcoder/ffmpeg"
)

var log = logger.Get("FFmpeg")

const (
	defaultProbeTimeout     = 30 * time.Second
	defaultTranscodeTimeout = 4 * time.Hour
)

var encoders = map[string]string{
	"h264": "libx264",
	"hevc": "libx265",
	"vp9":  "libvpx-vp9",
	"av1":  "libaom-av1",
}

type (
	// ProgressFunc receives the percentage (0-100) of a running transcode.
	ProgressFunc func(percent float64)

	// Transcoder re-encodes a media file so that its video stream uses the
	// target codec, returning the path of the new file.
	Transcoder interface {
		Transcode(ctx context.Context, path string, targetCodec string, progress ProgressFunc) (string, error)
	}

	FfmpegTranscoder struct {
		config    Config
		inspector *Inspector
	}

	// NoopTranscoder is used when ffmpeg is unavailable. Every transcode
	// fails with ErrTranscodingDisabled.
	NoopTranscoder struct{}
)

// NewTranscoder returns the transcoder implementation selected by the config.
func NewTranscoder(config Config) Transcoder {
	if !config.Enabled {
		log.Emit(logger.WARNING, "FFmpeg disabled, media will be stored in its original encoding\n")
		return NoopTranscoder{}
	}

	return &FfmpegTranscoder{config: config, inspector: NewInspector(config)}
}

func (NoopTranscoder) Transcode(_ context.Context, path string, targetCodec string, _ ProgressFunc) (string, error) {
	return "", &TranscodeError{Path: path, TargetCodec: targetCodec, Err: ErrTranscodingDisabled}
}

// RequiresTranscode reports whether media encoded with the codec given must be
// re-encoded before it is stored. UnknownCodec never does: unprobeable input is
// assumed to be compatible.
func (config Config) RequiresTranscode(codec string) bool {
	codec = strings.ToLower(codec)
	if codec == "" || codec == UnknownCodec {
		return false
	}

	return slices.Contains(config.TranscodeCodecs, codec)
}

// Transcode re-encodes the video stream of the input to the target codec (audio is copied)
// and writes the result alongside the input. The output is verified by probing it once
// ffmpeg exits; a missing or incorrectly encoded output is deleted and reported as a
// TranscodeError. The input file is never modified.
func (t *FfmpegTranscoder) Transcode(ctx context.Context, path string, targetCodec string, progress ProgressFunc) (string, error) {
	wrap := func(err error) error { return &TranscodeError{Path: path, TargetCodec: targetCodec, Err: err} }

	opts, err := t.encodeOptions(targetCodec)
	if err != nil {
		return "", wrap(err)
	}

	timeout := t.config.TranscodeTimeout
	if timeout <= 0 {
		timeout = defaultTranscodeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := outputPathFor(path, targetCodec)
	log.Emit(logger.NEW, "Transcoding %s to %s (%s)\n", path, targetCodec, output)

	cmd := ffmpeg.New(&ffmpeg.Config{
		ProgressEnabled: true,
		FfmpegBinPath:   t.config.FfmpegBinPath,
		FfprobeBinPath:  t.config.FfprobeBinPath,
	}).
		Input(path).
		Output(output).
		WithContext(&runCtx)

	progressChannel, err := cmd.Start(opts)
	if err != nil {
		removeOutput(output)
		return "", wrap(parseFfmpegError(err))
	}

	for prog := range progressChannel {
		if progress != nil && prog != nil {
			progress(prog.GetProgress())
		}
	}

	if err := runCtx.Err(); err != nil {
		removeOutput(output)
		return "", wrap(err)
	}

	// ffmpeg's exit status is not surfaced once progress is enabled, so the
	// output is verified directly.
	info, err := t.inspector.Inspect(ctx, output)
	if err != nil {
		removeOutput(output)
		return "", wrap(fmt.Errorf("output could not be verified: %w", err))
	} else if info.VideoCodec != targetCodec {
		removeOutput(output)
		return "", wrap(fmt.Errorf("output has codec %s", info.VideoCodec))
	}

	log.Emit(logger.SUCCESS, "Transcoded %s to %s\n", path, output)
	return output, nil
}

func (t *FfmpegTranscoder) encodeOptions(targetCodec string) (*ffmpeg.Options, error) {
	encoder, ok := encoders[targetCodec]
	if !ok {
		return nil, fmt.Errorf("unsupported target codec %q", targetCodec)
	}

	opts, err := DecodeOptions(t.config.EncoderOptions)
	if err != nil {
		return nil, err
	}

	audioCodec := "copy"
	overwrite := true
	if opts.VideoCodec == nil {
		opts.VideoCodec = &encoder
	}
	if opts.AudioCodec == nil {
		opts.AudioCodec = &audioCodec
	}
	if opts.Preset == nil && t.config.Preset != "" && targetCodec != "vp9" {
		preset := t.config.Preset
		opts.Preset = &preset
	}
	if opts.MovFlags == nil && targetCodec == "h264" {
		faststart := "+faststart"
		opts.MovFlags = &faststart
	}
	opts.Overwrite = &overwrite

	return opts, nil
}

// outputPathFor returns the path of the transcoded sibling of the input.
func outputPathFor(input string, targetCodec string) string {
	ext := ".mp4"
	if targetCodec == "vp9" {
		ext = ".webm"
	}

	base := strings.TrimSuffix(input, filepath.Ext(input))
	return fmt.Sprintf("%s.%s%s", base, targetCodec, ext)
}

func removeOutput(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to remove partial transcode output %s: %v\n", path, err)
	}
}

func parseFfmpegError(err error) error {
	// The error returned by the transcoder library contains the entire ffmpeg
	// output (build flags included); the useful part is the JSON encoded
	// 'message' within it.
	messageMatcher := regexp.MustCompile(`(?s)message: ({.*})`)
	groups := messageMatcher.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	var out struct {
		Error struct {
			String string `json:"string"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil || out.Error.String == "" {
		return errors.New(groups[1])
	}

	return errors.New(out.Error.String)
}
