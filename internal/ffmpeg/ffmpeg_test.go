package ffmpeg_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func testConfig() ffmpeg.Config {
	return ffmpeg.Config{
		Enabled:          true,
		FfmpegBinPath:    "ffmpeg",
		FfprobeBinPath:   "ffprobe",
		ProbeTimeout:     30 * time.Second,
		TranscodeTimeout: time.Minute,
		TranscodeCodecs:  []string{"hevc"},
		TargetCodec:      "h264",
		Preset:           "ultrafast",
		ThumbnailOffset:  500 * time.Millisecond,
	}
}

// requireFfmpeg skips the test unless ffmpeg and ffprobe are installed, and
// resolves their paths in the config returned.
func requireFfmpeg(t *testing.T) ffmpeg.Config {
	config := testConfig()
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg binary not available")
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe binary not available")
	}

	config.FfmpegBinPath = ffmpegPath
	config.FfprobeBinPath = ffprobePath
	return config
}

func requireEncoder(t *testing.T, config ffmpeg.Config, encoder string) {
	out, err := exec.Command(config.FfmpegBinPath, "-hide_banner", "-encoders").Output()
	if err != nil || !strings.Contains(string(out), encoder) {
		t.Skipf("ffmpeg build does not include the %s encoder", encoder)
	}
}

// generateClip writes a short synthetic clip encoded with the codec given.
func generateClip(t *testing.T, config ffmpeg.Config, codec string, name string) string {
	path := filepath.Join(t.TempDir(), name)
	cmd := exec.Command(config.FfmpegBinPath, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=2:size=160x90:rate=10",
		"-c:v", codec, "-y", path)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "failed to generate test clip: %s", out)

	return path
}

func TestProbe_UnknownOnFailure(t *testing.T) {
	t.Parallel()
	tests := map[string]func(*ffmpeg.Config) string{
		"MissingFile": func(c *ffmpeg.Config) string {
			return filepath.Join(t.TempDir(), "does-not-exist.mp4")
		},
		"MissingBinary": func(c *ffmpeg.Config) string {
			c.FfprobeBinPath = filepath.Join(t.TempDir(), "no-ffprobe-here")
			return filepath.Join(t.TempDir(), "clip.mp4")
		},
		"UnconfiguredBinary": func(c *ffmpeg.Config) string {
			c.FfprobeBinPath = ""
			return "clip.mp4"
		},
		"CorruptFile": func(c *ffmpeg.Config) string {
			p := filepath.Join(t.TempDir(), "corrupt.mp4")
			require.NoError(t, os.WriteFile(p, []byte("this is not a video"), 0o600))
			return p
		},
	}

	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			config := testConfig()
			path := setup(&config)

			codec := ffmpeg.NewInspector(config).Probe(ctx, path)
			assert.Equal(t, ffmpeg.UnknownCodec, codec)
		})
	}
}

func TestNoopTranscoder_AlwaysFails(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.Enabled = false

	transcoder := ffmpeg.NewTranscoder(config)
	_, isNoop := transcoder.(ffmpeg.NoopTranscoder)
	require.True(t, isNoop)

	out, err := transcoder.Transcode(ctx, "/tmp/input.mkv", "h264", nil)
	assert.Empty(t, out)

	var transcodeErr *ffmpeg.TranscodeError
	require.ErrorAs(t, err, &transcodeErr)
	assert.ErrorIs(t, err, ffmpeg.ErrTranscodingDisabled)
	assert.Equal(t, "/tmp/input.mkv", transcodeErr.Path)
}

func TestConfig_RequiresTranscode(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.TranscodeCodecs = []string{"hevc", "vp9"}

	assert.True(t, config.RequiresTranscode("hevc"))
	assert.True(t, config.RequiresTranscode("VP9"))
	assert.False(t, config.RequiresTranscode("h264"))
	assert.False(t, config.RequiresTranscode("mpeg4"))
	assert.False(t, config.RequiresTranscode(ffmpeg.UnknownCodec), "unprobeable media is stored as-is")
	assert.False(t, config.RequiresTranscode(""))

	config.TranscodeCodecs = append(config.TranscodeCodecs, ffmpeg.UnknownCodec)
	assert.False(t, config.RequiresTranscode(ffmpeg.UnknownCodec))
}

func TestDecodeOptions(t *testing.T) {
	t.Parallel()
	opts, err := ffmpeg.DecodeOptions(map[string]any{
		"crf":      "23",
		"pix_fmt":  "yuv420p",
		"MovFlags": "+faststart",
	})
	require.NoError(t, err)
	require.NotNil(t, opts.Crf)
	assert.EqualValues(t, 23, *opts.Crf)
	require.NotNil(t, opts.PixFmt)
	assert.Equal(t, "yuv420p", *opts.PixFmt)
	require.NotNil(t, opts.MovFlags)
	assert.Equal(t, "+faststart", *opts.MovFlags)
	assert.Nil(t, opts.VideoCodec)

	_, err = ffmpeg.DecodeOptions(map[string]any{"not_an_option": true})
	assert.Error(t, err)

	empty, err := ffmpeg.DecodeOptions(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
}

func TestTranscode_UnsupportedTargetCodec(t *testing.T) {
	t.Parallel()
	_, err := ffmpeg.NewTranscoder(testConfig()).Transcode(ctx, "/tmp/in.mp4", "theora", nil)

	var transcodeErr *ffmpeg.TranscodeError
	require.ErrorAs(t, err, &transcodeErr)
	assert.Equal(t, "theora", transcodeErr.TargetCodec)
}

// An HEVC clip probes as hevc, is transcoded to h264 and the result re-probes
// as h264; the original file is left in place.
func TestTranscode_HevcRoundTrip(t *testing.T) {
	config := requireFfmpeg(t)
	requireEncoder(t, config, "libx264")
	requireEncoder(t, config, "libx265")

	input := generateClip(t, config, "libx265", "clip.mp4")
	inspector := ffmpeg.NewInspector(config)
	require.Equal(t, "hevc", inspector.Probe(ctx, input))
	require.True(t, config.RequiresTranscode("hevc"))

	var lastProgress float64
	output, err := ffmpeg.NewTranscoder(config).Transcode(ctx, input, "h264", func(p float64) { lastProgress = p })
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(output) })

	assert.NotEqual(t, input, output)
	assert.Equal(t, "h264", inspector.Probe(ctx, output))
	assert.Equal(t, "hevc", inspector.Probe(ctx, input), "original must be untouched")
	assert.GreaterOrEqual(t, lastProgress, 0.0)

	info, err := inspector.Inspect(ctx, output)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, info.Duration, 0.5)
	assert.Equal(t, 160, info.Width)
}

// Anything other than HEVC is served as encoded.
func TestConfig_NonHevcClipIsNotTranscoded(t *testing.T) {
	config := requireFfmpeg(t)
	requireEncoder(t, config, "mpeg4")

	input := generateClip(t, config, "mpeg4", "clip.mp4")
	codec := ffmpeg.NewInspector(config).Probe(ctx, input)
	require.Equal(t, "mpeg4", codec)
	assert.False(t, config.RequiresTranscode(codec))
}

func TestTranscode_InvalidInputLeavesNoOutput(t *testing.T) {
	config := requireFfmpeg(t)

	input := filepath.Join(t.TempDir(), "broken.avi")
	require.NoError(t, os.WriteFile(input, []byte("garbage"), 0o600))

	_, err := ffmpeg.NewTranscoder(config).Transcode(ctx, input, "h264", nil)
	var transcodeErr *ffmpeg.TranscodeError
	require.ErrorAs(t, err, &transcodeErr)

	entries, err := os.ReadDir(filepath.Dir(input))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the original input should remain")
}

func TestThumbnailer_Extract(t *testing.T) {
	config := requireFfmpeg(t)
	requireEncoder(t, config, "mpeg4")
	input := generateClip(t, config, "mpeg4", "thumb-source.mp4")

	thumb, err := ffmpeg.NewThumbnailer(config).Extract(ctx, input)
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(thumb) })

	assert.True(t, strings.HasSuffix(thumb, ".thumb.jpg"))
	stat, err := os.Stat(thumb)
	require.NoError(t, err)
	assert.Positive(t, stat.Size())
}
