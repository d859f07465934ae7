package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
)

// Thumbnailer extracts a single still frame from a video.
type Thumbnailer struct {
	config Config
}

func NewThumbnailer(config Config) *Thumbnailer {
	return &Thumbnailer{config: config}
}

// Extract writes a JPEG of the frame at the configured offset to a file
// alongside the input, returning its path. The caller owns the file.
func (t *Thumbnailer) Extract(ctx context.Context, path string) (string, error) {
	if !t.config.Enabled {
		return "", ErrTranscodingDisabled
	}

	output := strings.TrimSuffix(path, filepath.Ext(path)) + ".thumb.jpg"
	seek := fmt.Sprintf("%.3f", t.config.ThumbnailOffset.Seconds())
	frames := 1
	overwrite := true

	timeout := t.config.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := ffmpeg.New(&ffmpeg.Config{
		ProgressEnabled: true,
		FfmpegBinPath:   t.config.FfmpegBinPath,
		FfprobeBinPath:  t.config.FfprobeBinPath,
	}).
		Input(path).
		Output(output).
		WithContext(&runCtx)

	done, err := cmd.Start(&ffmpeg.Options{SeekTime: &seek, Vframes: &frames, Overwrite: &overwrite})
	if err != nil {
		return "", parseFfmpegError(err)
	}
	for range done {
		// Drained until ffmpeg exits
	}

	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		removeOutput(output)
		if err == nil {
			err = errors.New("empty thumbnail written")
		}
		return "", fmt.Errorf("thumbnail extraction for %s failed: %w", path, err)
	}

	return output, nil
}
