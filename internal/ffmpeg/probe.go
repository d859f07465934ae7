package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
)

const UnknownCodec = "unknown"

var errNoVideoStream = errors.New("no video stream found")

// MediaInfo is a summary of a probed media file.
type MediaInfo struct {
	VideoCodec string
	AudioCodec string
	Duration   float64
	Width      int
	Height     int
	Size       int64
}

type Inspector struct {
	config Config
}

func NewInspector(config Config) *Inspector {
	return &Inspector{config: config}
}

// Probe returns the codec name of the first video stream in the file
// at the path provided, or UnknownCodec if the file could not be probed
// for any reason. Failures are logged, never returned.
func (inspector *Inspector) Probe(ctx context.Context, path string) string {
	info, err := inspector.Inspect(ctx, path)
	if err != nil {
		log.Warnf("%s\n", (&CodecProbeError{Path: path, Err: err}).Error())
		return UnknownCodec
	}

	return info.VideoCodec
}

// Inspect probes the file at the path provided, returning a summary of the
// streams inside it. An error is returned if ffprobe fails, does not respond
// within the configured timeout, or the file contains no video stream.
func (inspector *Inspector) Inspect(ctx context.Context, path string) (*MediaInfo, error) {
	metadata, err := inspector.metadata(ctx, path)
	if err != nil {
		return nil, err
	}

	info := &MediaInfo{}
	for _, stream := range metadata.GetStreams() {
		switch stream.GetCodecType() {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = stream.GetCodecName()
				info.Width = stream.GetWidth()
				info.Height = stream.GetHeight()
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.GetCodecName()
			}
		}
	}

	if info.VideoCodec == "" {
		return nil, errNoVideoStream
	}

	if format := metadata.GetFormat(); format != nil {
		info.Duration, _ = strconv.ParseFloat(format.GetDuration(), 64)
		info.Size, _ = strconv.ParseInt(format.GetSize(), 10, 64)
	}

	return info, nil
}

// metadata runs ffprobe against the path. The transcoder library offers no way
// to cancel a probe, so the call is raced against the probe timeout (and the
// context); an abandoned probe is left to finish in the background.
func (inspector *Inspector) metadata(ctx context.Context, path string) (transcoder.Metadata, error) {
	if inspector.config.FfprobeBinPath == "" {
		return nil, errors.New("ffprobe binary path not configured")
	}

	type result struct {
		metadata transcoder.Metadata
		err      error
	}

	done := make(chan result, 1)
	go func() {
		cmd := ffmpeg.New(&ffmpeg.Config{
			FfmpegBinPath:  inspector.config.FfmpegBinPath,
			FfprobeBinPath: inspector.config.FfprobeBinPath,
		}).Input(path)

		metadata, err := cmd.GetMetadata()
		done <- result{metadata, err}
	}()

	timeout := inspector.config.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, parseFfmpegError(res.err)
		}
		if res.metadata == nil {
			return nil, fmt.Errorf("ffprobe returned no metadata for %s", path)
		}
		return res.metadata, nil
	case <-probeCtx.Done():
		return nil, fmt.Errorf("ffprobe did not complete: %w", probeCtx.Err())
	}
}
