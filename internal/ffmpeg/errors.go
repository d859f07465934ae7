package ffmpeg

import (
	"errors"
	"fmt"
)

var ErrTranscodingDisabled = errors.New("transcoding is disabled")

type (
	// CodecProbeError is logged whenever ffprobe fails to identify a file. It
	// is never returned by Probe, which degrades to "unknown" instead.
	CodecProbeError struct {
		Path string
		Err  error
	}

	// TranscodeError describes a failed re-encode. The original input is
	// always left untouched and any partial output has been removed.
	TranscodeError struct {
		Path        string
		TargetCodec string
		Err         error
	}
)

func (e *CodecProbeError) Error() string {
	return fmt.Sprintf("failed to probe codec of %s: %v", e.Path, e.Err)
}

func (e *CodecProbeError) Unwrap() error { return e.Err }

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("failed to transcode %s to %s: %v", e.Path, e.TargetCodec, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }
