package ingest

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	VideoPrefix     = "videos/"
	ThumbnailPrefix = "thumbnails/"
)

var (
	unsafeNameChars = regexp.MustCompile(`[^a-z0-9]+`)

	// Not all of these are in the mime package's builtin table.
	mediaContentTypes = map[string]string{
		".mp4":  "video/mp4",
		".m4v":  "video/mp4",
		".webm": "video/webm",
		".mkv":  "video/x-matroska",
		".mov":  "video/quicktime",
		".ts":   "video/mp2t",
		".jpg":  "image/jpeg",
	}
)

// VideoName returns the blob name for a video titled as given, stored at the
// time provided. The extension is taken from the local file being uploaded.
func VideoName(at time.Time, title string, path string) string {
	return fmt.Sprintf("%s%d_%s%s", VideoPrefix, at.UnixMilli(), slugify(title), extensionOf(path))
}

func ThumbnailName(at time.Time, title string) string {
	return fmt.Sprintf("%s%d_%s.jpg", ThumbnailPrefix, at.UnixMilli(), slugify(title))
}

// ContentTypeOf guesses the content type of a media file from its extension.
func ContentTypeOf(path string) string {
	if ct, ok := mediaContentTypes[extensionOf(path)]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(extensionOf(path)); ct != "" {
		return ct
	}

	return "application/octet-stream"
}

func slugify(title string) string {
	slug := strings.Trim(unsafeNameChars.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 64 {
		slug = strings.TrimRight(slug[:64], "-")
	}
	if slug == "" {
		return "video"
	}

	return slug
}

func extensionOf(path string) string {
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		return ext
	}

	return ".mp4"
}
