package catalog

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

type (
	Streamer struct {
		ID         string    `json:"id"`
		Name       string    `json:"name"`
		VideoCount int       `json:"videoCount"`
		Followers  int       `json:"followers"`
		CreatedAt  time.Time `json:"createdAt"`
	}

	Video struct {
		ID           string    `json:"id"`
		StreamerID   string    `json:"streamerId"`
		Title        string    `json:"title"`
		VideoURL     string    `json:"videoUrl"`
		ThumbnailURL string    `json:"thumbnailUrl"`
		Duration     float64   `json:"duration"`
		CreatedAt    time.Time `json:"createdAt"`
		Views        int       `json:"views"`
		Likes        int       `json:"likes"`
	}

	// Document is the whole catalog, stored as a single JSON blob. Every
	// video must reference an existing streamer, and each streamer's
	// VideoCount must equal the number of videos referencing it.
	Document struct {
		Streamers []Streamer `json:"streamers"`
		Videos    []Video    `json:"videos"`

		// revision identifies the stored bytes this document was
		// loaded from (or last saved as). Empty for new documents.
		revision string
	}
)

func parseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	doc.normalise()
	doc.revision = revisionOf(data)
	return &doc, nil
}

func (doc *Document) normalise() {
	if doc.Streamers == nil {
		doc.Streamers = make([]Streamer, 0)
	}
	if doc.Videos == nil {
		doc.Videos = make([]Video, 0)
	}
}

// Revision returns the content hash of the stored blob this document
// was read from, or the empty string if it has never been stored.
func (doc *Document) Revision() string { return doc.revision }

func (doc *Document) Streamer(id string) *Streamer {
	for i := range doc.Streamers {
		if doc.Streamers[i].ID == id {
			return &doc.Streamers[i]
		}
	}

	return nil
}

func (doc *Document) StreamerByName(name string) *Streamer {
	for i := range doc.Streamers {
		if strings.EqualFold(doc.Streamers[i].Name, name) {
			return &doc.Streamers[i]
		}
	}

	return nil
}

func (doc *Document) Video(id string) *Video {
	for i := range doc.Videos {
		if doc.Videos[i].ID == id {
			return &doc.Videos[i]
		}
	}

	return nil
}

// VideosFor returns the videos belonging to the streamer, newest first.
func (doc *Document) VideosFor(streamerID string) []Video {
	out := make([]Video, 0)
	for _, v := range doc.Videos {
		if v.StreamerID == streamerID {
			out = append(out, v)
		}
	}

	slices.SortStableFunc(out, func(a, b Video) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// Clone returns a deep copy of the document.
func (doc *Document) Clone() *Document {
	return &Document{
		Streamers: slices.Clone(doc.Streamers),
		Videos:    slices.Clone(doc.Videos),
		revision:  doc.revision,
	}
}

func revisionOf(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
