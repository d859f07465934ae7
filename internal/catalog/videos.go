package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

var (
	ErrVideoNotFound      = errors.New("video does not exist")
	ErrDuplicateVideo     = errors.New("video already exists")
	ErrStreamerIdentifier = errors.New("video must specify a streamer id or name")
)

// AddVideo atomically appends the video to the catalog, creating its streamer if
// it does not exist yet and incrementing the streamer's video count by exactly
// one. The streamer is matched by the video's StreamerID, or, when that is empty,
// by name. The stored video is returned.
func (s *Synchronizer) AddVideo(ctx context.Context, video Video, streamerName string) (*Video, error) {
	if video.StreamerID == "" && streamerName == "" {
		return nil, ErrStreamerIdentifier
	}
	if video.ID == "" {
		video.ID = uuid.NewString()
	}
	if video.CreatedAt.IsZero() {
		video.CreatedAt = s.clock().UTC()
	}

	_, err := s.Mutate(ctx, func(doc *Document) error {
		if doc.Video(video.ID) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateVideo, video.ID)
		}

		streamer := s.resolveStreamer(doc, video.StreamerID, streamerName)
		video.StreamerID = streamer.ID
		streamer.VideoCount++
		doc.Videos = append(doc.Videos, video)

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Added video %s (%q) to streamer %s\n", video.ID, video.Title, video.StreamerID)
	return &video, nil
}

// resolveStreamer finds the streamer by id (or name, if id is empty),
// appending a new streamer to the document if none matches.
func (s *Synchronizer) resolveStreamer(doc *Document, id string, name string) *Streamer {
	if id != "" {
		if existing := doc.Streamer(id); existing != nil {
			return existing
		}
	} else if existing := doc.StreamerByName(name); existing != nil {
		return existing
	}

	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = id
	}

	log.Infof("Creating streamer %s (%q)\n", id, name)
	doc.Streamers = append(doc.Streamers, Streamer{ID: id, Name: name, CreatedAt: s.clock().UTC()})
	return &doc.Streamers[len(doc.Streamers)-1]
}

// RemoveVideo atomically removes the video, decrementing its
// streamer's video count.
func (s *Synchronizer) RemoveVideo(ctx context.Context, id string) error {
	_, err := s.Mutate(ctx, func(doc *Document) error {
		idx := slices.IndexFunc(doc.Videos, func(v Video) bool { return v.ID == id })
		if idx == -1 {
			return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
		}

		if streamer := doc.Streamer(doc.Videos[idx].StreamerID); streamer != nil && streamer.VideoCount > 0 {
			streamer.VideoCount--
		}
		doc.Videos = slices.Delete(doc.Videos, idx, idx+1)

		return nil
	})

	return err
}

// UpdateVideo atomically applies fn to the stored video. The video ID cannot be
// changed; moving a video to another (existing) streamer adjusts both
// streamers' counts.
func (s *Synchronizer) UpdateVideo(ctx context.Context, id string, fn func(*Video) error) (*Video, error) {
	var updated Video
	_, err := s.Mutate(ctx, func(doc *Document) error {
		video := doc.Video(id)
		if video == nil {
			return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
		}

		previousStreamer := video.StreamerID
		if err := fn(video); err != nil {
			return err
		}
		video.ID = id

		if video.StreamerID != previousStreamer {
			if old := doc.Streamer(previousStreamer); old != nil && old.VideoCount > 0 {
				old.VideoCount--
			}
			if next := doc.Streamer(video.StreamerID); next != nil {
				next.VideoCount++
			}
		}

		updated = *video
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}
