package catalog

import (
	"fmt"
	"strings"
)

type (
	ProblemKind string

	// Problem is a single integrity violation found in a document.
	Problem struct {
		Kind       ProblemKind `json:"kind"`
		VideoID    string      `json:"videoId,omitempty"`
		StreamerID string      `json:"streamerId"`
		Recorded   int         `json:"recorded,omitempty"`
		Actual     int         `json:"actual,omitempty"`
	}

	IntegrityError struct {
		Problems []Problem
	}
)

const (
	DanglingStreamer ProblemKind = "dangling_streamer"
	CountDrift       ProblemKind = "count_drift"
	DuplicateVideo   ProblemKind = "duplicate_video"
)

func (p Problem) String() string {
	switch p.Kind {
	case DanglingStreamer:
		return fmt.Sprintf("video %s references missing streamer %s", p.VideoID, p.StreamerID)
	case CountDrift:
		return fmt.Sprintf("streamer %s records %d videos but has %d", p.StreamerID, p.Recorded, p.Actual)
	case DuplicateVideo:
		return fmt.Sprintf("video id %s appears more than once", p.VideoID)
	}

	return string(p.Kind)
}

func (e *IntegrityError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.String())
	}

	return "catalog integrity violated: " + strings.Join(msgs, "; ")
}

// Validate checks the referential integrity of the document, returning
// every problem found. A nil result means the document is consistent.
func Validate(doc *Document) []Problem {
	var problems []Problem

	actual := make(map[string]int, len(doc.Streamers))
	for _, s := range doc.Streamers {
		actual[s.ID] = 0
	}

	seen := make(map[string]bool, len(doc.Videos))
	for _, v := range doc.Videos {
		if seen[v.ID] {
			problems = append(problems, Problem{Kind: DuplicateVideo, VideoID: v.ID, StreamerID: v.StreamerID})
		}
		seen[v.ID] = true

		if _, ok := actual[v.StreamerID]; !ok {
			problems = append(problems, Problem{Kind: DanglingStreamer, VideoID: v.ID, StreamerID: v.StreamerID})
			continue
		}
		actual[v.StreamerID]++
	}

	for _, s := range doc.Streamers {
		if s.VideoCount != actual[s.ID] {
			problems = append(problems, Problem{Kind: CountDrift, StreamerID: s.ID, Recorded: s.VideoCount, Actual: actual[s.ID]})
		}
	}

	return problems
}

// RecountStreamers sets each streamer's VideoCount to the number of videos
// referencing it, returning the drift that was corrected.
func RecountStreamers(doc *Document) []Problem {
	actual := make(map[string]int, len(doc.Streamers))
	for _, v := range doc.Videos {
		actual[v.StreamerID]++
	}

	var fixed []Problem
	for i := range doc.Streamers {
		s := &doc.Streamers[i]
		if s.VideoCount != actual[s.ID] {
			fixed = append(fixed, Problem{Kind: CountDrift, StreamerID: s.ID, Recorded: s.VideoCount, Actual: actual[s.ID]})
			s.VideoCount = actual[s.ID]
		}
	}

	return fixed
}

// introducedProblems returns the problems present in after that were not
// already present in before. Count drift is compared by streamer only, as the
// recorded counts are expected to change.
func introducedProblems(before []Problem, after []Problem) []Problem {
	key := func(p Problem) string { return fmt.Sprintf("%s/%s/%s", p.Kind, p.StreamerID, p.VideoID) }
	existing := make(map[string]bool, len(before))
	for _, p := range before {
		existing[key(p)] = true
	}

	var introduced []Problem
	for _, p := range after {
		if !existing[key(p)] {
			introduced = append(introduced, p)
		}
	}

	return introduced
}
