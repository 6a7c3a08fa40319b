// Package analysis is the client for the external multimodal analysis
// service: one generate-call per chunk, JSON response handling with a single
// repair pass, and the placeholder documents substituted for failed chunks.
package analysis

import "fmt"

// Document is the structured analysis the service returns for one chunk. All
// timestamps inside it are relative to the chunk's own start.
type Document struct {
	CleanScript         string          `json:"clean_script"`
	Chapters            []Chapter       `json:"chapters"`
	Summary             string          `json:"summary"`
	KeyConcepts         []string        `json:"key_concepts"`
	PracticeSuggestions []string        `json:"practice_suggestions"`
	ContentMetadata     ContentMetadata `json:"content_metadata"`
}

// Chapter is a titled section of the video.
type Chapter struct {
	Title       string `json:"title"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Description string `json:"description,omitempty"`
}

// ContentMetadata describes what the service kept and filtered.
type ContentMetadata struct {
	OriginalDurationEstimate string             `json:"original_duration_estimate"`
	EssentialContentDuration string             `json:"essential_content_duration"`
	RemovedPercentage        float64            `json:"removed_percentage"`
	FilteredCategories       []FilteredCategory `json:"filtered_categories"`
	MainContentTimestamps    []Segment          `json:"main_content_timestamps"`
}

// FilteredCategory is a class of removed content with its total duration.
type FilteredCategory struct {
	Category    string `json:"category"`
	Duration    string `json:"duration"`
	Description string `json:"description,omitempty"`
}

// Segment is a (start,end) time range, formatted HH:MM:SS.
type Segment struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ChunkResult pairs a chunk's analysis with its absolute position in the
// source video.
type ChunkResult struct {
	ChunkIndex        int      `json:"chunk_index"`
	ChunkStartOffsetS float64  `json:"chunk_start_offset_s"`
	Analysis          Document `json:"analysis"`
	Failed            bool     `json:"failed,omitempty"`
}

// Placeholder builds a minimally-valid analysis for a failed chunk so index
// density and merger invariants hold downstream.
func Placeholder(startS, endS float64, reason string) Document {
	window := fmt.Sprintf("%s to %s", formatClock(startS), formatClock(endS))
	return Document{
		CleanScript: fmt.Sprintf("[Content from %s — %s]", window, reason),
		Chapters: []Chapter{{
			Title:     "Analysis failed",
			StartTime: "00:00",
			EndTime:   formatClock(endS - startS),
		}},
		Summary: fmt.Sprintf("Analysis of %s failed: %s", window, reason),
		ContentMetadata: ContentMetadata{
			OriginalDurationEstimate: formatClock(endS - startS),
			EssentialContentDuration: "Unknown",
		},
	}
}

func formatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(seconds + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
