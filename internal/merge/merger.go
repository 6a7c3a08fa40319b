// Package merge folds per-chunk analyses into a single artifact with
// absolute timestamps. Inputs arrive sorted by chunk index; failed chunks
// arrive as placeholder analyses, so the fold never sees a gap.
package merge

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/vidsift/vidsift/internal/analysis"
)

// AggregatedMetadata is the merged content metadata with absolute times.
type AggregatedMetadata struct {
	OriginalDuration         string                      `json:"original_duration"`
	EssentialContentDuration string                      `json:"essential_content_duration"`
	RemovedPercentage        int                         `json:"removed_percentage"`
	FilteredCategories       []analysis.FilteredCategory `json:"filtered_categories"`
	MainContentTimestamps    []analysis.Segment          `json:"main_content_timestamps"`
}

// ProcessingMetadata summarizes how the artifact was produced.
type ProcessingMetadata struct {
	Chunks            int     `json:"chunks"`
	SuccessfulChunks  int     `json:"successful_chunks"`
	FailedChunks      int     `json:"failed_chunks"`
	ModelID           string  `json:"model_id"`
	SourceChecksum    string  `json:"source_checksum,omitempty"`
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// Artifact is the final merged output of a job.
type Artifact struct {
	CleanScript         string             `json:"clean_script"`
	Chapters            []analysis.Chapter `json:"chapters"`
	Summary             string             `json:"summary"`
	KeyConcepts         []string           `json:"key_concepts"`
	PracticeSuggestions []string           `json:"practice_suggestions"`
	ContentMetadata     AggregatedMetadata `json:"content_metadata"`
	ProcessingMetadata  ProcessingMetadata `json:"processing_metadata"`
}

// Merge stitches chunk results into one artifact. Chapter order is the stable
// order of chunks crossed with their internal order; concepts and practice
// suggestions are deduplicated case-insensitively, first occurrence winning.
func Merge(results []analysis.ChunkResult) (*Artifact, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("nothing to merge: no chunk results")
	}

	sorted := make([]analysis.ChunkResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	art := &Artifact{}
	var (
		scripts   []string
		summaries []string

		originalS    float64
		essentialS   float64
		removedPcts  []float64
		categories   []analysis.FilteredCategory
		categoryIdx  = map[string]int{}
		categoryDurS = map[string]float64{}
	)
	conceptSeen := map[string]bool{}
	practiceSeen := map[string]bool{}

	for _, res := range sorted {
		doc := res.Analysis
		offset := res.ChunkStartOffsetS

		if res.Failed {
			art.ProcessingMetadata.FailedChunks++
		} else {
			art.ProcessingMetadata.SuccessfulChunks++
		}

		// Script: later chunks are introduced with their absolute start.
		if res.ChunkIndex == 0 {
			scripts = append(scripts, doc.CleanScript)
		} else {
			scripts = append(scripts, fmt.Sprintf("continuing from %s\n%s", FormatTimestamp(offset), doc.CleanScript))
		}

		// Chapters: translate to absolute times, preserving order.
		for _, ch := range doc.Chapters {
			art.Chapters = append(art.Chapters, analysis.Chapter{
				Title:       ch.Title,
				StartTime:   shiftTimestamp(ch.StartTime, offset),
				EndTime:     shiftTimestamp(ch.EndTime, offset),
				Description: ch.Description,
			})
		}

		if s := strings.TrimSpace(doc.Summary); s != "" {
			summaries = append(summaries, fmt.Sprintf("Part %d (%s onwards): %s", res.ChunkIndex+1, FormatTimestamp(offset), s))
		}

		for _, c := range doc.KeyConcepts {
			key := strings.ToLower(strings.TrimSpace(c))
			if key == "" || conceptSeen[key] {
				continue
			}
			conceptSeen[key] = true
			art.KeyConcepts = append(art.KeyConcepts, c)
		}
		for _, p := range doc.PracticeSuggestions {
			key := strings.ToLower(strings.TrimSpace(p))
			if key == "" || practiceSeen[key] {
				continue
			}
			practiceSeen[key] = true
			art.PracticeSuggestions = append(art.PracticeSuggestions, p)
		}

		md := doc.ContentMetadata
		originalS += ParseFlexibleDuration(md.OriginalDurationEstimate)
		essentialS += ParseFlexibleDuration(md.EssentialContentDuration)
		// Every chunk counts toward the mean; a placeholder contributes 0.
		removedPcts = append(removedPcts, md.RemovedPercentage)

		// Filtered categories: group by exact name, sum durations,
		// description is first seen.
		for _, fc := range md.FilteredCategories {
			if _, ok := categoryIdx[fc.Category]; !ok {
				categoryIdx[fc.Category] = len(categories)
				categories = append(categories, analysis.FilteredCategory{
					Category:    fc.Category,
					Description: fc.Description,
				})
			}
			categoryDurS[fc.Category] += ParseFlexibleDuration(fc.Duration)
		}

		for _, seg := range md.MainContentTimestamps {
			art.ContentMetadata.MainContentTimestamps = append(art.ContentMetadata.MainContentTimestamps, analysis.Segment{
				Start: shiftTimestamp(seg.Start, offset),
				End:   shiftTimestamp(seg.End, offset),
			})
		}
	}

	for i := range categories {
		categories[i].Duration = FormatTimestamp(categoryDurS[categories[i].Category])
	}

	art.CleanScript = strings.Join(scripts, "\n\n")
	art.Summary = strings.Join(summaries, "\n\n")
	art.ContentMetadata.OriginalDuration = FormatTimestamp(originalS)
	art.ContentMetadata.EssentialContentDuration = FormatTimestamp(essentialS)
	art.ContentMetadata.FilteredCategories = categories
	if len(removedPcts) > 0 {
		var sum float64
		for _, p := range removedPcts {
			sum += p
		}
		art.ContentMetadata.RemovedPercentage = int(math.Round(sum / float64(len(removedPcts))))
	}
	art.ProcessingMetadata.Chunks = len(sorted)

	return art, nil
}
