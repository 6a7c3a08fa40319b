// Package plan derives time-based chunk plans from a source video. Chunks
// partition the estimated duration into consecutive windows; an optional
// overlap extends each non-terminal window as read-only context for the
// analysis service without shifting the next window's start.
package plan

import (
	"fmt"
	"math"
)

// megabytesPerMinute is the heuristic bitrate used to estimate duration from
// file size when the container cannot be probed. Explicitly approximate;
// downstream code tolerates the last chunk overshooting the real duration.
const megabytesPerMinute = 16.0

// Chunk is one contiguous analysis window of the source video.
type Chunk struct {
	Index     int     `json:"index"`
	StartS    float64 `json:"start_s"`
	EndS      float64 `json:"end_s"`
	DurationS float64 `json:"duration_s"`
}

// Plan is the ordered partition of a video into chunks.
type Plan struct {
	Chunks     []Chunk `json:"chunks"`
	EstimatedS float64 `json:"estimated_duration_s"`
	TargetS    float64 `json:"target_s"`
	OverlapS   float64 `json:"overlap_s"`
}

// EstimateDuration converts a file size into an approximate duration in
// seconds using the size heuristic.
func EstimateDuration(sizeBytes int64) float64 {
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	return sizeMB / megabytesPerMinute * 60
}

// Build computes the chunk plan for the given estimated duration. Indexes are
// dense and zero-based; the last chunk is truncated to the estimate, and
// overlap extends the end of every non-terminal chunk.
func Build(estimatedS, targetS, overlapS float64) (Plan, error) {
	if estimatedS <= 0 {
		return Plan{}, fmt.Errorf("estimated duration must be positive, got %v", estimatedS)
	}
	if targetS <= 0 {
		return Plan{}, fmt.Errorf("target chunk length must be positive, got %v", targetS)
	}
	if overlapS < 0 {
		overlapS = 0
	}

	count := int(math.Ceil(estimatedS / targetS))
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * targetS
		end := start + targetS
		if end >= estimatedS {
			end = estimatedS
		} else {
			end += overlapS
			if end > estimatedS {
				end = estimatedS
			}
		}
		chunks = append(chunks, Chunk{
			Index:     i,
			StartS:    start,
			EndS:      end,
			DurationS: end - start,
		})
	}

	return Plan{
		Chunks:     chunks,
		EstimatedS: estimatedS,
		TargetS:    targetS,
		OverlapS:   overlapS,
	}, nil
}

// BaseDuration returns the chunk's length excluding overlap context, which is
// the length the merger attributes to it when translating timestamps.
func (p Plan) BaseDuration(i int) float64 {
	c := p.Chunks[i]
	if i == len(p.Chunks)-1 {
		return p.EstimatedS - c.StartS
	}
	return p.Chunks[i+1].StartS - c.StartS
}
