package analysis

import "fmt"

// BuildChunkPrompt produces the instruction for one chunk's generate-call.
// The prompt carries the chunk's absolute window for context but demands
// RELATIVE timestamps starting at 00:00, since the merger translates them.
func BuildChunkPrompt(index, total int, absStartS, absEndS float64) string {
	return fmt.Sprintf(`You are analyzing segment %d of %d of a longer video recording. This segment covers %s to %s of the full recording, but you are seeing it as a standalone clip.

Analyze ONLY what is visible in the clip and respond with a single JSON object, no prose and no code fences, with exactly these fields:

{
  "clean_script": "the spoken content as a clean transcript, filler words removed",
  "chapters": [{"title": "...", "start_time": "MM:SS", "end_time": "MM:SS", "description": "..."}],
  "summary": "2-4 sentence summary of this segment",
  "key_concepts": ["concept", ...],
  "practice_suggestions": ["suggestion", ...],
  "content_metadata": {
    "original_duration_estimate": "MM:SS",
    "essential_content_duration": "MM:SS",
    "removed_percentage": 0,
    "filtered_categories": [{"category": "...", "duration": "MM:SS", "description": "..."}],
    "main_content_timestamps": [{"start": "HH:MM:SS", "end": "HH:MM:SS"}]
  }
}

All timestamps must be RELATIVE to the start of this clip, beginning at 00:00. If the clip ends before the stated window (the duration was estimated), describe only what exists and leave the remaining sections empty.`,
		index+1, total, formatClock(absStartS), formatClock(absEndS))
}
