package transcription

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"sifter/internal/media/audio"
	"sifter/internal/services"
)

const (
	compressedBitrateKbps = 64
	defaultChunkSeconds   = 600
	defaultOverlapSeconds = 2
)

// chunkPlan describes one time-sliced window of the source audio.
type chunkPlan struct {
	Index  int
	Start  float64
	Window float64
	Path   string
}

// planChunks slices a duration into overlapping windows. Consecutive windows
// share overlap seconds so no word is lost at a boundary.
func planChunks(duration, window, overlap float64, dir string) ([]chunkPlan, error) {
	if duration <= 0 {
		return nil, services.Wrap(services.ErrInvariant, "transcription", "plan chunks",
			fmt.Sprintf("non-positive duration %.2f", duration), nil)
	}
	if window <= overlap {
		return nil, services.Wrap(services.ErrInvariant, "transcription", "plan chunks",
			fmt.Sprintf("window %.0fs must exceed overlap %.0fs", window, overlap), nil)
	}
	stride := window - overlap
	count := int(math.Ceil(duration / stride))
	if count < 1 {
		count = 1
	}
	plans := make([]chunkPlan, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * stride
		if start >= duration {
			break
		}
		plans = append(plans, chunkPlan{
			Index:  i,
			Start:  start,
			Window: window,
			Path:   filepath.Join(dir, fmt.Sprintf("chunk_%03d.mp3", i)),
		})
	}
	return plans, nil
}

// extractChunks materializes every planned window from the source file.
func extractChunks(ctx context.Context, toolkit *audio.Toolkit, source string, plans []chunkPlan) error {
	for _, plan := range plans {
		if err := toolkit.ExtractWindow(ctx, source, plan.Path, plan.Start, plan.Window); err != nil {
			return fmt.Errorf("extract chunk %d: %w", plan.Index, err)
		}
	}
	return nil
}
