// Package detect implements the local change detector that gates upstream
// image sends.
//
// Each incoming frame is decoded, downsampled to a small luma grid, and
// compared against the previously accepted frame by mean absolute
// difference. Frames below the configured threshold are classified as "no
// meaningful change" and never leave the process — a pure cost filter in
// front of the rate-limited upstream classifier, which keeps its own
// semantic veto via the decision's has_change flag.
package detect

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

// gridSize is the side length of the downsampled comparison grid. Matches
// the 64×64 working size the capture pipeline was tuned with.
const gridSize = 64

// DefaultThreshold is the mean-absolute-difference score above which two
// frames are considered meaningfully different.
const DefaultThreshold = 30.0

// Detector compares successive frames and decides whether each is worth
// sending upstream. The zero value is not usable; construct with [New].
//
// Safe for concurrent use, though callers normally feed it from a single
// goroutine per capture source.
type Detector struct {
	threshold float64

	mu   sync.Mutex
	prev []float64 // luma grid of the last accepted frame, nil until one exists
}

// New creates a Detector with the given difference threshold. A zero or
// negative threshold selects [DefaultThreshold].
func New(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// ShouldSend reports whether the encoded frame differs enough from the
// previously accepted frame to justify an upstream send. The first frame is
// always sent. When the frame is accepted, it becomes the new comparison
// reference.
//
// An undecodable frame returns (true, err): the caller must still send it
// upstream, since under-detection loses real events while over-sending only
// costs an upstream call. The reference frame is left unchanged in that case.
func (d *Detector) ShouldSend(frame []byte) (bool, error) {
	grid, err := lumaGrid(frame)
	if err != nil {
		return true, fmt.Errorf("detect: decode frame: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.prev == nil {
		d.prev = grid
		return true, nil
	}

	score := meanAbsDiff(d.prev, grid)
	if score < d.threshold {
		return false, nil
	}
	d.prev = grid
	return true, nil
}

// Reset forgets the retained reference frame so the next frame is always
// sent. Called when a detection session restarts.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.prev = nil
	d.mu.Unlock()
}

// lumaGrid decodes an encoded image and box-samples it down to a
// gridSize×gridSize grid of luma values in [0, 255].
func lumaGrid(data []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image %dx%d", w, h)
	}

	grid := make([]float64, gridSize*gridSize)
	for gy := 0; gy < gridSize; gy++ {
		for gx := 0; gx < gridSize; gx++ {
			// Box bounds in source coordinates for this grid cell.
			x0 := b.Min.X + gx*w/gridSize
			x1 := b.Min.X + (gx+1)*w/gridSize
			y0 := b.Min.Y + gy*h/gridSize
			y1 := b.Min.Y + (gy+1)*h/gridSize
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}

			var sum, n float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, bl, _ := img.At(x, y).RGBA()
					// ITU-R BT.601 luma from 16-bit channel values.
					sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257.0
					n++
				}
			}
			grid[gy*gridSize+gx] = sum / n
		}
	}
	return grid, nil
}

// meanAbsDiff returns the mean absolute difference between two equal-length
// luma grids.
func meanAbsDiff(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(a))
}
