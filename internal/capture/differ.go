package capture

import (
	"fmt"
	"image"
	"math/bits"
	"sync"

	"github.com/disintegration/imaging"
)

// hashSize is the side of the downsampled thumbnail; the perceptual hash
// has hashSize*hashSize bits.
const hashSize = 16

// frameHash is a 256-bit average hash of a downsampled grayscale thumbnail.
type frameHash [hashSize * hashSize / 64]uint64

// Differ decides whether a new frame is visually distinct from the last
// stored one. Similarity is 1 - hammingDistance/256 over average hashes; a
// frame at or above the threshold is a near-duplicate and is skipped.
type Differ struct {
	threshold float64

	mu   sync.Mutex
	last *frameHash
}

// NewDiffer creates a differ with the given similarity threshold in [0, 1].
func NewDiffer(threshold float64) *Differ {
	return &Differ{threshold: threshold}
}

// SetThreshold updates the similarity threshold, for config hot-reload.
func (d *Differ) SetThreshold(threshold float64) {
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

// ShouldKeep hashes the image at path and compares it with the previous
// kept frame. When the frame is kept its hash becomes the new reference;
// skipped frames leave the reference untouched so a slow fade is still
// captured once it accumulates enough change.
func (d *Differ) ShouldKeep(path string) (keep bool, sim float64, err error) {
	img, err := imaging.Open(path)
	if err != nil {
		return false, 0, fmt.Errorf("capture: failed to open frame for hashing: %w", err)
	}
	keep, sim = d.shouldKeepImage(img)
	return keep, sim, nil
}

func (d *Differ) shouldKeepImage(img image.Image) (bool, float64) {
	h := averageHash(img)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.last == nil {
		d.last = &h
		return true, 0
	}

	sim := similarity(*d.last, h)
	if sim >= d.threshold {
		return false, sim
	}
	d.last = &h
	return true, sim
}

// Reset forgets the reference frame, forcing the next frame to be kept.
func (d *Differ) Reset() {
	d.mu.Lock()
	d.last = nil
	d.mu.Unlock()
}

// averageHash downsamples to hashSize x hashSize grayscale and sets one bit
// per pixel above the mean luminance.
func averageHash(img image.Image) frameHash {
	thumb := imaging.Grayscale(imaging.Resize(img, hashSize, hashSize, imaging.Lanczos))

	var pixels [hashSize * hashSize]uint8
	var sum int
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			c := thumb.NRGBAAt(x, y)
			pixels[y*hashSize+x] = c.R // grayscale: R == G == B
			sum += int(c.R)
		}
	}
	mean := uint8(sum / (hashSize * hashSize))

	var h frameHash
	for i, p := range pixels {
		if p > mean {
			h[i/64] |= 1 << (i % 64)
		}
	}
	return h
}

// similarity is 1 - (hamming distance / bit count), in [0, 1].
func similarity(a, b frameHash) float64 {
	var dist int
	for i := range a {
		dist += bits.OnesCount64(a[i] ^ b[i])
	}
	return 1 - float64(dist)/float64(hashSize*hashSize)
}
