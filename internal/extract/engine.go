// Package extract turns captured frames into text blocks. A bounded queue
// feeds worker goroutines that call an extraction engine (a remote vision
// model or a local tool), retry transient failures with exponential backoff,
// and commit the results atomically with the frame's status transition.
package extract

import (
	"context"
	"strings"
	"unicode"

	"github.com/hindsight-sh/hindsight/pkg/types"
)

// Block is one region of text returned by an engine, before persistence.
type Block struct {
	Text       string     `json:"text"`
	Type       string     `json:"block_type"`
	Confidence float64    `json:"confidence"`
	BBox       types.BBox `json:"bbox"`
}

// Engine extracts text blocks from a screenshot file.
type Engine interface {
	Extract(ctx context.Context, imagePath string) ([]Block, error)
}

// Normalize lowercases text and collapses runs of whitespace, producing the
// variant indexed for case-insensitive search.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte(' ')
			inSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// classify maps an engine-reported block type onto the known set; anything
// unrecognised becomes mixed rather than failing the frame.
func classify(reported string) types.BlockType {
	reported = strings.ToLower(strings.TrimSpace(reported))
	if types.ValidBlockType(reported) {
		return types.BlockType(reported)
	}
	return types.BlockMixed
}
