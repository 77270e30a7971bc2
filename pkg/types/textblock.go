package types

import "time"

// BlockType classifies the content of an extracted text region.
type BlockType string

const (
	BlockParagraph BlockType = "paragraph"
	BlockHeading   BlockType = "heading"
	BlockCode      BlockType = "code"
	BlockTerminal  BlockType = "terminal"
	BlockUIElement BlockType = "ui_element"
	BlockMixed     BlockType = "mixed"
)

// BBox is the bounding box of a text block within its frame, in pixels.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TextBlock is one region of extracted text belonging to a frame. Every
// committed text block has exactly one row in the lexical index; the two are
// updated inside the same transaction and never drift.
type TextBlock struct {
	ID             string    `json:"block_id"`
	FrameID        string    `json:"frame_id"`
	Text           string    `json:"text"`
	NormalizedText string    `json:"normalized_text"`
	Confidence     float64   `json:"confidence"` // 0..1
	BBox           BBox      `json:"bbox"`
	Type           BlockType `json:"block_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidBlockType reports whether s is one of the known block classifications.
func ValidBlockType(s string) bool {
	switch BlockType(s) {
	case BlockParagraph, BlockHeading, BlockCode, BlockTerminal, BlockUIElement, BlockMixed:
		return true
	}
	return false
}
