package richtext

import (
	"fmt"
	"strings"
)

// Positions are integer offsets over the flattened document: entering
// any block costs one token, every character costs one token, and
// childless leaves cost one token. Position 0 sits before the first
// block; the first character of the first paragraph is at position 1.

// Coords is a deterministic bounding box for a position, derived from
// the block index and column. Rendering clients map it onto real
// layout; the server only needs it to be stable for a given document.
type Coords struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Bottom int `json:"bottom"`
}

const (
	lineHeight = 24
	charWidth  = 8
)

// SelectionEvent is emitted when the user selects text in annotation
// mode. Kind distinguishes prose from code selections.
type SelectionEvent struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Text string `json:"text"`
	Kind string `json:"kind"` // "paragraph" or "code"
	Rect Coords `json:"rect"`
}

// visitTextblocks walks every textblock in document order, handing the
// callback the block, its ordinal, and the position of its first
// inline token. Returning false stops the walk.
func (d *Doc) visitTextblocks(fn func(block *Node, index, contentStart int) bool) {
	index := 0
	var walk func(n *Node, contentStart int) bool
	walk = func(n *Node, contentStart int) bool {
		pos := contentStart
		for _, child := range n.Content {
			if child.isTextblock() {
				if !fn(child, index, pos+1) {
					return false
				}
				index++
			} else if child.Type != TypeHorizontalRule && child.Type != TypeHardBreak && child.Type != TypeText {
				if !walk(child, pos+1) {
					return false
				}
			}
			pos += child.size()
		}
		return true
	}
	walk(d.root, 0)
}

// TextBetween returns the document text covered by [from, to), with a
// newline between blocks and for hard breaks. Out-of-range bounds are
// clamped.
func (d *Doc) TextBetween(from, to int) string {
	if from < 0 {
		from = 0
	}
	if size := d.Size(); to > size {
		to = size
	}
	if from >= to {
		return ""
	}

	var b strings.Builder
	emitted := false
	d.visitTextblocks(func(block *Node, _, start int) bool {
		if start >= to {
			return false
		}
		pos := start
		blockTouched := false
		for _, a := range explode(block) {
			if pos >= to {
				break
			}
			if pos >= from {
				if !blockTouched && emitted {
					b.WriteString("\n")
				}
				blockTouched = true
				emitted = true
				if a.br {
					b.WriteString("\n")
				} else {
					b.WriteRune(a.r)
				}
			}
			pos++
		}
		// An empty block inside the range still breaks the line.
		if !blockTouched && start >= from && emitted {
			b.WriteString("\n")
		}
		return true
	})
	return b.String()
}

// PlainText flattens the whole document, used for search indexing and
// export snippets.
func (d *Doc) PlainText() string {
	return d.TextBetween(0, d.Size())
}

// locate maps a position to the textblock ordinal and column inside it.
func (d *Doc) locate(pos int) (blockIndex, column int, ok bool) {
	d.visitTextblocks(func(block *Node, index, start int) bool {
		end := start + block.contentSize()
		if pos >= start-1 && pos <= end {
			blockIndex = index
			column = pos - start
			if column < 0 {
				column = 0
			}
			ok = true
			return false
		}
		return true
	})
	return blockIndex, column, ok
}

// CoordsAtPos returns the bounding box for a position.
func (d *Doc) CoordsAtPos(pos int) (Coords, error) {
	if pos < 0 || pos > d.Size() {
		return Coords{}, fmt.Errorf("position %d out of range [0, %d]", pos, d.Size())
	}
	blockIndex, column, ok := d.locate(pos)
	if !ok {
		return Coords{}, fmt.Errorf("position %d does not resolve to a textblock", pos)
	}
	top := blockIndex * lineHeight
	return Coords{Top: top, Left: column * charWidth, Bottom: top + lineHeight}, nil
}

// SelectionAt builds the selection event for an annotation-mode
// selection. Selections shorter than two characters are rejected.
func (d *Doc) SelectionAt(from, to int) (SelectionEvent, error) {
	if from > to {
		from, to = to, from
	}
	text := d.TextBetween(from, to)
	if len([]rune(text)) < 2 {
		return SelectionEvent{}, fmt.Errorf("selection [%d, %d) too short to annotate", from, to)
	}

	kind := "paragraph"
	d.visitTextblocks(func(block *Node, _, start int) bool {
		end := start + block.contentSize()
		if from >= start-1 && from <= end {
			if block.Type == TypeCodeBlock {
				kind = "code"
			}
			return false
		}
		return true
	})

	rect, err := d.CoordsAtPos(from)
	if err != nil {
		return SelectionEvent{}, err
	}
	return SelectionEvent{From: from, To: to, Text: text, Kind: kind, Rect: rect}, nil
}
