package richtext

import "fmt"

// Edit is a single edit-loop operation. Exactly one field is set.
type Edit struct {
	Insert *InsertText
	Delete *DeleteRange
}

// InsertText inserts text at a position, carrying the marks of the
// insertion point's cursor. Newlines become hard breaks.
type InsertText struct {
	Pos   int
	Text  string
	Marks []Mark
}

// DeleteRange removes the characters in [From, To). Block boundaries
// survive; emptied blocks stay as empty blocks.
type DeleteRange struct {
	From int
	To   int
}

// ApplyEdit applies the edit in place.
func (d *Doc) ApplyEdit(e Edit) error {
	switch {
	case e.Insert != nil:
		return d.insertText(e.Insert.Pos, e.Insert.Text, e.Insert.Marks)
	case e.Delete != nil:
		return d.deleteRange(e.Delete.From, e.Delete.To)
	default:
		return fmt.Errorf("empty edit")
	}
}

func (d *Doc) insertText(pos int, text string, marks []Mark) error {
	if text == "" {
		return nil
	}
	if pos < 0 || pos > d.Size() {
		return fmt.Errorf("insert position %d out of range [0, %d]", pos, d.Size())
	}

	inserted := false
	d.visitTextblocks(func(block *Node, _, start int) bool {
		end := start + block.contentSize()
		if pos < start-1 || pos > end {
			return true
		}
		column := pos - start
		if column < 0 {
			column = 0
		}

		insertMarks := marks
		if block.Type == TypeCodeBlock {
			insertMarks = nil
		}
		var incoming []inlineAtom
		for _, r := range text {
			if r == '\n' {
				incoming = append(incoming, inlineAtom{br: true})
				continue
			}
			incoming = append(incoming, inlineAtom{r: r, marks: insertMarks})
		}

		atoms := explode(block)
		if column > len(atoms) {
			column = len(atoms)
		}
		merged := make([]inlineAtom, 0, len(atoms)+len(incoming))
		merged = append(merged, atoms[:column]...)
		merged = append(merged, incoming...)
		merged = append(merged, atoms[column:]...)
		rebuild(block, merged)
		inserted = true
		return false
	})
	if !inserted {
		return fmt.Errorf("insert position %d does not resolve to a textblock", pos)
	}
	d.Normalize()
	return nil
}

func (d *Doc) deleteRange(from, to int) error {
	if from > to {
		from, to = to, from
	}
	if from < 0 || to > d.Size() {
		return fmt.Errorf("delete range [%d, %d) out of range [0, %d]", from, to, d.Size())
	}
	d.visitTextblocks(func(block *Node, _, start int) bool {
		end := start + block.contentSize()
		if end < from {
			return true
		}
		if start >= to {
			return false
		}
		atoms := explode(block)
		var kept []inlineAtom
		for i, a := range atoms {
			pos := start + i
			if pos >= from && pos < to {
				continue
			}
			kept = append(kept, a)
		}
		rebuild(block, kept)
		return true
	})
	d.Normalize()
	return nil
}

// Cursor models the caret's armed marks: toggling an inline mark with
// an empty selection arms it for the next inserted run, and the first
// space or newline clears it. This is the toolbar interaction
// contract; nothing here is persisted.
type Cursor struct {
	Pos     int
	pending []Mark
}

// ToggleMark arms or disarms a pending mark at the caret.
func (c *Cursor) ToggleMark(mark Mark) {
	if _, ok := markOfType(c.pending, mark.Type); ok {
		c.pending = withoutMark(c.pending, mark.Type)
		return
	}
	c.pending = withMark(c.pending, mark)
}

// Pending reports the marks currently armed at the caret.
func (c *Cursor) Pending() []Mark {
	return cloneMarks(c.pending)
}

// InsertAtCursor types text at the cursor, applying any armed marks.
// Armed marks cover the run up to the first space or newline, which
// disarms them; the rest of the run is inserted unmarked.
func (d *Doc) InsertAtCursor(c *Cursor, text string) error {
	if text == "" {
		return nil
	}
	runes := []rune(text)

	cut := len(runes)
	for i, r := range runes {
		if r == ' ' || r == '\n' {
			cut = i
			break
		}
	}

	if cut > 0 {
		if err := d.insertText(c.Pos, string(runes[:cut]), c.pending); err != nil {
			return err
		}
		c.Pos += cut
	}
	if cut < len(runes) {
		c.pending = nil
		if err := d.insertText(c.Pos, string(runes[cut:]), nil); err != nil {
			return err
		}
		c.Pos += len(runes) - cut
	}
	return nil
}
