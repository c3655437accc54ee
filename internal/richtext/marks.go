package richtext

// editInlineRange rewrites the atoms of every textblock overlapping
// [from, to). The callback receives each atom's global position and
// returns the replacement mark set.
func (d *Doc) editInlineRange(from, to int, fn func(pos int, block *Node, marks []Mark) []Mark) {
	if from > to {
		from, to = to, from
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
		changed := false
		for i := range atoms {
			pos := start + i
			if pos < from || pos >= to {
				continue
			}
			next := fn(pos, block, atoms[i].marks)
			if !marksEqual(next, atoms[i].marks) {
				atoms[i].marks = next
				changed = true
			}
		}
		if changed {
			rebuild(block, atoms)
		}
		return true
	})
}

// SetMark applies the mark to every character in [from, to). Code
// blocks hold plain text and are skipped, so a mark never crosses into
// one. A mark of the same type already present is replaced, never
// doubled.
func (d *Doc) SetMark(from, to int, mark Mark) {
	d.editInlineRange(from, to, func(_ int, block *Node, marks []Mark) []Mark {
		if block.Type == TypeCodeBlock {
			return marks
		}
		return withMark(cloneMarks(marks), mark)
	})
	d.Normalize()
}

// UnsetMark removes marks of the given type from [from, to).
func (d *Doc) UnsetMark(from, to int, markType string) {
	d.editInlineRange(from, to, func(_ int, _ *Node, marks []Mark) []Mark {
		return withoutMark(marks, markType)
	})
	d.Normalize()
}

// ToggleMark unsets the mark if every markable character in the range
// already carries it, and sets it otherwise.
func (d *Doc) ToggleMark(from, to int, mark Mark) {
	all := true
	any := false
	d.editInlineRange(from, to, func(_ int, block *Node, marks []Mark) []Mark {
		if block.Type == TypeCodeBlock {
			return marks
		}
		any = true
		if _, ok := markOfType(marks, mark.Type); !ok {
			all = false
		}
		return marks
	})
	if !any {
		return
	}
	if all {
		d.UnsetMark(from, to, mark.Type)
		return
	}
	d.SetMark(from, to, mark)
}

// AnnotationRange is the inline extent of one annotation mark.
type AnnotationRange struct {
	AnnotationID string
	Status       string
	From         int
	To           int
}

// AnnotationRanges lists every annotation mark with its positions, in
// document order.
func (d *Doc) AnnotationRanges() []AnnotationRange {
	byID := map[string]*AnnotationRange{}
	var order []string

	d.visitTextblocks(func(block *Node, _, start int) bool {
		for i, a := range explode(block) {
			m, ok := markOfType(a.marks, MarkAnnotation)
			if !ok {
				continue
			}
			id := m.AnnotationID()
			if id == "" {
				continue
			}
			pos := start + i
			r, seen := byID[id]
			if !seen {
				status, _ := m.Attrs["status"].(string)
				byID[id] = &AnnotationRange{AnnotationID: id, Status: status, From: pos, To: pos + 1}
				order = append(order, id)
				continue
			}
			r.To = pos + 1
		}
		return true
	})

	out := make([]AnnotationRange, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// SetAnnotationStatus updates the status attr on every mark carrying
// the annotation id. The mark itself stays in place; status only
// drives styling.
func (d *Doc) SetAnnotationStatus(annotationID, status string) {
	d.editInlineRange(0, d.Size(), func(_ int, _ *Node, marks []Mark) []Mark {
		m, ok := markOfType(marks, MarkAnnotation)
		if !ok || m.AnnotationID() != annotationID {
			return marks
		}
		return withMark(cloneMarks(marks), AnnotationMark(annotationID, status))
	})
}

// RemoveAnnotation strips the annotation's marks from the document,
// used when the annotation record is deleted.
func (d *Doc) RemoveAnnotation(annotationID string) {
	d.editInlineRange(0, d.Size(), func(_ int, _ *Node, marks []Mark) []Mark {
		m, ok := markOfType(marks, MarkAnnotation)
		if !ok || m.AnnotationID() != annotationID {
			return marks
		}
		return withoutMark(marks, MarkAnnotation)
	})
}
