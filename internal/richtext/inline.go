package richtext

// Inline content is edited by exploding a textblock into per-character
// atoms, rewriting the atom slice, and rebuilding text nodes. Rebuild
// merges adjacent runs with identical marks, so repeated explode and
// rebuild cycles are stable.

type inlineAtom struct {
	r     rune
	br    bool // hardBreak leaf
	marks []Mark
}

func explode(block *Node) []inlineAtom {
	var atoms []inlineAtom
	for _, child := range block.Content {
		switch child.Type {
		case TypeText:
			for _, r := range child.Text {
				atoms = append(atoms, inlineAtom{r: r, marks: child.Marks})
			}
		case TypeHardBreak:
			atoms = append(atoms, inlineAtom{br: true, marks: child.Marks})
		}
	}
	return atoms
}

func rebuild(block *Node, atoms []inlineAtom) {
	var content []*Node
	var run []rune
	var runMarks []Mark

	flush := func() {
		if len(run) > 0 {
			content = append(content, &Node{Type: TypeText, Text: string(run), Marks: runMarks})
			run = nil
		}
	}

	for _, a := range atoms {
		if a.br {
			flush()
			content = append(content, &Node{Type: TypeHardBreak, Marks: a.marks})
			continue
		}
		if len(run) > 0 && !marksEqual(runMarks, a.marks) {
			flush()
		}
		if len(run) == 0 {
			runMarks = a.marks
		}
		run = append(run, a.r)
	}
	flush()
	block.Content = content
}

func withMark(marks []Mark, mark Mark) []Mark {
	out := make([]Mark, 0, len(marks)+1)
	replaced := false
	for _, m := range marks {
		if m.Type == mark.Type {
			// One mark per type; re-applying replaces attrs.
			out = append(out, mark)
			replaced = true
			continue
		}
		out = append(out, m)
	}
	if !replaced {
		out = append(out, mark)
	}
	return out
}

func withoutMark(marks []Mark, markType string) []Mark {
	var out []Mark
	for _, m := range marks {
		if m.Type != markType {
			out = append(out, m)
		}
	}
	return out
}
