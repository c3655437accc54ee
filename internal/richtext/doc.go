package richtext

import (
	"encoding/json"
	"log"
	"strings"
)

// Doc is a loaded document. The zero value is not usable; construct
// through Load or Empty.
type Doc struct {
	root *Node
}

// Empty returns the canonical empty document: a doc with one empty
// paragraph.
func Empty() *Doc {
	return &Doc{root: &Node{
		Type:    TypeDoc,
		Content: []*Node{{Type: TypeParagraph}},
	}}
}

// Load parses serialized document content. JSON trees are validated
// and normalized; anything else is treated as legacy HTML (or plain
// text) and migrated to the tree shape. Malformed input yields the
// canonical empty document — the edit loop never sees an error.
func Load(data []byte) *Doc {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Empty()
	}

	if strings.HasPrefix(trimmed, "{") {
		var root Node
		if err := json.Unmarshal([]byte(trimmed), &root); err != nil {
			log.Printf("richtext: malformed document json, falling back to empty doc: %v", err)
			return Empty()
		}
		if root.Type != TypeDoc {
			log.Printf("richtext: root node is %q, not doc; falling back to empty doc", root.Type)
			return Empty()
		}
		doc := &Doc{root: &root}
		doc.sanitize()
		doc.Normalize()
		return doc
	}

	doc := migrateHTML(trimmed)
	doc.Normalize()
	return doc
}

// Serialize renders the canonical JSON form. Load of the result is the
// identity.
func (d *Doc) Serialize() []byte {
	d.Normalize()
	data, err := json.Marshal(d.root)
	if err != nil {
		// Node trees built from JSON and string content cannot fail to marshal.
		log.Printf("richtext: serialize: %v", err)
		return Empty().Serialize()
	}
	return data
}

// Root exposes the underlying tree for renderers.
func (d *Doc) Root() *Node {
	return d.root
}

// Size is the total number of position tokens in the document.
func (d *Doc) Size() int {
	return d.root.contentSize()
}

// sanitize converts unknown block types to paragraphs and drops
// unknown marks, so a document from an older or newer editor still
// loads into a well-formed tree.
func (d *Doc) sanitize() {
	sanitizeNode(d.root)
}

var knownBlockTypes = map[string]bool{
	TypeDoc: true, TypeParagraph: true, TypeHeading: true,
	TypeBulletList: true, TypeOrderedList: true, TypeListItem: true,
	TypeBlockquote: true, TypeCodeBlock: true, TypeHorizontalRule: true,
	TypeHardBreak: true, TypeText: true,
}

var knownMarkTypes = map[string]bool{
	MarkBold: true, MarkItalic: true, MarkUnderline: true,
	MarkStrike: true, MarkCode: true, MarkLink: true, MarkAnnotation: true,
}

func sanitizeNode(n *Node) {
	if !knownBlockTypes[n.Type] {
		n.Type = TypeParagraph
		n.Attrs = nil
	}
	var marks []Mark
	for _, m := range n.Marks {
		if knownMarkTypes[m.Type] {
			marks = append(marks, m)
		}
	}
	n.Marks = marks
	for _, child := range n.Content {
		sanitizeNode(child)
	}
}

// Normalize enforces the document invariants in place:
// inline marks inside code blocks are stripped, link marks without an
// href are removed, heading levels are clamped to 1..6, disjoint
// ranges sharing an annotation id within a block are merged into one
// run, adjacent text nodes with identical marks coalesce, and an empty
// document gains its canonical empty paragraph.
func (d *Doc) Normalize() {
	if len(d.root.Content) == 0 {
		d.root.Content = []*Node{{Type: TypeParagraph}}
		return
	}
	normalizeBlocks(d.root)
}

func normalizeBlocks(n *Node) {
	for _, child := range n.Content {
		if child.Type == TypeHeading {
			level := child.HeadingLevel()
			if level < 1 {
				level = 1
			}
			if level > 6 {
				level = 6
			}
			if child.Attrs == nil {
				child.Attrs = map[string]any{}
			}
			child.Attrs["level"] = level
		}
		if child.isTextblock() {
			normalizeInline(child)
			continue
		}
		normalizeBlocks(child)
	}
}

func normalizeInline(block *Node) {
	atoms := explode(block)

	for i := range atoms {
		if block.Type == TypeCodeBlock {
			atoms[i].marks = nil
			continue
		}
		atoms[i].marks = dropEmptyLinks(atoms[i].marks)
	}

	if block.Type != TypeCodeBlock {
		mergeAnnotationRuns(atoms)
	}
	rebuild(block, atoms)
}

func dropEmptyLinks(marks []Mark) []Mark {
	var out []Mark
	for _, m := range marks {
		if m.Type == MarkLink {
			href, _ := m.Attrs["href"].(string)
			if strings.TrimSpace(href) == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// mergeAnnotationRuns closes gaps between disjoint runs that carry the
// same annotation id, so an id names a single contiguous range within
// its block.
func mergeAnnotationRuns(atoms []inlineAtom) {
	first := map[string]int{}
	last := map[string]int{}
	byID := map[string]Mark{}

	for i, a := range atoms {
		for _, m := range a.marks {
			id := m.AnnotationID()
			if id == "" {
				continue
			}
			if _, seen := first[id]; !seen {
				first[id] = i
				byID[id] = m
			}
			last[id] = i
		}
	}

	for id, start := range first {
		end := last[id]
		for i := start; i <= end; i++ {
			if _, ok := markOfType(atoms[i].marks, MarkAnnotation); ok {
				if annotationIDAt(atoms[i].marks) == id {
					continue
				}
			}
			atoms[i].marks = withMark(cloneMarks(atoms[i].marks), byID[id])
		}
	}
}

func annotationIDAt(marks []Mark) string {
	if m, ok := markOfType(marks, MarkAnnotation); ok {
		return m.AnnotationID()
	}
	return ""
}

func cloneMarks(marks []Mark) []Mark {
	out := make([]Mark, len(marks))
	copy(out, marks)
	return out
}
