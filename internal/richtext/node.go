// Package richtext holds the canonical in-memory shape of a lesson
// document: an ordered tree of block nodes with inline marks, addressed
// by stable integer positions. The wire format is the editor's JSON
// tree; legacy HTML content is migrated on load.
package richtext

import (
	"reflect"
	"unicode/utf8"
)

// Block node types.
const (
	TypeDoc            = "doc"
	TypeParagraph      = "paragraph"
	TypeHeading        = "heading"
	TypeBulletList     = "bulletList"
	TypeOrderedList    = "orderedList"
	TypeListItem       = "listItem"
	TypeBlockquote     = "blockquote"
	TypeCodeBlock      = "codeBlock"
	TypeHorizontalRule = "horizontalRule"
	TypeHardBreak      = "hardBreak"
	TypeText           = "text"
)

// Inline mark types.
const (
	MarkBold       = "bold"
	MarkItalic     = "italic"
	MarkUnderline  = "underline"
	MarkStrike     = "strike"
	MarkCode       = "code"
	MarkLink       = "link"
	MarkAnnotation = "annotation"
)

// Annotation mark statuses.
const (
	StatusOpen      = "open"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
)

// Node is a single node in the document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is an inline attribute attached to a run of text.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// size is the number of position tokens the node occupies: one per
// character for text, one for childless leaves, two boundary tokens
// plus content for everything else.
func (n *Node) size() int {
	switch n.Type {
	case TypeText:
		return utf8.RuneCountInString(n.Text)
	case TypeHorizontalRule, TypeHardBreak:
		return 1
	default:
		return n.contentSize() + 2
	}
}

func (n *Node) contentSize() int {
	total := 0
	for _, child := range n.Content {
		total += child.size()
	}
	return total
}

// isTextblock reports whether the node holds inline content directly.
func (n *Node) isTextblock() bool {
	switch n.Type {
	case TypeParagraph, TypeHeading, TypeCodeBlock:
		return true
	default:
		return false
	}
}

// HeadingLevel reads the heading level attr, which is an int after
// Normalize but a float64 straight off the JSON decoder.
func (n *Node) HeadingLevel() int {
	if n.Type != TypeHeading {
		return 0
	}
	switch v := n.Attrs["level"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 1
	}
}

// hasMark reports whether the node carries a mark of the given type.
func (n *Node) hasMark(markType string) bool {
	for _, m := range n.Marks {
		if m.Type == markType {
			return true
		}
	}
	return false
}

func markOfType(marks []Mark, markType string) (Mark, bool) {
	for _, m := range marks {
		if m.Type == markType {
			return m, true
		}
	}
	return Mark{}, false
}

func marksEqual(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !reflect.DeepEqual(a[i].Attrs, b[i].Attrs) {
			return false
		}
	}
	return true
}

// AnnotationID returns the annotation id carried by the mark, if any.
func (m Mark) AnnotationID() string {
	if m.Type != MarkAnnotation {
		return ""
	}
	id, _ := m.Attrs["annotationId"].(string)
	return id
}

// AnnotationMark builds the inline mark for a persisted annotation.
func AnnotationMark(annotationID, status string) Mark {
	return Mark{Type: MarkAnnotation, Attrs: map[string]any{
		"annotationId": annotationID,
		"status":       status,
	}}
}

// LinkMark builds a link mark. Callers must supply a non-empty href;
// Normalize drops link marks without one.
func LinkMark(href, target, rel string) Mark {
	attrs := map[string]any{"href": href}
	if target != "" {
		attrs["target"] = target
	}
	if rel != "" {
		attrs["rel"] = rel
	}
	return Mark{Type: MarkLink, Attrs: attrs}
}
