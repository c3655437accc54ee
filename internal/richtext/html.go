package richtext

import (
	"log"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Legacy lesson content was stored as raw HTML strings. migrateHTML
// lifts that into the tree shape once, on read: headings, lists,
// quotes, code blocks, links and the basic inline tags map to nodes
// and marks, and anything unrecognized becomes paragraph content.

func migrateHTML(raw string) *Doc {
	parsed, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		log.Printf("richtext: legacy html unparseable, falling back to empty doc: %v", err)
		return Empty()
	}

	body := findBody(parsed)
	if body == nil {
		return Empty()
	}

	root := &Node{Type: TypeDoc}
	var pending []*Node // inline content awaiting a paragraph wrapper

	flushInline := func() {
		if len(pending) == 0 {
			return
		}
		root.Content = append(root.Content, &Node{Type: TypeParagraph, Content: pending})
		pending = nil
	}

	for child := body.FirstChild; child != nil; child = child.NextSibling {
		if block := convertBlock(child); block != nil {
			flushInline()
			root.Content = append(root.Content, block)
			continue
		}
		pending = append(pending, convertInline(child, nil)...)
	}
	flushInline()

	if len(root.Content) == 0 {
		return Empty()
	}
	return &Doc{root: root}
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if body := findBody(child); body != nil {
			return body
		}
	}
	return nil
}

// convertBlock maps a block-level element to a node, or returns nil
// for inline content.
func convertBlock(n *html.Node) *Node {
	if n.Type != html.ElementNode {
		return nil
	}
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		return &Node{Type: TypeHeading, Attrs: map[string]any{"level": level}, Content: inlineChildren(n)}
	case atom.P:
		return &Node{Type: TypeParagraph, Content: inlineChildren(n)}
	case atom.Ul:
		return &Node{Type: TypeBulletList, Content: listItems(n)}
	case atom.Ol:
		return &Node{Type: TypeOrderedList, Content: listItems(n)}
	case atom.Blockquote:
		return &Node{Type: TypeBlockquote, Content: blockChildren(n)}
	case atom.Pre:
		return &Node{Type: TypeCodeBlock, Attrs: map[string]any{"language": codeLanguage(n)}, Content: codeText(n)}
	case atom.Hr:
		return &Node{Type: TypeHorizontalRule}
	case atom.Div, atom.Section, atom.Article:
		// Container tags flatten to a paragraph unless they hold blocks.
		if blocks := blockChildren(n); len(blocks) > 0 {
			if len(blocks) == 1 {
				return blocks[0]
			}
			return &Node{Type: TypeBlockquote, Content: blocks}
		}
		return &Node{Type: TypeParagraph, Content: inlineChildren(n)}
	default:
		return nil
	}
}

func inlineChildren(n *html.Node) []*Node {
	var out []*Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		out = append(out, convertInline(child, nil)...)
	}
	return out
}

func blockChildren(n *html.Node) []*Node {
	var out []*Node
	var inline []*Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if block := convertBlock(child); block != nil {
			if len(inline) > 0 {
				out = append(out, &Node{Type: TypeParagraph, Content: inline})
				inline = nil
			}
			out = append(out, block)
			continue
		}
		inline = append(inline, convertInline(child, nil)...)
	}
	if len(inline) > 0 {
		out = append(out, &Node{Type: TypeParagraph, Content: inline})
	}
	return out
}

func listItems(n *html.Node) []*Node {
	var items []*Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.DataAtom != atom.Li {
			continue
		}
		content := blockChildren(child)
		if len(content) == 0 {
			content = []*Node{{Type: TypeParagraph}}
		}
		items = append(items, &Node{Type: TypeListItem, Content: content})
	}
	return items
}

func codeLanguage(pre *html.Node) string {
	for child := pre.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.DataAtom != atom.Code {
			continue
		}
		for _, attr := range child.Attr {
			if attr.Key == "class" && strings.HasPrefix(attr.Val, "language-") {
				return strings.TrimPrefix(attr.Val, "language-")
			}
		}
	}
	return ""
}

func codeText(pre *html.Node) []*Node {
	text := collectText(pre)
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return []*Node{{Type: TypeText, Text: text}}
}

func collectText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(collectText(child))
	}
	return b.String()
}

// convertInline maps inline HTML to text nodes, accumulating marks on
// the way down.
func convertInline(n *html.Node, marks []Mark) []*Node {
	switch n.Type {
	case html.TextNode:
		text := collapseWhitespace(n.Data)
		if text == "" {
			return nil
		}
		return []*Node{{Type: TypeText, Text: text, Marks: cloneMarks(marks)}}
	case html.ElementNode:
		childMarks := marks
		switch n.DataAtom {
		case atom.Strong, atom.B:
			childMarks = withMark(cloneMarks(marks), Mark{Type: MarkBold})
		case atom.Em, atom.I:
			childMarks = withMark(cloneMarks(marks), Mark{Type: MarkItalic})
		case atom.U:
			childMarks = withMark(cloneMarks(marks), Mark{Type: MarkUnderline})
		case atom.S, atom.Del:
			childMarks = withMark(cloneMarks(marks), Mark{Type: MarkStrike})
		case atom.Code:
			childMarks = withMark(cloneMarks(marks), Mark{Type: MarkCode})
		case atom.A:
			href := ""
			target := ""
			rel := ""
			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					href = attr.Val
				case "target":
					target = attr.Val
				case "rel":
					rel = attr.Val
				}
			}
			if href != "" {
				childMarks = withMark(cloneMarks(marks), LinkMark(href, target, rel))
			}
		case atom.Br:
			return []*Node{{Type: TypeHardBreak}}
		default:
			if n.Data == "strike" {
				childMarks = withMark(cloneMarks(marks), Mark{Type: MarkStrike})
			}
		}
		var out []*Node
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			out = append(out, convertInline(child, childMarks)...)
		}
		return out
	default:
		return nil
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if strings.Contains(s, " ") || strings.Contains(s, "\n") || strings.Contains(s, "\t") {
			return ""
		}
		return s
	}
	joined := strings.Join(fields, " ")
	if strings.HasPrefix(s, " ") || strings.HasPrefix(s, "\n") || strings.HasPrefix(s, "\t") {
		joined = " " + joined
	}
	if strings.HasSuffix(s, " ") || strings.HasSuffix(s, "\n") || strings.HasSuffix(s, "\t") {
		joined = joined + " "
	}
	return joined
}
