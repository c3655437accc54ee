package export

import (
	"fmt"
	"html"
	"strings"

	"unlockmemory/api/internal/blocks"
	"unlockmemory/api/internal/richtext"
)

// RenderDoc converts a rich-text tree to HTML. Annotation marks
// become <mark> spans carrying the annotation id and status so the
// print stylesheet can highlight them.
func RenderDoc(d *richtext.Doc) string {
	root := d.Root()
	if root == nil {
		return ""
	}
	return renderNodes(root.Content)
}

func renderNodes(nodes []*richtext.Node) string {
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(renderNode(n))
	}
	return b.String()
}

func renderNode(n *richtext.Node) string {
	switch n.Type {
	case richtext.TypeParagraph:
		return fmt.Sprintf("<p>%s</p>\n", renderNodes(n.Content))
	case richtext.TypeHeading:
		level := n.HeadingLevel()
		if level < 1 {
			level = 1
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderNodes(n.Content), level)
	case richtext.TypeBulletList:
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderNodes(n.Content))
	case richtext.TypeOrderedList:
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderNodes(n.Content))
	case richtext.TypeListItem:
		return fmt.Sprintf("<li>%s</li>\n", renderNodes(n.Content))
	case richtext.TypeBlockquote:
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderNodes(n.Content))
	case richtext.TypeCodeBlock:
		lang := ""
		if l, ok := n.Attrs["language"].(string); ok && l != "" {
			lang = fmt.Sprintf(` class="language-%s"`, html.EscapeString(l))
		}
		return fmt.Sprintf("<pre><code%s>%s</code></pre>\n", lang, html.EscapeString(plainText(n)))
	case richtext.TypeHorizontalRule:
		return "<hr>\n"
	case richtext.TypeHardBreak:
		return "<br>"
	case richtext.TypeText:
		return renderText(n)
	default:
		return renderNodes(n.Content)
	}
}

func plainText(n *richtext.Node) string {
	var b strings.Builder
	for _, c := range n.Content {
		switch c.Type {
		case richtext.TypeText:
			b.WriteString(c.Text)
		case richtext.TypeHardBreak:
			b.WriteString("\n")
		default:
			b.WriteString(plainText(c))
		}
	}
	return b.String()
}

// renderText wraps escaped text in mark tags, outermost mark last in
// the slice.
func renderText(n *richtext.Node) string {
	out := html.EscapeString(n.Text)
	for i := len(n.Marks) - 1; i >= 0; i-- {
		m := n.Marks[i]
		switch m.Type {
		case richtext.MarkBold:
			out = "<strong>" + out + "</strong>"
		case richtext.MarkItalic:
			out = "<em>" + out + "</em>"
		case richtext.MarkUnderline:
			out = "<u>" + out + "</u>"
		case richtext.MarkStrike:
			out = "<s>" + out + "</s>"
		case richtext.MarkCode:
			out = "<code>" + out + "</code>"
		case richtext.MarkLink:
			href, _ := m.Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		case richtext.MarkAnnotation:
			id, _ := m.Attrs["annotationId"].(string)
			status, _ := m.Attrs["status"].(string)
			out = fmt.Sprintf(`<mark class="annotation annotation-%s" data-annotation-id="%s">%s</mark>`,
				html.EscapeString(status), html.EscapeString(id), out)
		}
	}
	return out
}

// RenderLinear renders a linear lesson: rich-text blocks inline, chat
// blocks as a dialogue list.
func RenderLinear(lin *blocks.Linear) string {
	var b strings.Builder
	for _, blk := range lin.Blocks {
		b.WriteString(renderBlock(blk.Kind, blk.Content))
	}
	return b.String()
}

// RenderCanvas renders canvas blocks in reading order, top row band
// first, left to right inside a band.
func RenderCanvas(c *blocks.Canvas) string {
	var b strings.Builder
	for _, blk := range c.ReadingOrder() {
		b.WriteString(renderBlock(blk.Kind, blk.Content))
	}
	return b.String()
}

func renderBlock(kind, content string) string {
	switch kind {
	case blocks.KindChat:
		chat := blocks.ParseChat(content)
		var b strings.Builder
		b.WriteString(`<section class="chat">` + "\n")
		for _, bubble := range chat {
			b.WriteString(fmt.Sprintf(`<div class="bubble bubble-%s">%s</div>`+"\n",
				html.EscapeString(bubble.Role), html.EscapeString(bubble.Text)))
		}
		b.WriteString("</section>\n")
		return b.String()
	default:
		doc := richtext.Load([]byte(content))
		return renderNodes(doc.Root().Content)
	}
}
