package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var lessonTemplate = template.Must(template.New("lesson").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(lessonTemplateText))

// TemplateData holds data for lesson template rendering.
type TemplateData struct {
	Title       string
	ContentHTML template.HTML
	CourseName  string
	PublishedAt time.Time
	Annotations []TemplateAnnotation
}

// TemplateAnnotation holds one annotation thread for the appendix.
type TemplateAnnotation struct {
	SelectedText string
	Comment      string
	Author       string
	Status       string
	Replies      []TemplateReply
}

// TemplateReply holds one annotation reply.
type TemplateReply struct {
	Author string
	Body   string
}

// RenderLessonHTML renders the printable lesson page.
func RenderLessonHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := lessonTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const lessonTemplateText = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
    mark.annotation { background: #fef3c7; }
    mark.annotation-resolved { background: #d1fae5; }
    mark.annotation-dismissed { background: transparent; }
    .chat .bubble { padding: 0.5rem 1rem; margin: 0.5rem 0; border-radius: 8px; }
    .chat .bubble-user { background: #e0e7ff; }
    .chat .bubble-assistant { background: #f3f4f6; }
    .annotation-thread { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .annotation-thread blockquote { margin: 0 0 0.5rem; color: #555; font-style: italic; }
    .annotation-thread .reply { margin-left: 1rem; padding-top: 0.25rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.CourseName}}{{if not .PublishedAt.IsZero}} | {{formatDate .PublishedAt "Jan 2, 2006"}}{{end}}</div>
  <div>{{.ContentHTML}}</div>
  {{if .Annotations}}
  <h2>Feedback</h2>
  {{range .Annotations}}
  <div class="annotation-thread">
    <blockquote>{{.SelectedText}}</blockquote>
    <div><strong>{{.Author}}</strong> ({{lower .Status}}): {{.Comment}}</div>
    {{range .Replies}}<div class="reply"><strong>{{.Author}}</strong>: {{.Body}}</div>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
