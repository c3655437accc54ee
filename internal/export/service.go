// Package export renders published lessons to printable HTML and PDF,
// optionally caching the results in object storage.
package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"

	"unlockmemory/api/internal/blocks"
	"unlockmemory/api/internal/richtext"
	"unlockmemory/api/internal/store"
)

// Format represents the export output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Request contains parameters for an export operation.
type Request struct {
	LessonID           string
	Format             Format
	IncludeAnnotations bool
	CourseName         string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates lesson content could not be loaded.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates the PDF renderer is unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

// DataStore is the slice of persistence the exporter reads from.
type DataStore interface {
	GetPost(ctx context.Context, postID string) (store.Post, error)
	ListVersions(ctx context.Context, postID string) ([]store.PostVersion, error)
	ListAnnotations(ctx context.Context, postID string) ([]store.Annotation, error)
	ListReplies(ctx context.Context, annotationID string) ([]store.AnnotationReply, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Service renders lessons for download. artifacts may be nil, in
// which case every request renders from scratch.
type Service struct {
	store     DataStore
	artifacts *ArtifactStore
}

func NewService(store DataStore, artifacts *ArtifactStore) *Service {
	return &Service{store: store, artifacts: artifacts}
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	post, err := s.store.GetPost(ctx, req.LessonID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	publishedVersion := 0
	versions, err := s.store.ListVersions(ctx, req.LessonID)
	if err == nil {
		for _, v := range versions {
			if v.IsPublished {
				publishedVersion = v.VersionNumber
			}
		}
	}

	// Cached artifact short-circuits the render, but only for plain
	// exports tied to a published version.
	cacheable := s.artifacts != nil && !req.IncludeAnnotations && publishedVersion > 0
	if cacheable && req.Format == FormatPDF {
		if data, ok := s.artifacts.Get(ctx, req.LessonID, publishedVersion, string(FormatPDF)); ok {
			return &Result{Data: data, Filename: sanitizeFilename(post.Title) + ".pdf", MimeType: "application/pdf"}, nil
		}
	}

	contentHTML := renderLessonBody(post.EditorType, post.Content)

	data := TemplateData{
		Title:       post.Title,
		ContentHTML: template.HTML(contentHTML),
		CourseName:  req.CourseName,
	}
	if post.PublishedAt != nil {
		data.PublishedAt = *post.PublishedAt
	}

	if req.IncludeAnnotations {
		annotations, err := s.store.ListAnnotations(ctx, req.LessonID)
		if err != nil {
			return nil, fmt.Errorf("list annotations: %w", err)
		}
		for _, a := range annotations {
			ta := TemplateAnnotation{
				SelectedText: a.SelectedText,
				Comment:      a.Comment,
				Status:       a.Status,
				Author:       s.displayName(ctx, a.AuthorID),
			}
			replies, err := s.store.ListReplies(ctx, a.ID)
			if err == nil {
				for _, r := range replies {
					ta.Replies = append(ta.Replies, TemplateReply{
						Author: s.displayName(ctx, r.AuthorID),
						Body:   r.Content,
					})
				}
			}
			data.Annotations = append(data.Annotations, ta)
		}
	}

	page, err := RenderLessonHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(post.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		pdfData, err := renderPDF(page)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if err := s.artifacts.Put(ctx, req.LessonID, publishedVersion, string(FormatPDF), "application/pdf", pdfData); err != nil {
				log.Printf("export: cache artifact for %s: %v", req.LessonID, err)
			}
		}
		return &Result{
			Data:     pdfData,
			Filename: sanitizeFilename(post.Title) + ".pdf",
			MimeType: "application/pdf",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return userID
	}
	return u.DisplayName
}

// renderLessonBody dispatches on the lesson's editor type.
func renderLessonBody(editorType, content string) string {
	switch editorType {
	case "linear":
		return RenderLinear(blocks.ParseLinear(content))
	case "canvas":
		return RenderCanvas(blocks.ParseCanvas([]byte(content)))
	default:
		return RenderDoc(richtext.Load([]byte(content)))
	}
}
