package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"unlockmemory/api/internal/auth"
	"unlockmemory/api/internal/notes"
	"unlockmemory/api/internal/store"
)

func newTestServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), notes.NewMemoryBridge(), "*", SyncTuning{})
}

func issueTestToken(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub: "user-1", Name: "Rita", Role: role,
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func parsePayload(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := doRequest(server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := parsePayload(t, rr); payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("middleware must stamp a request id")
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	server := newTestServer(&fakeStore{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	})

	rr := doRequest(server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if payload := parsePayload(t, rr); payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
}

func TestSessionIntrospection(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := doRequest(server, http.MethodGet, "/api/session", "", "")
	if payload := parsePayload(t, rr); payload["authenticated"] != false {
		t.Fatalf("no token should be unauthenticated, got %v", payload)
	}

	rr = doRequest(server, http.MethodGet, "/api/session", issueTestToken(t, "moderator"), "")
	payload := parsePayload(t, rr)
	if payload["authenticated"] != true || payload["role"] != "moderator" {
		t.Fatalf("unexpected session payload %v", payload)
	}
	tuning, ok := payload["noteSync"].(map[string]any)
	if !ok || tuning["debounceMs"] != float64(1000) {
		t.Fatalf("session must carry autosave tuning, got %v", payload["noteSync"])
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := doRequest(server, http.MethodGet, "/api/posts", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if payload := parsePayload(t, rr); payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestViewerWriteEndpointsAreForbidden(t *testing.T) {
	server := newTestServer(&fakeStore{})
	token := issueTestToken(t, "viewer")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "create post", method: http.MethodPost, path: "/api/posts", body: `{"title":"Intro"}`},
		{name: "save draft", method: http.MethodPost, path: "/api/posts/post-1/versions", body: `{"content":"{}"}`},
		{name: "publish", method: http.MethodPost, path: "/api/posts/post-1/versions/publish", body: `{}`},
		{name: "create annotation", method: http.MethodPost, path: "/api/posts/post-1/annotations", body: `{"comment":"x","selectedText":"hi","selectionStart":1,"selectionEnd":3}`},
		{name: "create note", method: http.MethodPost, path: "/api/notes", body: `{"entityType":"user","courseId":"c-1"}`},
		{name: "moderate comment", method: http.MethodPost, path: "/api/comments/c-1/status", body: `{"status":"approved"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(server, tc.method, tc.path, token, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			if payload := parsePayload(t, rr); payload["code"] != "FORBIDDEN" {
				t.Fatalf("expected FORBIDDEN, got %v", payload["code"])
			}
		})
	}
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	posts := map[string]store.Post{}
	versionCount := 0
	fs := &fakeStore{
		insertPostFn: func(_ context.Context, p store.Post) (store.Post, error) {
			p.ID = "post-1"
			posts[p.ID] = p
			return p, nil
		},
		getPostFn: func(_ context.Context, postID string) (store.Post, error) {
			p, ok := posts[postID]
			if !ok {
				return store.Post{}, sql.ErrNoRows
			}
			return p, nil
		},
		createVersionFn: func(_ context.Context, v store.PostVersion) (store.PostVersion, error) {
			v.ID = "ver-1"
			v.VersionNumber = versionCount
			versionCount++
			return v, nil
		},
		updateDraftContentFn: func(_ context.Context, postID, content string) error {
			p := posts[postID]
			p.Content = content
			posts[postID] = p
			return nil
		},
		createPublishedVersionFn: func(_ context.Context, v store.PostVersion) (store.PostVersion, error) {
			v.ID = "ver-2"
			v.VersionNumber = versionCount
			versionCount++
			v.IsPublished = true
			p := posts[v.PostID]
			p.Status = "published"
			p.Content = v.Content
			posts[v.PostID] = p
			return v, nil
		},
	}
	server := newTestServer(fs)
	token := issueTestToken(t, "admin")

	rr := doRequest(server, http.MethodPost, "/api/posts", token, `{"title":"Slices","editorType":"richtext","courseId":"go-101"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create post: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := parsePayload(t, rr)
	if created["status"] != "draft" && created["status"] != "" {
		t.Fatalf("new posts start as drafts, got %v", created["status"])
	}

	rr = doRequest(server, http.MethodPost, "/api/posts/post-1/versions", token,
		`{"content":"{\"type\":\"doc\",\"content\":[{\"type\":\"paragraph\",\"content\":[{\"type\":\"text\",\"text\":\"slices grow\"}]}]}","changeSummary":"first pass"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("save draft: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(server, http.MethodPost, "/api/posts/post-1/versions/publish", token, `{"content":"{\"type\":\"doc\",\"content\":[{\"type\":\"paragraph\",\"content\":[{\"type\":\"text\",\"text\":\"slices grow\"}]}]}"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("publish: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	published := parsePayload(t, rr)
	if published["isPublished"] != true {
		t.Fatalf("publish must return the live version: %v", published)
	}

	rr = doRequest(server, http.MethodGet, "/api/posts/post-1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get post: expected 200, got %d", rr.Code)
	}
	if payload := parsePayload(t, rr); payload["status"] != "published" {
		t.Fatalf("post not live after publish: %v", payload["status"])
	}
}

func TestAnonymousReactionRequiresSessionID(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := doRequest(server, http.MethodPost, "/api/problems/p-1/reactions", "", `{"type":"like"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(server, http.MethodPost, "/api/problems/p-1/reactions", "", `{"type":"like","sessionId":"anon-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parsePayload(t, rr); payload["outcome"] != "added" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSearchValidatesPagination(t *testing.T) {
	server := newTestServer(&fakeStore{})
	token := issueTestToken(t, "student")

	rr := doRequest(server, http.MethodGet, "/api/search?q=maps&limit=abc", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}

	rr = doRequest(server, http.MethodGet, "/api/search?q=maps", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parsePayload(t, rr); payload["query"] != "maps" {
		t.Fatalf("unexpected search payload %v", payload)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestServer(&fakeStore{})
	token := issueTestToken(t, "student")

	rr := doRequest(server, http.MethodGet, "/api/nope", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if payload := parsePayload(t, rr); payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", payload["code"])
	}
}

func TestNotesSyncRequiresCourse(t *testing.T) {
	server := newTestServer(&fakeStore{})
	token := issueTestToken(t, "student")

	rr := doRequest(server, http.MethodGet, "/api/notes/sync", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without courseId, got %d", rr.Code)
	}
}
