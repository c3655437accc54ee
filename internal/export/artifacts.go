package export

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore keeps generated exports in object storage so repeat
// downloads of a published lesson skip the Chrome render.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

func NewArtifactStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ArtifactStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &ArtifactStore{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the artifact bucket if missing.
func (a *ArtifactStore) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.bucket, err)
	}
	return nil
}

// artifactKey names an export by lesson and version, so republishing
// produces a new object instead of overwriting history.
func artifactKey(lessonID string, versionNumber int, format string) string {
	return fmt.Sprintf("lessons/%s/v%d.%s", lessonID, versionNumber, format)
}

// Put stores a rendered export.
func (a *ArtifactStore) Put(ctx context.Context, lessonID string, versionNumber int, format, mimeType string, data []byte) error {
	key := artifactKey(lessonID, versionNumber, format)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mimeType})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", key, err)
	}
	return nil
}

// Get fetches a previously rendered export; ok is false on a miss.
func (a *ArtifactStore) Get(ctx context.Context, lessonID string, versionNumber int, format string) ([]byte, bool) {
	key := artifactKey(lessonID, versionNumber, format)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, false
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// PresignedURL returns a short-lived download link for an artifact.
func (a *ArtifactStore) PresignedURL(ctx context.Context, lessonID string, versionNumber int, format, filename string) (string, error) {
	key := artifactKey(lessonID, versionNumber, format)
	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, 15*time.Minute, params)
	if err != nil {
		return "", fmt.Errorf("presign artifact %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete drops every stored export for a lesson.
func (a *ArtifactStore) Delete(ctx context.Context, lessonID string) {
	prefix := fmt.Sprintf("lessons/%s/", lessonID)
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			log.Printf("export: list artifacts for %s: %v", lessonID, obj.Err)
			return
		}
		if err := a.client.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			log.Printf("export: remove artifact %s: %v", obj.Key, err)
		}
	}
}
