package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Storage returns the object storage client.
func (c *Client) Storage() *StorageClient {
	return &StorageClient{client: c}
}

// StorageClient talks to the platform's storage endpoints.
type StorageClient struct {
	client *Client
}

// Bucket scopes operations to one bucket.
func (s *StorageClient) Bucket(name string) *BucketClient {
	return &BucketClient{client: s.client, bucket: name}
}

// BucketClient operates on a single bucket.
type BucketClient struct {
	client *Client
	bucket string
}

// Upload stores an object under path.
func (b *BucketClient) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.client.setHeaders(ctx, req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "max-age=3600")

	resp, err := b.client.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// Remove deletes objects by path.
func (b *BucketClient) Remove(ctx context.Context, paths []string) error {
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s", b.client.baseURL, b.bucket)

	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("marshal paths: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.client.setHeaders(ctx, req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// PublicURL returns the public URL for an object.
func (b *BucketClient) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.client.baseURL, b.bucket, path)
}
