package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Upload puts an object into a storage bucket, overwriting any existing
// object at the same path.
func (c *Client) Upload(ctx context.Context, bucket, path, contentType string, data io.Reader) error {
	u := c.baseURL + "/storage/v1/object/" + bucket + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, data)
	if err != nil {
		return err
	}
	c.setAuth(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("x-upsert", "true")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// Download fetches an object from a storage bucket.
func (c *Client) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	u := c.baseURL + "/storage/v1/object/" + bucket + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// PublicURL derives the unauthenticated URL for an object in a public bucket.
func (c *Client) PublicURL(bucket, path string) string {
	return c.baseURL + "/storage/v1/object/public/" + bucket + "/" + strings.TrimPrefix(path, "/")
}
