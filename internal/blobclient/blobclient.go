// Package blobclient uploads arbitrary log/stdout blobs to the
// droopy-style file store fronting the arena. Droopy serves every
// uploaded file back at its base URL plus the upload's filename.
package blobclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Client uploads named byte blobs and returns their remote URL.
type Client struct {
	baseURL    string
	creds      string
	httpClient *http.Client
}

// New builds a blob client pointed at baseURL (droopy's upload endpoint).
// creds, if non-empty, is a "user:pass" string sent as HTTP Basic auth.
func New(baseURL, creds string) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Upload POSTs data as a multipart file field and returns the remote URL,
// which is the base URL followed by filename.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("upfile", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.creds != "" {
		user, pass, ok := splitCreds(c.creds)
		if ok {
			req.SetBasicAuth(user, pass)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)

	// droopy serves uploaded files back at baseURL+filename; it does not
	// echo a path in its response body.
	return c.baseURL + filename, nil
}

func splitCreds(creds string) (user, pass string, ok bool) {
	for i := 0; i < len(creds); i++ {
		if creds[i] == ':' {
			return creds[:i], creds[i+1:], true
		}
	}
	return "", "", false
}
