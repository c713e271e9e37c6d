package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
)

// ErrNoUploadGrant is returned when a request carries neither a presigned
// URL nor an upload token.
var ErrNoUploadGrant = errors.New("worker: request has no upload grant")

// UploadArtifact stores data as the result artifact of req and returns its
// public URL. It PUTs to the presigned URL when the broker issued one and
// falls back to the proxied multipart upload authorized by the upload token.
func (c *Client) UploadArtifact(ctx context.Context, req Request, data []byte, filename string) (string, error) {
	grant := req.Upload
	if grant == nil {
		return "", ErrNoUploadGrant
	}
	if grant.PutURL != "" {
		err := c.putPresigned(ctx, grant.PutURL, grant.ContentType, data)
		if err == nil {
			return grant.FinalURL, nil
		}
		c.logger.Warn("presigned upload failed, falling back to proxy", "request_id", req.RequestID, "error", err)
	}
	if grant.Token == "" {
		return "", ErrNoUploadGrant
	}
	return c.postProxied(ctx, req.RequestID, grant.Token, data, filename)
}

func (c *Client) putPresigned(ctx context.Context, putURL, contentType string, data []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build put request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put artifact: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postProxied(ctx context.Context, requestID, token string, data []byte, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("request_id", requestID); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("X-Upload-Token", token)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		URL     string `json:"url"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("upload artifact: status %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return "", fmt.Errorf("upload artifact: status %d: %s", resp.StatusCode, out.Error)
	}
	return out.URL, nil
}
