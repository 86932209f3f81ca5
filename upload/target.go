package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrRateLimited is returned by a Target when the backend asks us to slow
// down. Workers cool off before retrying.
var ErrRateLimited = errors.New("upload: rate limited by target")

// Target is a backup destination.
type Target interface {
	Upload(ctx context.Context, path string) error
	Name() string
}

// DirTarget copies captures into a mounted backup directory, keeping their
// path relative to SourceRoot (so the date layout survives).
type DirTarget struct {
	SourceRoot string
	DestRoot   string
}

// Name implements Target.
func (d DirTarget) Name() string { return "dir:" + d.DestRoot }

// Upload implements Target.
func (d DirTarget) Upload(ctx context.Context, path string) error {
	if d.DestRoot == "" {
		return fmt.Errorf("upload: dir target has no destination")
	}

	rel, err := filepath.Rel(d.SourceRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	dst := filepath.Join(d.DestRoot, rel)

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("upload: create %s: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("upload: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		tmp.Close()
		return fmt.Errorf("upload: copy %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("upload: close: %w", err)
	}
	return os.Rename(tmp.Name(), dst)
}

// HTTPTarget POSTs each capture as multipart/form-data.
type HTTPTarget struct {
	URL    string
	Client *http.Client
	// Field is the form field name (default "file").
	Field string
}

// NewHTTPTarget returns a target with a 60s client timeout.
func NewHTTPTarget(url string) *HTTPTarget {
	return &HTTPTarget{URL: url, Client: &http.Client{Timeout: 60 * time.Second}, Field: "file"}
}

// Name implements Target.
func (h *HTTPTarget) Name() string { return "http:" + h.URL }

// Upload implements Target.
func (h *HTTPTarget) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	field := h.Field
	if field == "" {
		field = "file"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("upload: form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("upload: read %s: %w", path, err)
	}
	if err := mw.WriteField("path", filepath.ToSlash(path)); err != nil {
		return fmt.Errorf("upload: form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("upload: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, &body)
	if err != nil {
		return fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("upload: target returned %s", resp.Status)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
