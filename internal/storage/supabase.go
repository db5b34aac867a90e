package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bobarin/newsreel/internal/retry"
)

const (
	// Upload timeout per attempt, generous for full-length videos
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second
)

// Supabase is a Store backed by a Supabase Storage bucket. It is used to
// publish finished videos; job-local work stays on Local.
type Supabase struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	policy     retry.Policy
}

var _ Store = (*Supabase)(nil)

func NewSupabase(url, serviceKey, bucket string) *Supabase {
	policy := retry.DefaultPolicy
	policy.Attempts = 5
	return &Supabase{
		url:        url,
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		policy: policy,
	}
}

func (s *Supabase) objectURL(name string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, name)
}

// Write uploads data with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert for reliable large file uploads.
func (s *Supabase) Write(ctx context.Context, name string, data []byte) error {
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	p := s.policy
	p.Label = "upload " + name
	return retry.Do(ctx, p, func(ctx context.Context) error {
		// Each attempt gets its own timeout, bounded by the caller's ctx
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, "PUT", s.objectURL(name), bytes.NewReader(data))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			if retry.RetryableError(err) {
				return fmt.Errorf("failed to upload: %w", err)
			}
			return retry.Permanent(fmt.Errorf("failed to upload: %w", err))
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		return retry.CheckStatus("supabase upload", resp.StatusCode, body)
	})
}

// Read downloads an object with retries.
func (s *Supabase) Read(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	p := s.policy
	p.Label = "download " + name
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, "GET", s.objectURL(name), nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			if retry.RetryableError(err) {
				return fmt.Errorf("failed to download: %w", err)
			}
			return retry.Permanent(fmt.Errorf("failed to download: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read download body: %w", err)
		}
		if err := retry.CheckStatus("supabase download", resp.StatusCode, body); err != nil {
			return err
		}
		data = body
		return nil
	})
	return data, err
}

// Exists checks for an object with a HEAD request.
func (s *Supabase) Exists(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", s.objectURL(name), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return false, nil
	default:
		return false, fmt.Errorf("stat %s returned status %d", name, resp.StatusCode)
	}
}

// GetPublicURL returns the public URL for a file
func (s *Supabase) GetPublicURL(name string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, name)
}

// Publish uploads a finished local file under <jobID>/<basename> and
// returns its public URL.
func (s *Supabase) Publish(ctx context.Context, jobID, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", localPath, err)
	}

	name := path.Join(jobID, filepath.Base(localPath))
	if err := s.Write(ctx, name, data); err != nil {
		return "", err
	}
	log.Printf("[Storage] Published %s (%d bytes) to bucket %s", name, len(data), s.Bucket)
	return s.GetPublicURL(name), nil
}
