package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/bobarin/newsreel/internal/retry"
)

// GeneratedImage is the raw output of an image provider.
type GeneratedImage struct {
	Data      []byte
	MIMEType  string
	SourceURL string // set when the provider returned a link
}

// Ext returns the file extension for the image's MIME type, without the dot.
func (g *GeneratedImage) Ext() string {
	mt, _, _ := mime.ParseMediaType(g.MIMEType)
	switch mt {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// ImageGenerator turns a scene description into an image.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, description string) (*GeneratedImage, error)
}

const maxImageBytes = 32 << 20

// downloadImage fetches a provider-hosted image.
func downloadImage(ctx context.Context, client *http.Client, service, url string) (*GeneratedImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create download request: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s image download failed: %w", service, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s image: %w", service, err)
	}
	if err := retry.CheckStatus(service, resp.StatusCode, data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s returned an empty image", service)
	}

	mimeType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return &GeneratedImage{Data: data, MIMEType: mimeType, SourceURL: url}, nil
}
