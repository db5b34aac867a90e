package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/bobarin/newsreel/internal/retry"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash-image"

// GeminiService draws scenes with a Gemini image model through the Gen AI SDK.
type GeminiService struct {
	apiKey string
	model  string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

var _ ImageGenerator = (*GeminiService)(nil)

func NewGeminiService(apiKey, model string) *GeminiService {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiService{apiKey: apiKey, model: model}
}

func (s *GeminiService) genaiClient(ctx context.Context) (*genai.Client, error) {
	s.once.Do(func() {
		s.client, s.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  s.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if s.clientErr != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create genai client: %w", s.clientErr))
	}
	return s.client, nil
}

// GenerateImage returns the first inline image of the model's response.
func (s *GeminiService) GenerateImage(ctx context.Context, description string) (*GeneratedImage, error) {
	client, err := s.genaiClient(ctx)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	log.Printf("[Gemini] Generating image (model=%s, descLen=%d)", s.model, len(description))

	resp, err := client.Models.GenerateContent(ctx, s.model, genai.Text(composeScenePrompt(description)), config)
	if err != nil {
		return nil, classifyGenAIError(err)
	}
	return firstInlineImage(resp)
}

func firstInlineImage(resp *genai.GenerateContentResponse) (*GeneratedImage, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates in response")
	}

	var text string
	parts := resp.Candidates[0].Content.Parts
	for _, part := range parts {
		if part == nil {
			continue
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			mimeType := part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = http.DetectContentType(part.InlineData.Data)
			}
			return &GeneratedImage{Data: part.InlineData.Data, MIMEType: mimeType}, nil
		}
		if part.Text != "" && text == "" {
			text = part.Text
		}
	}
	if text != "" {
		return nil, fmt.Errorf("gemini returned text instead of image: %s", retry.Truncate(text, 200))
	}
	return nil, fmt.Errorf("no image data found in response (got %d parts)", len(parts))
}

func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && !retry.RetryableStatus(apiErr.Code) {
			return retry.Permanent(fmt.Errorf("gemini request rejected: %w", err))
		}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
