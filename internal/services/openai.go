package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/retry"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel = openai.GPT4o
	maxArticleRunes    = 4000
	maxArticles        = 8
)

// OpenAIService writes storyboards with chat completions and draws scenes
// with DALL-E 3.
type OpenAIService struct {
	client   *openai.Client
	model    string
	download *http.Client
}

var _ ImageGenerator = (*OpenAIService)(nil)

// NewOpenAIService creates the service. baseURL overrides the API endpoint
// when non-empty.
func NewOpenAIService(apiKey, model, baseURL string) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIService{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		download: &http.Client{Timeout: 120 * time.Second},
	}
}

// GenerateImage draws one 1792x1024 scene and downloads it.
func (s *OpenAIService) GenerateImage(ctx context.Context, description string) (*GeneratedImage, error) {
	resp, err := s.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         composeScenePrompt(description),
		Model:          openai.CreateImageModelDallE3,
		Size:           openai.CreateImageSize1792x1024,
		Quality:        openai.CreateImageQualityHD,
		ResponseFormat: openai.CreateImageResponseFormatURL,
		N:              1,
	})
	if err != nil {
		return nil, classifyOpenAIError("dall-e", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, fmt.Errorf("dall-e returned no image")
	}

	log.Printf("[OpenAI image] Generated scene (descLen=%d), downloading", len(description))
	return downloadImage(ctx, s.download, "dall-e", resp.Data[0].URL)
}

// composeScenePrompt frames a storyboard scene for a landscape news still.
func composeScenePrompt(description string) string {
	return "Editorial news illustration, landscape 16:9 composition, photorealistic, no text or captions in the image.\n\nScene: " +
		strings.TrimSpace(description)
}

// GenerateStoryboard condenses articles into a derivative news script and
// then lays it out as a storyboard. The first turn extracts facts and writes
// the script; the second turn returns the storyboard as a JSON object.
func (s *OpenAIService) GenerateStoryboard(ctx context.Context, keyword string, articles []models.Article) (*models.StoryboardDocument, error) {
	if len(articles) == 0 {
		return nil, retry.Permanent(errors.New("no articles to script"))
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: scriptSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildFactPrompt(keyword, articles)},
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return nil, classifyOpenAIError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}
	script := resp.Choices[0].Message.Content
	log.Printf("[OpenAI script] Derivative article written (%d chars)", utf8.RuneCountInString(script))

	messages = append(messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: script},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: storyboardPrompt},
	)
	resp, err = s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyOpenAIError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	doc, err := parseScriptedStoryboard(raw)
	if err != nil {
		log.Printf("[OpenAI script] raw response: %s", retry.Truncate(raw, 2000))
		return nil, err
	}
	doc.SourceURL = articles[0].URL

	log.Printf("[OpenAI script] Storyboard %q with %d paragraphs", doc.Title, len(doc.Paragraphs))
	return doc, nil
}

func parseScriptedStoryboard(raw string) (*models.StoryboardDocument, error) {
	doc, err := models.ParseStoryboard([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse storyboard: %w", err)
	}
	if len(doc.Paragraphs) == 0 {
		return nil, fmt.Errorf("storyboard has no paragraphs")
	}

	var missing []string
	for i := range doc.Paragraphs {
		p := &doc.Paragraphs[i]
		if strings.TrimSpace(p.Voiceover) == "" {
			missing = append(missing, fmt.Sprintf("%d:voiceover", i))
		}
		if strings.TrimSpace(p.ImageDescription) == "" && !p.NeedAvatar {
			missing = append(missing, fmt.Sprintf("%d:imageDescription", i))
		}
		p.CharacterCount = utf8.RuneCountInString(p.Voiceover)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("storyboard missing required fields: %v", missing)
	}
	return doc, nil
}

func buildFactPrompt(keyword string, articles []models.Article) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Keyword: %s\n\n", keyword)
	for i, a := range articles {
		if i == maxArticles {
			break
		}
		content := a.Content
		if utf8.RuneCountInString(content) > maxArticleRunes {
			content = string([]rune(content)[:maxArticleRunes])
		}
		fmt.Fprintf(&b, "# Article %d: %s\n%s\n\n", i+1, a.Title, content)
	}
	b.WriteString(`Step 1: list the verifiable facts these articles share about the keyword.
Step 2: using only those facts, write one new, original news article of 4 to 6 short paragraphs in the language of the source articles. Do not copy sentences from the sources.`)
	return b.String()
}

const scriptSystemPrompt = `You are a news editor producing scripts for short narrated news videos. You integrate several reports into one neutral, factual, derivative article. Never invent facts that are not in the sources.`

const storyboardPrompt = `Turn the article you just wrote into a storyboard. Respond with a JSON object only:

{
  "title": "short headline",
  "storyboard": [
    {
      "paragraph": "01",
      "duration": "approximate narration length, e.g. 8s",
      "imageDescription": "one concrete visual scene for this paragraph, in English",
      "voiceover": "the narration for this paragraph, in the article language",
      "needAvatar": false
    }
  ]
}

Rules:
- One storyboard entry per article paragraph, in order.
- Set needAvatar to true for the first and last paragraphs only; these are read on camera by the presenter.
- voiceover must be at most 120 characters for CJK text or 45 words otherwise.
- imageDescription must describe a scene that can be illustrated without real people's faces.`

// classifyOpenAIError marks client errors that will not improve on retry.
func classifyOpenAIError(service string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && !retry.RetryableStatus(apiErr.HTTPStatusCode) {
			return retry.Permanent(fmt.Errorf("%s request rejected: %w", service, err))
		}
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 && !retry.RetryableStatus(reqErr.HTTPStatusCode) {
			return retry.Permanent(fmt.Errorf("%s request rejected: %w", service, err))
		}
	}
	return fmt.Errorf("%s request failed: %w", service, err)
}
