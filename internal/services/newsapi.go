package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/retry"
)

const (
	newsAPIBaseURL  = "https://newsapi.org/v2"
	newsAPILookback = 7 * 24 * time.Hour
	newsAPIPageSize = 100
)

// ArticleSource finds recent articles for a keyword.
type ArticleSource interface {
	GetKeywordArticles(ctx context.Context, keyword string) ([]models.Article, error)
}

// NewsAPIService queries NewsAPI's /everything endpoint.
type NewsAPIService struct {
	apiKey   string
	baseURL  string
	language string
	domains  []string
	client   *http.Client
	now      func() time.Time
}

var _ ArticleSource = (*NewsAPIService)(nil)

func NewNewsAPIService(apiKey, language string, domains []string) *NewsAPIService {
	return &NewsAPIService{
		apiKey:   apiKey,
		baseURL:  newsAPIBaseURL,
		language: language,
		domains:  domains,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

type newsAPIResponse struct {
	Status       string `json:"status"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	TotalResults int    `json:"totalResults"`
	Articles     []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Content     string `json:"content"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

// GetKeywordArticles returns the most popular articles of the last week
// mentioning keyword, restricted to the configured domains. Articles with no
// usable text are dropped.
func (s *NewsAPIService) GetKeywordArticles(ctx context.Context, keyword string) ([]models.Article, error) {
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("from", s.now().Add(-newsAPILookback).Format("2006-01-02"))
	q.Set("sortBy", "popularity")
	q.Set("pageSize", fmt.Sprint(newsAPIPageSize))
	if len(s.domains) > 0 {
		q.Set("domains", strings.Join(s.domains, ","))
	}
	if s.language != "" {
		q.Set("language", s.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/everything?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create NewsAPI request: %w", err))
	}
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NewsAPI request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read NewsAPI response: %w", err)
	}
	if err := retry.CheckStatus("NewsAPI", resp.StatusCode, body); err != nil {
		return nil, err
	}

	var parsed newsAPIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode NewsAPI response: %w", err)
	}
	if parsed.Status != "ok" {
		return nil, retry.Permanent(fmt.Errorf("NewsAPI error %s: %s", parsed.Code, parsed.Message))
	}

	articles := make([]models.Article, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		content := strings.TrimSpace(a.Content)
		if content == "" {
			content = strings.TrimSpace(a.Description)
		}
		if content == "" || a.URL == "" {
			continue
		}
		articles = append(articles, models.Article{
			Title:       a.Title,
			Content:     content,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
		})
	}

	log.Printf("[NewsAPI] %q: %d articles (%d total results)", keyword, len(articles), parsed.TotalResults)
	return articles, nil
}
