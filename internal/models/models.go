package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Enums

type JobState string

const (
	JobStateIdle       JobState = "idle"
	JobStateGenerating JobState = "generating"
	JobStateCompleted  JobState = "completed"
	JobStateError      JobState = "error"
)

type JobKind string

const (
	JobKindKeyword JobKind = "keyword"
	JobKindStory   JobKind = "story"
)

type AvatarCharacter string

const (
	AvatarWoman1 AvatarCharacter = "woman1"
	AvatarWoman2 AvatarCharacter = "woman2"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Article is one news item returned by the article source.
type Article struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at,omitempty"`
}

// JobRecord is the persisted history row for a job.
type JobRecord struct {
	ID           uuid.UUID  `json:"id"`
	Kind         JobKind    `json:"kind"`
	Keyword      *string    `json:"keyword,omitempty"`
	State        JobState   `json:"state"`
	Result       JSONB      `json:"result,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Request/Response DTOs

// StartJobRequest carries either a keyword or a raw storyboard document,
// which is validated with ParseStoryboard.
type StartJobRequest struct {
	Keyword string          `json:"keyword,omitempty"`
	Story   json.RawMessage `json:"story,omitempty"`
}

type StartJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type JobResult struct {
	FinalVideo        string   `json:"final_video"`
	Paragraphs        int      `json:"paragraphs"`
	Rendered          int      `json:"rendered"`
	ImageHoles        []int    `json:"image_holes,omitempty"`
	VoiceHoles        []int    `json:"voice_holes,omitempty"`
	SkippedParagraphs []int    `json:"skipped_paragraphs,omitempty"`
	PublishedURLs     []string `json:"published_urls,omitempty"`
}

type JobStatusResponse struct {
	JobID   string     `json:"job_id"`
	Status  JobState   `json:"status"`
	Result  *JobResult `json:"result,omitempty"`
	Message string     `json:"message,omitempty"`
}
