package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/retry"
)

const maxAvatarBytes = 512 << 20

// AvatarGenerator renders a talking presenter clip lip-synced to audio.
type AvatarGenerator interface {
	GenerateAvatarVideo(ctx context.Context, audio []byte, audioName string, character models.AvatarCharacter) ([]byte, error)
}

// AvatarService talks to the full-body avatar server: the audio is
// submitted as a task, the task is polled until done, then the clip is
// downloaded.
type AvatarService struct {
	baseURL string
	client  *http.Client
	poll    retry.Policy
}

var _ AvatarGenerator = (*AvatarService)(nil)

func NewAvatarService(baseURL string) *AvatarService {
	return &AvatarService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
		poll: retry.Policy{
			BaseDelay:  2 * time.Second,
			MaxDelay:   15 * time.Second,
			Multiplier: 1.5,
			MaxElapsed: 15 * time.Minute,
			Label:      "Avatar poll",
		},
	}
}

type avatarTask struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// GenerateAvatarVideo returns the MP4 bytes of the finished clip.
func (s *AvatarService) GenerateAvatarVideo(ctx context.Context, audio []byte, audioName string, character models.AvatarCharacter) ([]byte, error) {
	taskID, err := s.submit(ctx, audio, audioName, character)
	if err != nil {
		return nil, err
	}
	log.Printf("[Avatar] Task %s submitted (character=%s, audio=%d bytes)", taskID, character, len(audio))

	task, err := retry.Poll(ctx, s.poll, func(ctx context.Context) (*avatarTask, bool, error) {
		t, err := s.status(ctx, taskID)
		if err != nil {
			return nil, false, err
		}
		switch t.Status {
		case "done", "completed", "succeeded":
			return t, true, nil
		case "failed", "error":
			return nil, false, retry.Permanent(fmt.Errorf("avatar task %s failed: %s", taskID, t.Error))
		default:
			return nil, false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if task.VideoURL == "" {
		return nil, retry.Permanent(fmt.Errorf("avatar task %s finished without a video", taskID))
	}

	return s.download(ctx, task.VideoURL)
}

func (s *AvatarService) submit(ctx context.Context, audio []byte, audioName string, character models.AvatarCharacter) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("character", string(character)); err != nil {
		return "", retry.Permanent(err)
	}
	fw, err := mw.CreateFormFile("audio", audioName)
	if err != nil {
		return "", retry.Permanent(err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", retry.Permanent(err)
	}
	if err := mw.Close(); err != nil {
		return "", retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/generate", &body)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create avatar request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var task avatarTask
	if err := s.doJSON(req, &task); err != nil {
		return "", err
	}
	if task.TaskID == "" {
		return "", fmt.Errorf("avatar server returned no task id")
	}
	return task.TaskID, nil
}

func (s *AvatarService) status(ctx context.Context, taskID string) (*avatarTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/status/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	var task avatarTask
	if err := s.doJSON(req, &task); err != nil {
		// Transient status errors count as still pending.
		if retry.IsPermanent(err) {
			return nil, err
		}
		log.Printf("[Avatar] Status check for %s failed: %v", taskID, err)
		return &avatarTask{TaskID: taskID, Status: "pending"}, nil
	}
	return &task, nil
}

func (s *AvatarService) doJSON(req *http.Request, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("avatar request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read avatar response: %w", err)
	}
	if err := retry.CheckStatus("avatar", resp.StatusCode, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode avatar response: %w", err)
	}
	return nil
}

func (s *AvatarService) download(ctx context.Context, videoURL string) ([]byte, error) {
	if strings.HasPrefix(videoURL, "/") {
		videoURL = s.baseURL + videoURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("avatar download failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read avatar video: %w", err)
	}
	if err := retry.CheckStatus("avatar", resp.StatusCode, data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("avatar video is empty")
	}
	log.Printf("[Avatar] Downloaded clip (%d bytes)", len(data))
	return data, nil
}
