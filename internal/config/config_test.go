package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadRequiresOpenAIKeyWhenWorkerEnabled(t *testing.T) {
	setEnv(t, map[string]string{
		"WORKER_ENABLED":     "true",
		"OPENAI_API_KEY":     "",
		"ELEVENLABS_API_KEY": "el",
	})

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("expected OPENAI_API_KEY error, got %v", err)
	}
}

func TestLoadAPIOnly(t *testing.T) {
	setEnv(t, map[string]string{
		"WORKER_ENABLED":  "false",
		"API_PORT":        "9090",
		"NEWSAPI_DOMAINS": "a.com, b.com ,",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIPort != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.APIPort)
	}
	if len(cfg.NewsAPIDomains) != 2 || cfg.NewsAPIDomains[1] != "b.com" {
		t.Errorf("expected trimmed domain list, got %v", cfg.NewsAPIDomains)
	}
	if cfg.ImageWorkers != 5 || cfg.VoiceWorkers != 10 {
		t.Errorf("expected default pools 5/10, got %d/%d", cfg.ImageWorkers, cfg.VoiceWorkers)
	}
}

func TestValidateImageProvider(t *testing.T) {
	cfg := &Config{
		WorkerEnabled:     true,
		OpenAIKey:         "sk",
		ElevenLabsKey:     "el",
		ImageProvider:     "gemini",
		MaxConcurrentJobs: 1,
		ImageWorkers:      1,
		VoiceWorkers:      1,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for gemini without key")
	}
	cfg.GeminiKey = "g"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	cfg.ImageProvider = "midjourney"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestLoadLayoutDefaults(t *testing.T) {
	l, err := LoadLayout("")
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if l.Canvas.Width != 1920 || l.Canvas.Height != 1080 {
		t.Errorf("unexpected canvas %+v", l.Canvas)
	}
	q := l.Scene.Quad()
	if q.TopRight.X != 996 || q.TopRight.Y != 140 {
		t.Errorf("unexpected scene quad %+v", q)
	}
}

func TestLoadLayoutOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	yamlDoc := `
canvas:
  width: 1280
  height: 720
fps: 30
avatar:
  threshold: 40
  quad:
    top_left: [10, 20]
    top_right: [110, 20]
    bottom_right: [110, 220]
    bottom_left: [10, 220]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := LoadLayout(path)
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if l.Canvas.Width != 1280 || l.FPS != 30 {
		t.Errorf("expected overrides, got %+v fps=%d", l.Canvas, l.FPS)
	}
	if l.Avatar.Threshold != 40 {
		t.Errorf("expected threshold 40, got %d", l.Avatar.Threshold)
	}
	if l.Avatar.BlurKernel != 21 {
		t.Errorf("expected default blur kernel kept, got %d", l.Avatar.BlurKernel)
	}
	if l.Avatar.Quad.Quad().BottomRight.Y != 220 {
		t.Errorf("unexpected avatar quad %+v", l.Avatar.Quad)
	}
}

func TestLoadLayoutRejectsOddCanvas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	if err := os.WriteFile(path, []byte("canvas: {width: 1281, height: 720}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLayout(path); err == nil {
		t.Error("expected error for odd canvas width")
	}
}

func TestLayoutSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	want := DefaultLayout()
	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadLayout(path)
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if got.Avatar.Crop != want.Avatar.Crop || got.Scene != want.Scene {
		t.Errorf("round trip mismatch: %+v vs %+v", got, want)
	}
}
