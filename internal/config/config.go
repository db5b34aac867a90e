package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Storage
	MediaRoot  string // Root of per-job asset directories
	TempDir    string // Scratch space for ffmpeg intermediates
	LayoutPath string // Optional YAML scene layout (empty = built-in defaults)

	// Database (optional job history)
	DatabaseURL string

	// Redis (optional; empty = in-process queue)
	RedisURL      string
	QueueCapacity int

	// Supabase (optional publisher)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// NewsAPI (article source for keyword jobs)
	NewsAPIKey      string
	NewsAPILanguage string
	NewsAPIDomains  []string

	// OpenAI (storyboard scripting and DALL-E images)
	OpenAIKey   string
	OpenAIModel string

	// Image provider: "openai" or "gemini"
	ImageProvider string
	GeminiKey     string
	GeminiModel   string

	// ElevenLabs (narration)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Avatar server (talking-avatar clips)
	AvatarAPIURL string

	// Google Drive (optional publisher)
	DriveClientID     string
	DriveClientSecret string
	DriveRefreshToken string
	DriveFolderID     string

	// Worker pools
	MaxConcurrentJobs int
	ImageWorkers      int
	VoiceWorkers      int
	RenderWorkers     int // 0 = size from host CPU and memory
	RetryAttempts     int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		MediaRoot:             getEnv("MEDIA_ROOT", "media/generated"),
		TempDir:               getEnv("TEMP_DIR", "/tmp/newsreel"),
		LayoutPath:            getEnv("LAYOUT_PATH", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		QueueCapacity:         getEnvInt("QUEUE_CAPACITY", 100),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "newsreel-videos"),
		NewsAPIKey:            getEnv("NEWSAPI_KEY", ""),
		NewsAPILanguage:       getEnv("NEWSAPI_LANGUAGE", "zh"),
		NewsAPIDomains:        getEnvList("NEWSAPI_DOMAINS", defaultNewsDomains),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o"),
		ImageProvider:         getEnv("IMAGE_PROVIDER", "openai"),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		AvatarAPIURL:          getEnv("AVATAR_API_URL", ""),
		DriveClientID:         getEnv("GOOGLE_DRIVE_CLIENT_ID", ""),
		DriveClientSecret:     getEnv("GOOGLE_DRIVE_CLIENT_SECRET", ""),
		DriveRefreshToken:     getEnv("GOOGLE_DRIVE_REFRESH_TOKEN", ""),
		DriveFolderID:         getEnv("GOOGLE_DRIVE_FOLDER_ID", ""),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		ImageWorkers:          getEnvInt("IMAGE_WORKERS", 5),
		VoiceWorkers:          getEnvInt("VOICE_WORKERS", 10),
		RenderWorkers:         getEnvInt("RENDER_WORKERS", 0),
		RetryAttempts:         getEnvInt("RETRY_ATTEMPTS", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields for the enabled components.
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.ImageWorkers < 1 || c.VoiceWorkers < 1 {
		return fmt.Errorf("IMAGE_WORKERS and VOICE_WORKERS must be at least 1")
	}

	if !c.WorkerEnabled {
		return nil
	}

	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	switch c.ImageProvider {
	case "openai":
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when IMAGE_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("IMAGE_PROVIDER must be openai or gemini, got %q", c.ImageProvider)
	}

	if c.ElevenLabsKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required for TTS")
	}

	if (c.SupabaseURL == "") != (c.SupabaseServiceKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set together")
	}

	return nil
}

// DriveEnabled reports whether every Google Drive credential is present.
func (c *Config) DriveEnabled() bool {
	return c.DriveClientID != "" && c.DriveClientSecret != "" && c.DriveRefreshToken != ""
}

var defaultNewsDomains = []string{
	"udn.com",
	"chinatimes.com",
	"ltn.com.tw",
	"ettoday.net",
	"setn.com",
	"tvbs.com.tw",
	"cna.com.tw",
	"storm.mg",
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
