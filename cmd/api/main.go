package main

import (
	"context"
	"image"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/newsreel/internal/api"
	"github.com/bobarin/newsreel/internal/config"
	"github.com/bobarin/newsreel/internal/db"
	"github.com/bobarin/newsreel/internal/jobs"
	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/orchestrator"
	"github.com/bobarin/newsreel/internal/pipeline"
	"github.com/bobarin/newsreel/internal/queue"
	"github.com/bobarin/newsreel/internal/render"
	"github.com/bobarin/newsreel/internal/retry"
	"github.com/bobarin/newsreel/internal/services"
	"github.com/bobarin/newsreel/internal/storage"
	"github.com/bobarin/newsreel/internal/worker"
)

func main() {
	log.Println("Starting Newsreel API...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	layout, err := config.LoadLayout(cfg.LayoutPath)
	if err != nil {
		log.Fatalf("Failed to load layout: %v", err)
	}

	store, err := storage.NewLocal(cfg.MediaRoot)
	if err != nil {
		log.Fatalf("Failed to initialize media storage: %v", err)
	}
	log.Printf("Media root: %s", store.Root())

	// Job history is optional
	var database *db.DB
	var history api.History
	var recorder worker.Recorder
	if cfg.DatabaseURL != "" {
		database, err = db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		if err := database.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to prepare database: %v", err)
		}
		history, recorder = database, database
		log.Println("Connected to database")
	}

	var q queue.JobQueue
	if cfg.RedisURL != "" {
		rq, err := queue.New(cfg.RedisURL, cfg.QueueCapacity)
		if err != nil {
			log.Fatalf("Failed to connect to queue: %v", err)
		}
		q = rq
		log.Println("Connected to Redis queue")
	} else {
		q = queue.NewMemory(cfg.QueueCapacity)
		log.Printf("Using in-process queue (capacity %d)", cfg.QueueCapacity)
	}
	defer q.Close()

	registry := jobs.NewRegistry()

	handler := api.NewHandler(registry, q, store, history)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	var workerCancel context.CancelFunc
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")
		p := buildPipeline(cfg, layout, store)
		w := worker.New(registry, q, p, recorder)

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go func() {
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
			close(workerDone)
		}()
	} else {
		close(workerDone)
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if workerCancel != nil {
		workerCancel()
	}
	<-workerDone

	log.Println("Server exited")
}

func buildPipeline(cfg *config.Config, layout config.Layout, store *storage.Local) *pipeline.Pipeline {
	policy := retry.DefaultPolicy
	policy.Attempts = cfg.RetryAttempts

	openaiSvc := services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel, "")

	var images services.ImageGenerator = openaiSvc
	if cfg.ImageProvider == "gemini" {
		images = services.NewGeminiService(cfg.GeminiKey, cfg.GeminiModel)
	}
	log.Printf("Image provider: %s", cfg.ImageProvider)

	tts := services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)

	var avatar services.AvatarGenerator
	if cfg.AvatarAPIURL != "" {
		avatar = services.NewAvatarService(cfg.AvatarAPIURL)
		log.Printf("Avatar server: %s", cfg.AvatarAPIURL)
	} else {
		log.Println("AVATAR_API_URL not set, avatar paragraphs will be skipped")
	}

	ffmpegSvc, err := services.NewFFmpegService(cfg.TempDir)
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg: %v", err)
	}
	if !ffmpegSvc.Available() {
		log.Println("WARNING: ffmpeg/ffprobe not found on PATH, rendering will fail")
	}

	gen := orchestrator.New(images, tts, avatar, store, orchestrator.Options{
		ImageWorkers: cfg.ImageWorkers,
		VoiceWorkers: cfg.VoiceWorkers,
		Retry:        policy,
		SceneQuad:    layout.Scene.Quad(),
		AvatarQuad:   layout.Avatar.Quad.Quad(),
		AvatarCrop:   layout.Avatar.Crop,
		Character:    models.AvatarCharacter(layout.Avatar.Character),
	})

	renderer := render.New(render.FFmpeg(ffmpegSvc), render.Options{
		Canvas:     image.Pt(layout.Canvas.Width, layout.Canvas.Height),
		FPS:        layout.FPS,
		Threshold:  layout.Avatar.Threshold,
		BlurKernel: layout.Avatar.BlurKernel,
		Workers:    cfg.RenderWorkers,
	})

	var publishers []services.Publisher
	if cfg.SupabaseURL != "" {
		publishers = append(publishers, storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket))
		log.Println("Publishing to Supabase storage")
	}
	if cfg.DriveEnabled() {
		publishers = append(publishers, services.NewDriveService(cfg.DriveClientID, cfg.DriveClientSecret, cfg.DriveRefreshToken, cfg.DriveFolderID))
		log.Println("Publishing to Google Drive")
	}

	return pipeline.New(pipeline.Deps{
		Store:      store,
		Articles:   services.NewNewsAPIService(cfg.NewsAPIKey, cfg.NewsAPILanguage, cfg.NewsAPIDomains),
		Scripter:   openaiSvc,
		Generator:  gen,
		Renderer:   renderer,
		Publishers: publishers,
		Layout:     layout,
		Retry:      policy,
	})
}
