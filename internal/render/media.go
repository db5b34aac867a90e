package render

import (
	"context"
	"image"

	"github.com/bobarin/newsreel/internal/services"
)

// Media is the subset of the ffmpeg toolchain the renderer drives.
type Media interface {
	ProbeVideo(ctx context.Context, path string) (*services.VideoInfo, error)
	GetMediaDuration(ctx context.Context, path string) (float64, error)
	RenderStill(ctx context.Context, imagePath, audioPath string, duration float64, fps int, outputPath string) error
	DecodeFrames(ctx context.Context, path string, width, height int, fn func(index int, frame *image.RGBA) error) error
	OpenEncoder(ctx context.Context, outputPath string, width, height int, fps float64) (FrameWriter, error)
	MuxAudio(ctx context.Context, videoPath, audioSource, outputPath string) error
	ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string, width, height, fps int) error
}

// FrameWriter accepts composed frames for encoding.
type FrameWriter interface {
	WriteFrame(img *image.RGBA) error
	Close() error
}

type ffmpegMedia struct {
	*services.FFmpegService
}

// FFmpeg adapts an FFmpegService to Media.
func FFmpeg(s *services.FFmpegService) Media {
	return ffmpegMedia{s}
}

func (m ffmpegMedia) OpenEncoder(ctx context.Context, outputPath string, width, height int, fps float64) (FrameWriter, error) {
	enc, err := m.NewFrameEncoder(ctx, outputPath, width, height, fps)
	if err != nil {
		return nil, err
	}
	return enc, nil
}
