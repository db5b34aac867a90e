package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Output encoding for every clip this service produces.
const (
	videoCodec   = "libx264"
	audioCodec   = "aac"
	audioBitrate = "192k"
	audioRate    = 44100
	pixelFormat  = "yuv420p"
)

// ErrNoClips is returned when concatenation is asked to join nothing.
var ErrNoClips = errors.New("no clips to concatenate")

// FFmpegService wraps the ffmpeg and ffprobe binaries.
type FFmpegService struct {
	tempDir string
	ffmpeg  string
	ffprobe string
}

func NewFFmpegService(tempDir string) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &FFmpegService{
		tempDir: tempDir,
		ffmpeg:  "ffmpeg",
		ffprobe: "ffprobe",
	}, nil
}

// Available reports whether both binaries are on PATH.
func (s *FFmpegService) Available() bool {
	if _, err := exec.LookPath(s.ffmpeg); err != nil {
		return false
	}
	_, err := exec.LookPath(s.ffprobe)
	return err == nil
}

// VideoInfo is what the renderer needs to know about a clip.
type VideoInfo struct {
	Width    int
	Height   int
	FPS      float64
	Duration float64 // seconds
	HasAudio bool
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeVideo reads stream geometry, frame rate and duration with ffprobe.
func (s *FFmpegService) ProbeVideo(ctx context.Context, path string) (*VideoInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height,r_frame_rate,avg_frame_rate,duration:format=duration",
		"-of", "json",
		path,
	}
	out, err := exec.CommandContext(ctx, s.ffprobe, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s failed: %w", filepath.Base(path), err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*VideoInfo, error) {
	var p probeOutput
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &VideoInfo{}
	var sawVideo bool
	for _, st := range p.Streams {
		switch st.CodecType {
		case "video":
			if sawVideo {
				continue
			}
			sawVideo = true
			info.Width, info.Height = st.Width, st.Height
			info.FPS = parseRate(st.AvgFrameRate)
			if info.FPS <= 0 {
				info.FPS = parseRate(st.RFrameRate)
			}
			info.Duration = parseSeconds(st.Duration)
		case "audio":
			info.HasAudio = true
		}
	}
	if !sawVideo {
		return nil, fmt.Errorf("no video stream found")
	}
	if info.Duration <= 0 {
		info.Duration = parseSeconds(p.Format.Duration)
	}
	return info, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

// GetMediaDuration returns the container duration of any media file in seconds.
func (s *FFmpegService) GetMediaDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	output, err := exec.CommandContext(ctx, s.ffprobe, args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return durationSec, nil
}

// RenderStill encodes a still image held for duration seconds with audio attached.
func (s *FFmpegService) RenderStill(ctx context.Context, imagePath, audioPath string, duration float64, fps int, outputPath string) error {
	log.Printf("[FFmpeg] Rendering still %s (%.2fs)", filepath.Base(outputPath), duration)

	args := []string{
		"-y",
		"-loop", "1",
		"-framerate", strconv.Itoa(fps),
		"-i", imagePath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-t", formatSeconds(duration),
		"-c:v", videoCodec,
		"-tune", "stillimage",
		"-pix_fmt", pixelFormat,
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioRate),
		outputPath,
	}
	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg render still failed: %w", err)
	}
	return nil
}

// DecodeFrames streams the video at path as raw RGBA frames. The same image
// is reused for every call to fn, so fn must not retain it.
func (s *FFmpegService) DecodeFrames(ctx context.Context, path string, width, height int, fn func(index int, frame *image.RGBA) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.ffmpeg,
		"-v", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start error: %w", err)
	}

	frame := image.NewRGBA(image.Rect(0, 0, width, height))
	r := bufio.NewReaderSize(stdout, len(frame.Pix))
	var fnErr error
	for i := 0; ; i++ {
		if _, err := io.ReadFull(r, frame.Pix); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				fnErr = fmt.Errorf("read frame %d: %w", i, err)
			}
			break
		}
		if err := fn(i, frame); err != nil {
			fnErr = err
			break
		}
	}

	if fnErr != nil {
		cancel()
		_ = cmd.Wait()
		return fnErr
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg decode failed: %w: %s", err, tail(stderr.String()))
	}
	return nil
}

// FrameEncoder pipes raw RGBA frames into an ffmpeg encoder.
type FrameEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	width  int
	height int
	frames int
}

// NewFrameEncoder starts an encoder writing a silent H.264 video to outputPath.
func (s *FFmpegService) NewFrameEncoder(ctx context.Context, outputPath string, width, height int, fps float64) (*FrameEncoder, error) {
	e := &FrameEncoder{width: width, height: height}
	e.cmd = exec.CommandContext(ctx, s.ffmpeg,
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", videoCodec,
		"-pix_fmt", pixelFormat,
		outputPath,
	)
	e.cmd.Dir = s.tempDir
	e.cmd.Stderr = &e.stderr

	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	e.stdin = stdin
	if err := e.cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}
	return e, nil
}

// WriteFrame writes one canvas-sized frame.
func (e *FrameEncoder) WriteFrame(img *image.RGBA) error {
	if img.Rect.Dx() != e.width || img.Rect.Dy() != e.height {
		return fmt.Errorf("frame is %v, encoder expects %dx%d", img.Rect, e.width, e.height)
	}
	if img.Stride == e.width*4 {
		if _, err := e.stdin.Write(img.Pix[:e.width*e.height*4]); err != nil {
			return fmt.Errorf("write frame %d: %w", e.frames, err)
		}
	} else {
		for y := 0; y < e.height; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+e.width*4]
			if _, err := e.stdin.Write(row); err != nil {
				return fmt.Errorf("write frame %d: %w", e.frames, err)
			}
		}
	}
	e.frames++
	return nil
}

// Frames returns how many frames were written.
func (e *FrameEncoder) Frames() int { return e.frames }

// Close flushes the pipe and waits for the encoder to finish.
func (e *FrameEncoder) Close() error {
	if err := e.stdin.Close(); err != nil {
		return fmt.Errorf("close encoder input: %w", err)
	}
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w: %s", err, tail(e.stderr.String()))
	}
	return nil
}

// MuxAudio copies the video stream of videoPath and attaches the audio of
// audioSource, if it has any.
func (s *FFmpegService) MuxAudio(ctx context.Context, videoPath, audioSource, outputPath string) error {
	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioSource,
		"-map", "0:v",
		"-map", "1:a?",
		"-c:v", "copy",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioRate),
		outputPath,
	}
	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg mux audio failed: %w", err)
	}
	return nil
}

// ConcatenateClips joins clips in order, re-encoding each to width x height
// at fps. Every output segment carries audio: clips without an audio track
// get silence, and audio is padded or trimmed to the clip's video length.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string, width, height, fps int) error {
	if len(clipPaths) == 0 {
		return ErrNoClips
	}

	infos := make([]VideoInfo, len(clipPaths))
	for i, p := range clipPaths {
		info, err := s.ProbeVideo(ctx, p)
		if err != nil {
			return fmt.Errorf("probe clip %d: %w", i, err)
		}
		infos[i] = *info
	}

	args := []string{"-y"}
	for _, p := range clipPaths {
		args = append(args, "-i", p)
	}
	args = append(args,
		"-filter_complex", buildConcatFilter(infos, width, height, fps),
		"-map", "[outv]",
		"-map", "[outa]",
		"-c:v", videoCodec,
		"-pix_fmt", pixelFormat,
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		outputPath,
	)

	log.Printf("[FFmpeg] Concatenating %d clips into %s", len(clipPaths), filepath.Base(outputPath))
	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}
	return nil
}

func buildConcatFilter(infos []VideoInfo, width, height, fps int) string {
	var b strings.Builder
	for i, info := range infos {
		d := formatSeconds(info.Duration)
		fmt.Fprintf(&b,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=%s,trim=duration=%s,setpts=PTS-STARTPTS[v%d];",
			i, width, height, width, height, fps, pixelFormat, d, i)
		if info.HasAudio {
			fmt.Fprintf(&b,
				"[%d:a]aresample=%d,aformat=channel_layouts=stereo,apad,atrim=duration=%s,asetpts=PTS-STARTPTS[a%d];",
				i, audioRate, d, i)
		} else {
			fmt.Fprintf(&b,
				"anullsrc=channel_layout=stereo:sample_rate=%d,atrim=duration=%s,asetpts=PTS-STARTPTS[a%d];",
				audioRate, d, i)
		}
	}
	for i := range infos {
		fmt.Fprintf(&b, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=1:a=1[outv][outa]", len(infos))
	return b.String()
}

func (s *FFmpegService) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, s.ffmpeg, append([]string{"-hide_banner", "-v", "error"}, args...)...)
	cmd.Dir = s.tempDir // ffmpeg scratch files land here
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, tail(string(out)))
	}
	return nil
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

// tail keeps the end of ffmpeg's output, where the actual error is.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const maxTail = 600
	if len(s) > maxTail {
		return "..." + s[len(s)-maxTail:]
	}
	return s
}
