package services

import (
	"context"
	"unicode/utf8"
)

// TTSResponse is what a speech provider returns for one narration line.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int
	Format     string // "mp3", "wav", etc.
}

// TTSService converts narration text to audio.
type TTSService interface {
	Synthesize(ctx context.Context, text string) (*TTSResponse, error)
}

// estimateAudioDuration guesses narration length from the text when the
// provider does not report it. CJK text is read per character, everything
// else per word.
func estimateAudioDuration(text string, speed float64) int {
	if speed <= 0 {
		speed = 1
	}
	var cjk, words int
	inWord := false
	for _, r := range text {
		switch {
		case r >= 0x3000 && r <= 0x9fff, r >= 0xac00 && r <= 0xd7af:
			cjk++
			inWord = false
		case r == ' ' || r == '\n' || r == '\t':
			inWord = false
		default:
			if !inWord {
				words++
			}
			inWord = true
		}
	}
	if cjk == 0 && words == 0 {
		return 0
	}
	// ~4.5 CJK characters and ~2.5 words per second at normal speed.
	sec := float64(cjk)/4.5 + float64(words)/2.5
	ms := int(sec * 1000 / speed)
	if ms < 500 && utf8.RuneCountInString(text) > 0 {
		ms = 500
	}
	return ms
}
