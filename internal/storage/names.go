package storage

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// ErrUnsafeName is returned for asset names outside the safe pattern.
var ErrUnsafeName = errors.New("unsafe asset name")

var (
	assetNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}\.(png|jpg|jpeg|webp|mp3|wav|mp4|json)$`)
	jobIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)
	unsafeTitleChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

const maxTitleStem = 48

// ValidateAssetName rejects anything that is not a plain file name with a
// known media extension.
func ValidateAssetName(name string) error {
	if !assetNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

// ValidateJobID rejects job identifiers that cannot be a single directory name.
func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("%w: job id %q", ErrUnsafeName, id)
	}
	return nil
}

// SafeTitle derives an ASCII file stem from a title. Titles that sanitize to
// the same text still differ by the hash suffix.
func SafeTitle(title string) string {
	stem := unsafeTitleChars.ReplaceAllString(title, "_")
	stem = strings.Trim(stem, "_-")
	if len(stem) > maxTitleStem {
		stem = strings.TrimRight(stem[:maxTitleStem], "_-")
	}
	if stem == "" {
		stem = "story"
	}

	h := fnv.New32a()
	h.Write([]byte(title))
	return fmt.Sprintf("%s_%08x", stem, h.Sum32())
}

// ImageAssetName is the file name for paragraph index's generated image.
func ImageAssetName(title string, index int, ext string) string {
	return fmt.Sprintf("%s_image_%d.%s", SafeTitle(title), index+1, ext)
}

// AudioAssetName is the file name for paragraph index's narration.
func AudioAssetName(title string, index int, ext string) string {
	return fmt.Sprintf("%s_%d.%s", SafeTitle(title), index+1, ext)
}

// AvatarAssetName is the file name for paragraph index's avatar video.
func AvatarAssetName(title string, index int) string {
	return fmt.Sprintf("%s_%d.mp4", SafeTitle(title), index+1)
}

// ParagraphVideoName is the rendered clip for paragraph index.
func ParagraphVideoName(index int) string {
	return fmt.Sprintf("paragraph_%02d.mp4", index+1)
}

const (
	StoryboardFile = "story_board.json"
	FinalVideoFile = "final_video.mp4"
	BackgroundStem = "background"
	CreditFile     = "source_qr.png"
)
