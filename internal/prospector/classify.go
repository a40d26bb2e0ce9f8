package prospector

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Media types used as routing hints
const (
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaImage    = "image"
	MediaSubtitle = "subtitle"
	MediaPlaylist = "playlist"
)

var extensionMedia = map[string]string{
	".mp3": MediaAudio, ".flac": MediaAudio, ".wav": MediaAudio, ".aac": MediaAudio,
	".ogg": MediaAudio, ".opus": MediaAudio, ".m4a": MediaAudio, ".wma": MediaAudio,
	".aiff": MediaAudio, ".alac": MediaAudio, ".ape": MediaAudio,

	".mp4": MediaVideo, ".mkv": MediaVideo, ".avi": MediaVideo, ".mov": MediaVideo,
	".wmv": MediaVideo, ".webm": MediaVideo, ".m4v": MediaVideo, ".mpg": MediaVideo,
	".mpeg": MediaVideo, ".flv": MediaVideo, ".ts": MediaVideo,

	".jpg": MediaImage, ".jpeg": MediaImage, ".png": MediaImage, ".gif": MediaImage,
	".webp": MediaImage, ".bmp": MediaImage, ".tiff": MediaImage,

	".srt": MediaSubtitle, ".ass": MediaSubtitle, ".ssa": MediaSubtitle,
	".vtt": MediaSubtitle, ".sub": MediaSubtitle,

	".m3u": MediaPlaylist, ".m3u8": MediaPlaylist, ".pls": MediaPlaylist,
	".cue": MediaPlaylist, ".xspf": MediaPlaylist,
}

// Classify returns a best-effort media type for path, or "" when the file
// is not recognisably media. The extension decides first; otherwise the
// file header is sniffed.
func Classify(path string) string {
	if media, ok := extensionMedia[strings.ToLower(filepath.Ext(path))]; ok {
		return media
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	for m := mtype; m != nil; m = m.Parent() {
		top, _, _ := strings.Cut(m.String(), "/")
		switch top {
		case MediaAudio, MediaVideo, MediaImage:
			return top
		}
	}
	return ""
}

// IsRelevant reports whether path has an audio or video extension
func IsRelevant(path string) bool {
	switch extensionMedia[strings.ToLower(filepath.Ext(path))] {
	case MediaAudio, MediaVideo:
		return true
	}
	return false
}
