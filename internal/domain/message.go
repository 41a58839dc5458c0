package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// MediaKind classifies an attachment
type MediaKind string

const (
	MediaPhoto      MediaKind = "photo"
	MediaVideo      MediaKind = "video"
	MediaRoundVideo MediaKind = "round_video"
	MediaAudio      MediaKind = "audio"
	MediaDocument   MediaKind = "document"
)

// Dir returns the media subdirectory an attachment of this kind is placed in
func (k MediaKind) Dir() string {
	switch k {
	case MediaPhoto:
		return "images"
	case MediaVideo:
		return "videos"
	case MediaRoundVideo:
		return "round_videos"
	case MediaAudio:
		return "audios"
	default:
		return "documents"
	}
}

var kindByExt = map[string]MediaKind{
	".jpg": MediaPhoto, ".jpeg": MediaPhoto, ".png": MediaPhoto, ".webp": MediaPhoto,
	".gif": MediaPhoto, ".bmp": MediaPhoto, ".tif": MediaPhoto, ".tiff": MediaPhoto,
	".mp4": MediaVideo, ".mov": MediaVideo, ".mkv": MediaVideo, ".webm": MediaVideo,
	".avi": MediaVideo, ".m4v": MediaVideo,
	".mp3": MediaAudio, ".ogg": MediaAudio, ".oga": MediaAudio, ".opus": MediaAudio,
	".m4a": MediaAudio, ".flac": MediaAudio, ".wav": MediaAudio,
}

// DetectMediaKind guesses the kind of an attachment from its file name
func DetectMediaKind(fileName string) MediaKind {
	if kind, ok := kindByExt[strings.ToLower(filepath.Ext(fileName))]; ok {
		return kind
	}
	return MediaDocument
}

// MediaRef points at one attachment of a message on the platform
type MediaRef struct {
	ID       string    `json:"id"`
	Kind     MediaKind `json:"kind"`
	FileName string    `json:"file_name,omitempty"`
	Size     int64     `json:"size,omitempty"`
}

// MessageRecord is a message as yielded by the fetcher
type MessageRecord struct {
	TargetID  int64      `json:"target_id"`
	MessageID int64      `json:"message_id"`
	Timestamp time.Time  `json:"timestamp"`
	Text      string     `json:"text,omitempty"`
	ReplyTo   int64      `json:"reply_to,omitempty"`
	Media     []MediaRef `json:"media,omitempty"`
	Service   bool       `json:"-"`

	// ReplyNote is the note of the replied-to message, when it was exported
	ReplyNote string `json:"-"`
}

// HasMedia reports whether the message carries attachments
func (m MessageRecord) HasMedia() bool {
	return len(m.Media) > 0
}

// OutcomeStatus is the terminal status of a processed message
type OutcomeStatus string

const (
	OutcomeDone    OutcomeStatus = "done"
	OutcomePartial OutcomeStatus = "partial" // note written, some media failed
	OutcomeFailed  OutcomeStatus = "failed"  // note could not be written
)

// MessageOutcome is what the cache remembers about a processed message
type MessageOutcome struct {
	Status      OutcomeStatus `json:"status"`
	Note        string        `json:"note,omitempty"`
	MediaPaths  []string      `json:"media,omitempty"`
	ReplyTo     int64         `json:"reply_to,omitempty"`
	URL         string        `json:"telegram_url,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	ProcessedAt time.Time     `json:"processed_at"`
}

// MessageSummary aggregates per-message outcomes for one target
type MessageSummary struct {
	Processed   int `json:"processed"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	MediaDone   int `json:"media_done"`
	MediaFailed int `json:"media_failed"`
}

// Add folds an outcome into the summary
func (s *MessageSummary) Add(o MessageOutcome, mediaDone, mediaFailed int) {
	switch o.Status {
	case OutcomeFailed:
		s.Failed++
	default:
		s.Processed++
	}
	s.MediaDone += mediaDone
	s.MediaFailed += mediaFailed
}
