package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a media task
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDownloading TaskStatus = "downloading"
	TaskDownloaded  TaskStatus = "downloaded"
	TaskOptimizing  TaskStatus = "optimizing"
	TaskDone        TaskStatus = "done"
	TaskFailed      TaskStatus = "failed"
)

// ProfileKind picks the optimizer applied to a downloaded file
type ProfileKind string

const (
	ProfilePassthrough ProfileKind = "passthrough"
	ProfileImage       ProfileKind = "image"
	ProfileVideo       ProfileKind = "video"
)

// OptimizeProfile is the value handed to the CPU pool with a file path.
type OptimizeProfile struct {
	Kind         ProfileKind `json:"kind"`
	Quality      int         `json:"quality,omitempty"`
	MaxDimension int         `json:"max_dimension,omitempty"`
	CRF          int         `json:"crf,omitempty"`
	Preset       string      `json:"preset,omitempty"`
	HWAccel      HWAccel     `json:"hw_accel,omitempty"`
	UseH265      bool        `json:"use_h265,omitempty"`
}

// Ext returns the extension of the optimized output, "" when the source extension is kept
func (p OptimizeProfile) Ext() string {
	switch p.Kind {
	case ProfileImage:
		return ".jpg"
	case ProfileVideo:
		return ".mp4"
	default:
		return ""
	}
}

// IsPassthrough reports whether the file is placed as downloaded
func (p OptimizeProfile) IsPassthrough() bool {
	return p.Kind == "" || p.Kind == ProfilePassthrough
}

// ProfileFor derives the optimize profile of an attachment kind.
// Audio, documents and everything with optimization disabled pass through.
func ProfileFor(kind MediaKind, cfg MediaConfig, accel HWAccel, optimize bool) OptimizeProfile {
	if !optimize {
		return OptimizeProfile{Kind: ProfilePassthrough}
	}
	switch kind {
	case MediaPhoto:
		return OptimizeProfile{
			Kind:         ProfileImage,
			Quality:      cfg.ImageQuality,
			MaxDimension: cfg.MaxImageDimension,
		}
	case MediaVideo, MediaRoundVideo:
		return OptimizeProfile{
			Kind:    ProfileVideo,
			CRF:     cfg.VideoCRF,
			Preset:  cfg.VideoPreset,
			HWAccel: accel,
			UseH265: cfg.UseH265,
		}
	default:
		return OptimizeProfile{Kind: ProfilePassthrough}
	}
}

// MediaTask is the unit of download and optimization work for one attachment
type MediaTask struct {
	ID             string          `json:"id"`
	TargetID       int64           `json:"target_id"`
	MessageID      int64           `json:"message_id"`
	Source         MediaRef        `json:"source"`
	TargetPath     string          `json:"target_path"`
	Profile        OptimizeProfile `json:"profile"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	DownloadedPath string          `json:"downloaded_path,omitempty"`
	ResultPath     string          `json:"result_path,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewMediaTask creates a pending media task
func NewMediaTask(targetID, messageID int64, source MediaRef, targetPath string, profile OptimizeProfile) *MediaTask {
	return &MediaTask{
		ID:         uuid.New().String(),
		TargetID:   targetID,
		MessageID:  messageID,
		Source:     source,
		TargetPath: targetPath,
		Profile:    profile,
		Status:     TaskPending,
		CreatedAt:  time.Now(),
	}
}

func (t *MediaTask) transition(to TaskStatus, from ...TaskStatus) error {
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
}

// MarkDownloading moves a pending task into the download stage
func (t *MediaTask) MarkDownloading() error {
	if err := t.transition(TaskDownloading, TaskPending); err != nil {
		return err
	}
	now := time.Now()
	t.StartedAt = &now
	t.Attempts = 1
	return nil
}

// IncrementAttempt records another download attempt
func (t *MediaTask) IncrementAttempt() {
	t.Attempts++
}

// CanRetry reports whether another download attempt is allowed
func (t *MediaTask) CanRetry(maxRetries int) bool {
	return t.Status == TaskDownloading && t.Attempts <= maxRetries
}

// MarkDownloaded records the raw file
func (t *MediaTask) MarkDownloaded(path string) error {
	if err := t.transition(TaskDownloaded, TaskDownloading); err != nil {
		return err
	}
	t.DownloadedPath = path
	return nil
}

// MarkOptimizing moves a downloaded task into the CPU stage
func (t *MediaTask) MarkOptimizing() error {
	return t.transition(TaskOptimizing, TaskDownloaded)
}

// MarkDone records the placed file. Passthrough tasks go straight from Downloaded.
func (t *MediaTask) MarkDone(path string) error {
	if err := t.transition(TaskDone, TaskDownloaded, TaskOptimizing); err != nil {
		return err
	}
	t.ResultPath = path
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

// MarkFailed fails the task from any non-terminal state
func (t *MediaTask) MarkFailed(err error) error {
	if t.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskFailed)
	}
	t.Status = TaskFailed
	if err != nil {
		t.ErrorMessage = err.Error()
	}
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

// IsTerminal checks if the task is in a terminal state
func (t *MediaTask) IsTerminal() bool {
	return t.Status == TaskDone || t.Status == TaskFailed
}
