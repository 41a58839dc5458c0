package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(profile OptimizeProfile) *MediaTask {
	return NewMediaTask(42, 7, MediaRef{ID: "m1", Kind: MediaPhoto}, "/vault/_media/images/msg7_photo_m1.jpg", profile)
}

func TestNewMediaTask(t *testing.T) {
	task := newTestTask(OptimizeProfile{Kind: ProfileImage, Quality: 80})

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, int64(42), task.TargetID)
	assert.Equal(t, int64(7), task.MessageID)
	assert.Equal(t, 0, task.Attempts)
	assert.False(t, task.IsTerminal())
}

func TestMediaTask_OptimizedLifecycle(t *testing.T) {
	task := newTestTask(OptimizeProfile{Kind: ProfileImage})

	require.NoError(t, task.MarkDownloading())
	assert.Equal(t, 1, task.Attempts)
	assert.NotNil(t, task.StartedAt)

	require.NoError(t, task.MarkDownloaded("/tmp/raw_msg7"))
	assert.Equal(t, "/tmp/raw_msg7", task.DownloadedPath)

	require.NoError(t, task.MarkOptimizing())
	require.NoError(t, task.MarkDone("/vault/out.jpg"))

	assert.Equal(t, TaskDone, task.Status)
	assert.Equal(t, "/vault/out.jpg", task.ResultPath)
	assert.NotNil(t, task.CompletedAt)
	assert.True(t, task.IsTerminal())
}

func TestMediaTask_PassthroughSkipsOptimizing(t *testing.T) {
	task := newTestTask(OptimizeProfile{Kind: ProfilePassthrough})

	require.NoError(t, task.MarkDownloading())
	require.NoError(t, task.MarkDownloaded("/tmp/raw"))
	require.NoError(t, task.MarkDone("/vault/doc.pdf"))
	assert.Equal(t, TaskDone, task.Status)
}

func TestMediaTask_InvalidTransitions(t *testing.T) {
	task := newTestTask(OptimizeProfile{Kind: ProfileImage})

	assert.ErrorIs(t, task.MarkDownloaded("/tmp/raw"), ErrInvalidTransition)
	assert.ErrorIs(t, task.MarkOptimizing(), ErrInvalidTransition)
	assert.ErrorIs(t, task.MarkDone("/x"), ErrInvalidTransition)
	assert.Equal(t, TaskPending, task.Status)

	require.NoError(t, task.MarkDownloading())
	assert.ErrorIs(t, task.MarkDownloading(), ErrInvalidTransition)
}

func TestMediaTask_MarkFailed(t *testing.T) {
	task := newTestTask(OptimizeProfile{Kind: ProfileVideo})
	require.NoError(t, task.MarkDownloading())

	require.NoError(t, task.MarkFailed(errors.New("connection reset")))
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "connection reset", task.ErrorMessage)
	assert.True(t, task.IsTerminal())

	assert.ErrorIs(t, task.MarkFailed(errors.New("again")), ErrInvalidTransition)
}

func TestMediaTask_CanRetry(t *testing.T) {
	task := newTestTask(OptimizeProfile{})
	assert.False(t, task.CanRetry(1), "pending tasks are not retried")

	require.NoError(t, task.MarkDownloading())
	assert.True(t, task.CanRetry(1))

	task.IncrementAttempt()
	assert.False(t, task.CanRetry(1))
}

func TestProfileFor(t *testing.T) {
	cfg := MediaConfig{ImageQuality: 70, MaxImageDimension: 1920, VideoCRF: 30, VideoPreset: "slow", UseH265: true}

	photo := ProfileFor(MediaPhoto, cfg, HWAccelNone, true)
	assert.Equal(t, ProfileImage, photo.Kind)
	assert.Equal(t, 70, photo.Quality)
	assert.Equal(t, 1920, photo.MaxDimension)
	assert.Equal(t, ".jpg", photo.Ext())

	video := ProfileFor(MediaRoundVideo, cfg, HWAccelNVIDIA, true)
	assert.Equal(t, ProfileVideo, video.Kind)
	assert.Equal(t, 30, video.CRF)
	assert.Equal(t, "slow", video.Preset)
	assert.Equal(t, HWAccelNVIDIA, video.HWAccel)
	assert.True(t, video.UseH265)
	assert.Equal(t, ".mp4", video.Ext())

	assert.True(t, ProfileFor(MediaAudio, cfg, HWAccelNone, true).IsPassthrough())
	assert.True(t, ProfileFor(MediaDocument, cfg, HWAccelNone, true).IsPassthrough())
	assert.True(t, ProfileFor(MediaPhoto, cfg, HWAccelNone, false).IsPassthrough())
	assert.Equal(t, "", ProfileFor(MediaDocument, cfg, HWAccelNone, true).Ext())
}
