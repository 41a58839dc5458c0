package infrastructure

import (
	"context"
	"fmt"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// MediaOptimizer implements domain.Optimizer by profile kind
type MediaOptimizer struct {
	images *ImageOptimizer
	videos *FFmpegTranscoder
}

// NewMediaOptimizer combines the image and video optimizers
func NewMediaOptimizer(images *ImageOptimizer, videos *FFmpegTranscoder) *MediaOptimizer {
	return &MediaOptimizer{images: images, videos: videos}
}

// Optimize writes the optimized form of src to dst. Passthrough profiles copy.
func (m *MediaOptimizer) Optimize(ctx context.Context, src, dst string, profile domain.OptimizeProfile) error {
	switch profile.Kind {
	case domain.ProfileImage:
		return m.images.Optimize(ctx, src, dst, profile)
	case domain.ProfileVideo:
		if m.videos == nil {
			return fmt.Errorf("no video transcoder configured")
		}
		return m.videos.Transcode(ctx, src, dst, profile)
	case domain.ProfilePassthrough, "":
		return copyFile(src, dst)
	default:
		return fmt.Errorf("unknown optimize profile %q", profile.Kind)
	}
}
