package media

import (
	"encoding/json"
	"os/exec"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// GenerateThumbnail produces a thumbnail for a video asset using ffmpeg
// when available. Best-effort: a missing ffmpeg binary or a failed
// extraction leaves the asset valid with no thumbnail, and the original
// asset is never invalidated.
func (c *Cache) GenerateThumbnail(a *Asset) error {
	if a == nil || a.Kind != KindVideo {
		return nil
	}
	if a.ThumbPath != "" {
		return nil
	}

	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		c.logger.Info("ffmpeg not found, skipping thumbnail",
			zap.String("content_id", a.ContentID))
		return nil
	}

	thumbPath := a.Path + ".thumb.jpg"
	cmd := exec.Command(ffmpeg,
		"-y", "-i", a.Path,
		"-frames:v", "1",
		"-vf", "scale=320:-1",
		thumbPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		c.logger.Warn("thumbnail generation failed",
			zap.String("content_id", a.ContentID),
			zap.ByteString("output", out),
			zap.Error(err))
		return nil
	}

	a.ThumbPath = thumbPath
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAssets).Put([]byte(a.ContentID), data)
	})
}
