package app

import (
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// defaultExt is used when the platform gives no file name
var defaultExt = map[domain.MediaKind]string{
	domain.MediaPhoto:      ".jpg",
	domain.MediaVideo:      ".mp4",
	domain.MediaRoundVideo: ".mp4",
	domain.MediaAudio:      ".ogg",
	domain.MediaDocument:   ".bin",
}

// MediaLayout decides where attachments are placed
type MediaLayout struct {
	Subdir        string
	EntityFolders bool
}

// mediaPaths holds the locations of one attachment
type mediaPaths struct {
	Final    string // optimized output
	Original string // un-optimized file, used when optimization is skipped or fails
	Raw      string // download target
	Claim    string // key reserved for the attachment while it is in flight
}

// Paths derives the locations of an attachment. They are unique per
// (target, message, media id), so distinct messages never collide even when
// every target shares one media directory.
func (l MediaLayout) Paths(target domain.Target, messageID int64, ref domain.MediaRef, profile domain.OptimizeProfile) mediaPaths {
	dir := filepath.Join(target.FolderPath, l.Subdir, ref.Kind.Dir())

	stem := "msg" + strconv.FormatInt(messageID, 10) + "_" + string(ref.Kind) + "_" + safeMediaID(ref.ID, messageID)
	if !l.EntityFolders {
		stem = strconv.FormatInt(target.ID, 10) + "_" + stem
	}

	srcExt := sourceExt(ref)
	finalExt := profile.Ext()
	if finalExt == "" {
		finalExt = srcExt
	}

	return mediaPaths{
		Final:    filepath.Join(dir, stem+finalExt),
		Original: filepath.Join(dir, stem+srcExt),
		Raw:      filepath.Join(dir, "raw_"+stem+srcExt),
		Claim:    filepath.Join(dir, stem),
	}
}

func sourceExt(ref domain.MediaRef) string {
	ext := strings.ToLower(filepath.Ext(ref.FileName))
	if ext == "" || len(ext) > 8 || strings.ContainsFunc(ext[1:], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if d, ok := defaultExt[ref.Kind]; ok {
			return d
		}
		return ".bin"
	}
	return ext
}

// safeMediaID keeps ids usable as a file name part
func safeMediaID(id string, messageID int64) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '_'
	}, id)
	if clean == "" {
		return strconv.FormatInt(messageID, 10)
	}
	return clean
}
