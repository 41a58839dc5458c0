package infrastructure

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	yaml "go.yaml.in/yaml/v3"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// noteFrontmatter is the YAML header of every note
type noteFrontmatter struct {
	MessageID   int64     `yaml:"message_id"`
	TargetID    int64     `yaml:"target_id"`
	Chat        string    `yaml:"chat"`
	Date        time.Time `yaml:"date"`
	ReplyTo     int64     `yaml:"reply_to,omitempty"`
	TelegramURL string    `yaml:"telegram_url,omitempty"`
	Media       []string  `yaml:"media,omitempty"`
}

// MarkdownNoteWriter writes one Obsidian note per message under
// <folder>/<year>/<date>.<title>.md
type MarkdownNoteWriter struct {
	logger *zap.Logger
}

// NewMarkdownNoteWriter creates a note writer
func NewMarkdownNoteWriter(logger *zap.Logger) *MarkdownNoteWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarkdownNoteWriter{logger: logger}
}

// WriteNote renders msg and writes it atomically, returning the note path
func (w *MarkdownNoteWriter) WriteNote(ctx context.Context, target domain.Target, msg domain.MessageRecord, mediaPaths []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	date := msg.Timestamp
	if date.IsZero() {
		date = time.Now()
	}

	path, err := notePath(target.FolderPath, date, target, msg)
	if err != nil {
		return "", err
	}

	content, err := renderNote(target, msg, date, mediaPaths)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write note: %w", err)
	}

	w.logger.Debug("Note written",
		zap.Int64("message_id", msg.MessageID),
		zap.String("path", path))
	return path, nil
}

// notePath picks the note file for msg. A file of the same name that belongs
// to another message gets the message id appended; one that belongs to the
// same message id of another chat gets the chat id as well.
func notePath(folder string, date time.Time, target domain.Target, msg domain.MessageRecord) (string, error) {
	dir := filepath.Join(folder, strconv.Itoa(date.Year()))
	base := date.Format("2006-01-02") + "." + domain.NoteTitle(msg.Text, msg.MessageID)
	msgID := strconv.FormatInt(msg.MessageID, 10)

	candidates := []string{
		base + ".md",
		base + "." + msgID + ".md",
	}
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		owner, err := noteOwner(path)
		if err != nil {
			return "", err
		}
		if owner == (noteKey{}) || owner == (noteKey{target.ID, msg.MessageID}) {
			return path, nil
		}
	}
	// unique per (chat, message)
	return filepath.Join(dir, base+"."+target.Key()+"_"+msgID+".md"), nil
}

// noteKey identifies the message a note was written for
type noteKey struct {
	targetID  int64
	messageID int64
}

// noteOwner returns the message recorded in an existing note, the zero key
// when the file does not exist
func noteOwner(path string) (noteKey, error) {
	unknown := noteKey{messageID: -1}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return noteKey{}, nil
		}
		return noteKey{}, fmt.Errorf("failed to read existing note: %w", err)
	}
	fm, ok := splitFrontmatter(data)
	if !ok {
		return unknown, nil
	}
	var header noteFrontmatter
	if err := yaml.Unmarshal(fm, &header); err != nil || header.MessageID == 0 {
		return unknown, nil
	}
	return noteKey{header.TargetID, header.MessageID}, nil
}

func splitFrontmatter(data []byte) ([]byte, bool) {
	const delim = "---\n"
	if !bytes.HasPrefix(data, []byte(delim)) {
		return nil, false
	}
	rest := data[len(delim):]
	end := bytes.Index(rest, []byte("\n"+delim))
	if end < 0 {
		return nil, false
	}
	return rest[:end+1], true
}

func renderNote(target domain.Target, msg domain.MessageRecord, date time.Time, mediaPaths []string) ([]byte, error) {
	names := make([]string, 0, len(mediaPaths))
	for _, p := range mediaPaths {
		names = append(names, filepath.Base(p))
	}

	header, err := yaml.Marshal(noteFrontmatter{
		MessageID:   msg.MessageID,
		TargetID:    target.ID,
		Chat:        target.DisplayName(),
		Date:        date,
		ReplyTo:     msg.ReplyTo,
		TelegramURL: target.MessageURL(msg.MessageID),
		Media:       names,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")

	if msg.ReplyTo != 0 {
		if msg.ReplyNote != "" {
			fmt.Fprintf(&b, "> Reply to [[%s]]\n\n", strings.TrimSuffix(filepath.Base(msg.ReplyNote), ".md"))
		} else if url := target.MessageURL(msg.ReplyTo); url != "" {
			fmt.Fprintf(&b, "> Reply to [message %d](%s)\n\n", msg.ReplyTo, url)
		} else {
			fmt.Fprintf(&b, "> Reply to message %d\n\n", msg.ReplyTo)
		}
	}
	if text := strings.TrimSpace(msg.Text); text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	for _, name := range names {
		fmt.Fprintf(&b, "![[%s]]\n", name)
	}

	return append(bytes.TrimRight(b.Bytes(), "\n"), '\n'), nil
}
