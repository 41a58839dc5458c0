package infrastructure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// TelegramExportData represents the structure of tdl chat export JSON
type TelegramExportData struct {
	ID       int64                 `json:"id"`
	Messages []TelegramMessageData `json:"messages"`
}

// TelegramMessageData represents a single message in the export
type TelegramMessageData struct {
	ID   int64               `json:"id"`
	Type string              `json:"type"`
	File string              `json:"file,omitempty"`
	Date int64               `json:"date,omitempty"`
	Text string              `json:"text,omitempty"`
	Raw  *TelegramRawMessage `json:"raw,omitempty"`
}

// TelegramRawMessage is the part of the MTProto message that `chat export
// --raw` adds and the exporter reads
type TelegramRawMessage struct {
	ReplyTo *struct {
		ReplyToMsgID  int64           `json:"ReplyToMsgID"`
		ReplyToPeerID json.RawMessage `json:"ReplyToPeerID"`
	} `json:"ReplyTo"`
	Media *struct {
		Round    bool `json:"Round"`
		Voice    bool `json:"Voice"`
		Document *struct {
			Size       int64 `json:"Size"`
			Attributes []struct {
				RoundMessage bool `json:"RoundMessage"`
				Voice        bool `json:"Voice"`
			} `json:"Attributes"`
		} `json:"Document"`
	} `json:"Media"`
}

// replyTo returns the id of the replied-to message in the same chat
func (r *TelegramRawMessage) replyTo() int64 {
	if r == nil || r.ReplyTo == nil {
		return 0
	}
	if peer := bytes.TrimSpace(r.ReplyTo.ReplyToPeerID); len(peer) > 0 && !bytes.Equal(peer, []byte("null")) {
		return 0
	}
	return r.ReplyTo.ReplyToMsgID
}

// mediaKind refines the kind guessed from the file name with the document
// attributes: round videos and voice notes look like any other mp4 or ogg
func (r *TelegramRawMessage) mediaKind(guess domain.MediaKind) domain.MediaKind {
	if r == nil || r.Media == nil {
		return guess
	}
	round, voice := r.Media.Round, r.Media.Voice
	if doc := r.Media.Document; doc != nil {
		for _, a := range doc.Attributes {
			round = round || a.RoundMessage
			voice = voice || a.Voice
		}
	}
	switch {
	case round:
		return domain.MediaRoundVideo
	case voice:
		return domain.MediaAudio
	default:
		return guess
	}
}

func (r *TelegramRawMessage) mediaSize() int64 {
	if r == nil || r.Media == nil || r.Media.Document == nil {
		return 0
	}
	return r.Media.Document.Size
}

// TelegramDialogData is one entry of `tdl chat ls -o json`
type TelegramDialogData struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	VisibleName string `json:"visible_name"`
	Username    string `json:"username"`
}

// TDLClient implements domain.Platform by driving the tdl binary
type TDLClient struct {
	config  *domain.TelegramConfig
	workDir string
	logger  *zap.Logger

	mu        sync.Mutex
	dialogs   []domain.Peer
	dialogsOK bool
	latest    map[int64]int64
}

// NewTDLClient creates a client that keeps its scratch files under workDir
func NewTDLClient(config *domain.TelegramConfig, workDir string, logger *zap.Logger) *TDLClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TDLClient{
		config:  config,
		workDir: workDir,
		logger:  logger,
		latest:  make(map[int64]int64),
	}
}

// baseArgs builds the global flags shared by every tdl invocation
func (c *TDLClient) baseArgs() []string {
	args := []string{
		"-n", c.config.Session,
		"--storage", fmt.Sprintf("type=%s,path=%s", c.config.StorageType, c.config.StoragePath),
	}
	if c.config.Proxy != "" {
		args = append(args, "--proxy", c.config.Proxy)
	}
	return args
}

// buildExportArgs builds a `chat export` command for an id window, or for the
// last message when from is 0.
func (c *TDLClient) buildExportArgs(chat string, from, to int64, output string) []string {
	args := append(c.baseArgs(), "chat", "export", "-c", chat)
	if from <= 0 {
		args = append(args, "-T", "last", "-i", "1")
	} else {
		args = append(args, "-T", "id", "-i", fmt.Sprintf("%d,%d", from, to))
	}
	return append(args, "--all", "--with-content", "--raw", "-o", output)
}

// buildDownloadArgs builds a `dl` command reading from an export file
func (c *TDLClient) buildDownloadArgs(exportFile, dir string) []string {
	args := append(c.baseArgs(), "dl", "-f", exportFile, "-d", dir)
	if c.config.ExtraParams != "" {
		args = append(args, strings.Fields(c.config.ExtraParams)...)
	}
	return args
}

// run executes tdl and classifies its failure
func (c *TDLClient) run(ctx context.Context, args ...string) ([]byte, error) {
	c.logger.Debug("Running tdl", zap.String("command", ShellEscapeCommand(c.config.TDLBinary, args...)))

	cmd := exec.CommandContext(ctx, c.config.TDLBinary, args...)
	detachSignals(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	scanner := bufio.NewScanner(bytes.NewReader(stderr.Bytes()))
	for scanner.Scan() {
		c.logger.Debug("tdl stderr", zap.String("line", scanner.Text()))
	}
	return nil, classifyTDLError(stderr.String()+stdout.String(), err)
}

var (
	floodWaitRegex = regexp.MustCompile(`FLOOD_WAIT_(\d+)|[Aa] wait of (\d+) seconds`)
	transientHints = []string{
		"connection reset", "i/o timeout", "timeout", "unexpected eof",
		"connection refused", "network is unreachable", "rpc_call_fail", "broken pipe",
	}
	unresolvedHints = []string{
		"username_not_occupied", "username_invalid", "channel_invalid",
		"peer_id_invalid", "channel_private", "chat_id_invalid", "not found",
		"invite_hash_expired", "invite_hash_invalid",
	}
)

// classifyTDLError maps tdl output onto the domain error taxonomy
func classifyTDLError(output string, err error) error {
	msg := strings.TrimSpace(output)
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}

	if m := floodWaitRegex.FindStringSubmatch(output); m != nil {
		seconds := m[1]
		if seconds == "" {
			seconds = m[2]
		}
		n, _ := strconv.Atoi(seconds)
		return &domain.RateLimitedError{RetryAfter: time.Duration(n) * time.Second, Err: fmt.Errorf("tdl: %s", msg)}
	}

	lower := strings.ToLower(output)
	for _, hint := range unresolvedHints {
		if strings.Contains(lower, hint) {
			return fmt.Errorf("%w: tdl: %s", domain.ErrUnresolvedTarget, msg)
		}
	}
	for _, hint := range transientHints {
		if strings.Contains(lower, hint) {
			return fmt.Errorf("%w: tdl: %s", domain.ErrTransientNetwork, msg)
		}
	}
	return fmt.Errorf("tdl failed: %w: %s", err, msg)
}

// Dialogs lists up to limit chats known to the session
func (c *TDLClient) Dialogs(ctx context.Context, limit int) ([]domain.Peer, error) {
	peers, err := c.loadDialogs(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(peers) > limit {
		peers = peers[:limit]
	}
	return peers, nil
}

func (c *TDLClient) loadDialogs(ctx context.Context) ([]domain.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialogsOK {
		return c.dialogs, nil
	}

	out, err := c.run(ctx, append(c.baseArgs(), "chat", "ls", "-o", "json")...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	peers, err := parseDialogs(out)
	if err != nil {
		return nil, err
	}
	c.dialogs = peers
	c.dialogsOK = true
	return peers, nil
}

func parseDialogs(data []byte) ([]domain.Peer, error) {
	var dialogs []TelegramDialogData
	if err := json.Unmarshal(data, &dialogs); err != nil {
		return nil, fmt.Errorf("failed to parse chat list: %w", err)
	}
	peers := make([]domain.Peer, 0, len(dialogs))
	for _, d := range dialogs {
		peers = append(peers, domain.Peer{
			ID:       d.ID,
			Title:    d.VisibleName,
			Kind:     dialogKind(d.Type),
			Username: d.Username,
		})
	}
	return peers, nil
}

func dialogKind(t string) domain.TargetKind {
	switch strings.ToLower(t) {
	case "private", "user", "bot":
		return domain.KindUser
	case "group", "chat":
		return domain.KindGroup
	default:
		return domain.KindChannel
	}
}

// matchPeer finds a reference in a chat list. Channel ids match with or without the -100 marker.
func matchPeer(peers []domain.Peer, ref domain.Reference) (domain.Peer, bool) {
	for _, p := range peers {
		switch ref.Form {
		case domain.RefNumeric:
			if p.ID == ref.ID || domain.BareChannelID(p.ID) == domain.BareChannelID(ref.ID) {
				return p, true
			}
		case domain.RefUsername:
			if p.Username != "" && strings.EqualFold(p.Username, ref.Username) {
				return p, true
			}
		}
	}
	return domain.Peer{}, false
}

// ResolvePeer locates a chat in the session's chat list, probing public
// usernames that are not in the list with a one-message export.
func (c *TDLClient) ResolvePeer(ctx context.Context, ref domain.Reference) (domain.Peer, error) {
	if ref.Form == domain.RefInvite {
		return domain.Peer{}, fmt.Errorf("%w: invite link %q must be joined before export", domain.ErrUnresolvedTarget, ref.Raw)
	}

	peers, err := c.loadDialogs(ctx)
	if err != nil {
		return domain.Peer{}, err
	}
	if p, ok := matchPeer(peers, ref); ok {
		return p, nil
	}
	if ref.Form != domain.RefUsername {
		return domain.Peer{}, fmt.Errorf("%w: %q is not in the chat list", domain.ErrUnresolvedTarget, ref.Raw)
	}

	data, err := c.export(ctx, ref.Username, 0, 0)
	if err != nil {
		return domain.Peer{}, err
	}
	return domain.Peer{ID: data.ID, Title: ref.Username, Kind: domain.KindChannel, Username: ref.Username}, nil
}

func chatArg(t domain.Target) string {
	if t.Username != "" {
		return t.Username
	}
	return strconv.FormatInt(t.ID, 10)
}

func (c *TDLClient) export(ctx context.Context, chat string, from, to int64) (*TelegramExportData, error) {
	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	f, err := os.CreateTemp(c.workDir, "export-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	output := f.Name()
	f.Close()
	defer os.Remove(output)

	if _, err := c.run(ctx, c.buildExportArgs(chat, from, to, output)...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}
	var exportData TelegramExportData
	if err := json.Unmarshal(data, &exportData); err != nil {
		return nil, fmt.Errorf("failed to parse export data: %w", err)
	}
	return &exportData, nil
}

// latestID returns the newest message id of a chat, asked once per client
func (c *TDLClient) latestID(ctx context.Context, peer domain.Target) (int64, error) {
	c.mu.Lock()
	id, ok := c.latest[peer.ID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	data, err := c.export(ctx, chatArg(peer), 0, 0)
	if err != nil {
		return 0, err
	}
	for _, m := range data.Messages {
		if m.ID > id {
			id = m.ID
		}
	}

	c.mu.Lock()
	c.latest[peer.ID] = id
	c.mu.Unlock()
	return id, nil
}

// History returns up to limit messages newer than afterID. Message ids are
// sparse, so empty id windows are skipped until the newest id is passed.
func (c *TDLClient) History(ctx context.Context, peer domain.Target, afterID int64, limit int) ([]domain.MessageRecord, error) {
	if limit < 1 {
		limit = 1
	}
	latest, err := c.latestID(ctx, peer)
	if err != nil {
		return nil, err
	}

	for from := afterID + 1; from <= latest; from += int64(limit) {
		to := from + int64(limit) - 1
		data, err := c.export(ctx, chatArg(peer), from, to)
		if err != nil {
			return nil, err
		}
		if records := toMessageRecords(peer.ID, data.Messages); len(records) > 0 {
			return records, nil
		}
	}
	return nil, nil
}

func toMessageRecords(targetID int64, messages []TelegramMessageData) []domain.MessageRecord {
	records := make([]domain.MessageRecord, 0, len(messages))
	for _, m := range messages {
		rec := domain.MessageRecord{
			TargetID:  targetID,
			MessageID: m.ID,
			Text:      strings.TrimSpace(m.Text),
			ReplyTo:   m.Raw.replyTo(),
			Service:   m.Type != "" && m.Type != "message",
		}
		if m.Date > 0 {
			rec.Timestamp = time.Unix(m.Date, 0)
		}
		if m.File != "" {
			rec.Media = []domain.MediaRef{{
				ID:       strconv.FormatInt(m.ID, 10),
				Kind:     m.Raw.mediaKind(domain.DetectMediaKind(m.File)),
				FileName: m.File,
				Size:     m.Raw.mediaSize(),
			}}
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].MessageID < records[j].MessageID })
	return records
}

// Download fetches the attachment of one message into destPath
func (c *TDLClient) Download(ctx context.Context, peer domain.Target, messageID int64, media domain.MediaRef, destPath string) error {
	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	tempDir, err := os.MkdirTemp(c.workDir, "dl-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	exportFile := filepath.Join(tempDir, "export.json")
	payload, err := json.Marshal(TelegramExportData{
		ID:       peer.ID,
		Messages: []TelegramMessageData{{ID: messageID, Type: "message", File: media.FileName}},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(exportFile, payload, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	mediaDir := filepath.Join(tempDir, "media")
	if _, err := c.run(ctx, c.buildDownloadArgs(exportFile, mediaDir)...); err != nil {
		return err
	}

	file, err := findDownloadedFile(mediaDir)
	if err != nil {
		return err
	}
	return MoveFile(file, destPath)
}

// findDownloadedFile returns the largest regular file under dir
func findDownloadedFile(dir string) (string, error) {
	var best string
	var bestSize int64 = -1
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to scan download directory: %w", err)
	}
	if best == "" {
		return "", fmt.Errorf("%w: tdl produced no file", domain.ErrTransientNetwork)
	}
	return best, nil
}
