package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// TargetKind is the kind of chat being exported
type TargetKind string

const (
	KindUser    TargetKind = "user"
	KindGroup   TargetKind = "group"
	KindChannel TargetKind = "channel"
)

// Target is a resolved chat. It is immutable once the resolver returns it.
type Target struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Kind       TargetKind `json:"kind"`
	Username   string     `json:"username,omitempty"`
	FolderPath string     `json:"folder_path"`
}

// Key returns the cache key for the target
func (t Target) Key() string {
	return strconv.FormatInt(t.ID, 10)
}

// DisplayName returns the title, falling back to the username and then the id
func (t Target) DisplayName() string {
	switch {
	case t.Title != "":
		return t.Title
	case t.Username != "":
		return "@" + t.Username
	default:
		return "id_" + t.Key()
	}
}

// MessageURL returns the public link of a message, or "" for private chats
func (t Target) MessageURL(messageID int64) string {
	if t.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", t.Username, messageID)
	}
	if t.Kind == KindUser {
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", BareChannelID(t.ID), messageID)
}

// BareChannelID strips the -100 marker from a channel id
func BareChannelID(id int64) int64 {
	s := strconv.FormatInt(id, 10)
	if strings.HasPrefix(s, "-100") {
		bare, err := strconv.ParseInt(s[4:], 10, 64)
		if err == nil {
			return bare
		}
	}
	if id < 0 {
		return -id
	}
	return id
}

// ReferenceForm is the syntactic form a chat reference was given in
type ReferenceForm string

const (
	RefNumeric  ReferenceForm = "numeric"
	RefUsername ReferenceForm = "username"
	RefInvite   ReferenceForm = "invite"
)

// Reference is a parsed, not yet resolved, chat reference
type Reference struct {
	Raw      string
	Form     ReferenceForm
	ID       int64
	Username string
	Invite   string
}

// KindHint guesses the kind of chat from the reference shape alone.
// The platform answer always wins over the hint.
func (r Reference) KindHint() TargetKind {
	switch r.Form {
	case RefUsername, RefInvite:
		return KindChannel
	}
	s := strconv.FormatInt(r.ID, 10)
	switch {
	case strings.HasPrefix(s, "-100"):
		return KindChannel
	case r.ID < 0:
		return KindGroup
	default:
		return KindUser
	}
}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)
	linkPattern     = regexp.MustCompile(`^(?:https?://)?(?:www\.)?(?:t|telegram)\.me/(.+)$`)
)

// ParseReference parses a numeric id, an @handle, a t.me link or an invite link.
func ParseReference(raw string) (Reference, error) {
	s := strings.TrimSpace(raw)
	ref := Reference{Raw: raw}
	if s == "" {
		return ref, fmt.Errorf("%w: empty reference", ErrUnresolvedTarget)
	}

	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		ref.Form = RefNumeric
		ref.ID = id
		return ref, nil
	}

	if m := linkPattern.FindStringSubmatch(s); m != nil {
		parts := strings.Split(strings.Trim(m[1], "/"), "/")
		switch {
		case strings.HasPrefix(parts[0], "+"):
			ref.Form = RefInvite
			ref.Invite = strings.TrimPrefix(parts[0], "+")
		case parts[0] == "joinchat" && len(parts) > 1:
			ref.Form = RefInvite
			ref.Invite = parts[1]
		case parts[0] == "c" && len(parts) > 1:
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return ref, fmt.Errorf("%w: bad channel link %q", ErrUnresolvedTarget, raw)
			}
			ref.Form = RefNumeric
			ref.ID, _ = strconv.ParseInt("-100"+strconv.FormatInt(id, 10), 10, 64)
		default:
			s = parts[0]
		}
		if ref.Form != "" {
			if ref.Form == RefInvite && ref.Invite == "" {
				return ref, fmt.Errorf("%w: empty invite link %q", ErrUnresolvedTarget, raw)
			}
			return ref, nil
		}
	}

	s = strings.TrimPrefix(s, "@")
	if !usernamePattern.MatchString(s) {
		return ref, fmt.Errorf("%w: unrecognized reference %q", ErrUnresolvedTarget, raw)
	}
	ref.Form = RefUsername
	ref.Username = s
	return ref, nil
}

const maxFolderNameLen = 100

// FolderName turns a chat title into a directory name that is safe on every
// common file system.
func FolderName(title string, id int64) string {
	name := sanitizeName(title, maxFolderNameLen)
	if name == "" {
		return "id_" + strconv.FormatInt(id, 10)
	}
	return name
}

const maxNoteTitleLen = 60

// NoteTitle derives a note title from the first line of a message text,
// falling back to Message-<id> for messages without usable text.
func NoteTitle(text string, messageID int64) string {
	first, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if title := sanitizeName(first, maxNoteTitleLen); title != "" {
		return title
	}
	return "Message-" + strconv.FormatInt(messageID, 10)
}

func sanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(strings.TrimSpace(b.String()), ".")
	if runes := []rune(out); len(runes) > maxLen {
		out = strings.TrimSpace(string(runes[:maxLen]))
	}
	return out
}

// TargetRecord is a resolved target remembered between runs
type TargetRecord struct {
	TargetID      int64     `json:"target_id" gorm:"primaryKey;autoIncrement:false"`
	Title         string    `json:"title" gorm:"not null"`
	Kind          string    `json:"kind" gorm:"default:channel"` // user, group, channel
	Username      string    `json:"username,omitempty" gorm:"index"`
	LastUpdatedAt time.Time `json:"last_updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (TargetRecord) TableName() string {
	return "targets"
}

// ToTarget converts the record back into a Target without a folder path
func (r *TargetRecord) ToTarget() Target {
	return Target{ID: r.TargetID, Title: r.Title, Kind: TargetKind(r.Kind), Username: r.Username}
}

// IsStale reports whether the record is older than maxAge. A zero maxAge never expires.
func (r *TargetRecord) IsStale(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return time.Since(r.LastUpdatedAt) > maxAge
}

// NewTargetRecord builds the persisted form of a target
func NewTargetRecord(t Target) *TargetRecord {
	return &TargetRecord{
		TargetID: t.ID,
		Title:    t.Title,
		Kind:     string(t.Kind),
		Username: strings.ToLower(t.Username),
	}
}

// TargetRepository defines the interface for the target directory
type TargetRepository interface {
	// GetTarget returns nil when the id is unknown
	GetTarget(id int64) (*TargetRecord, error)

	// FindByUsername returns nil when no target has that username
	FindByUsername(username string) (*TargetRecord, error)

	// UpsertTargets inserts or refreshes target records
	UpsertTargets(records []*TargetRecord) error

	// ListTargets returns every known target ordered by title
	ListTargets() ([]*TargetRecord, error)
}

// TargetCacheMaxAge is the default maximum age of a remembered target
const TargetCacheMaxAge = 7 * 24 * time.Hour
