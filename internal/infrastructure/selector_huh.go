package infrastructure

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// HuhSelector asks the user to pick targets with a terminal multi-select
type HuhSelector struct {
	accessible bool
}

// NewHuhSelector creates a selector. Accessible mode replaces the TUI with
// plain prompts for screen readers and dumb terminals.
func NewHuhSelector(accessible bool) *HuhSelector {
	return &HuhSelector{accessible: accessible}
}

// Select returns the chosen subset of candidates. An aborted prompt selects
// nothing.
func (s *HuhSelector) Select(ctx context.Context, candidates []domain.Peer) ([]domain.Peer, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	options := make([]huh.Option[int], 0, len(candidates))
	for i, p := range candidates {
		options = append(options, huh.NewOption(peerLabel(p), i))
	}

	var chosen []int
	form := huh.NewForm(huh.NewGroup(
		huh.NewMultiSelect[int]().
			Title("Chats to export").
			Description("space to toggle, enter to confirm").
			Options(options...).
			Height(min(len(options)+2, 20)).
			Value(&chosen),
	)).WithAccessible(s.accessible)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil, nil
		}
		return nil, fmt.Errorf("selection failed: %w", err)
	}

	selected := make([]domain.Peer, 0, len(chosen))
	for _, i := range chosen {
		selected = append(selected, candidates[i])
	}
	return selected, nil
}

// peerLabel renders a chat for the picker
func peerLabel(p domain.Peer) string {
	label := p.Title
	if label == "" {
		label = fmt.Sprintf("id %d", p.ID)
	}
	if p.Username != "" {
		label += " (@" + p.Username + ")"
	}
	return fmt.Sprintf("%s [%s]", label, p.Kind)
}
