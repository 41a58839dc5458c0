package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// ResolveFailure is a reference that could not be turned into a target
type ResolveFailure struct {
	Reference string
	Err       error
}

// Resolver turns chat references into targets, remembering them in the
// target directory
type Resolver struct {
	platform domain.Platform
	repo     domain.TargetRepository
	selector domain.Selector
	telegram domain.TelegramConfig
	export   domain.ExportConfig
	logger   *zap.Logger

	mu       sync.Mutex
	folders  map[string]int64 // entity folder -> target id
	assigned map[int64]string
}

// NewResolver creates a resolver. repo and selector may be nil.
func NewResolver(platform domain.Platform, repo domain.TargetRepository, selector domain.Selector, config *domain.Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		platform: platform,
		repo:     repo,
		selector: selector,
		telegram: config.Telegram,
		export:   config.Export,
		logger:   logger,
		folders:  make(map[string]int64),
		assigned: make(map[int64]string),
	}
}

// Resolve locates a single chat. The error wraps domain.ErrUnresolvedTarget
// when the reference is malformed or the platform does not know the chat.
func (r *Resolver) Resolve(ctx context.Context, reference string) (domain.Target, error) {
	t, err := r.resolve(ctx, reference)
	if err != nil {
		return domain.Target{}, err
	}
	return r.target(t), nil
}

// resolve locates a chat without assigning its folder
func (r *Resolver) resolve(ctx context.Context, reference string) (domain.Target, error) {
	ref, err := domain.ParseReference(reference)
	if err != nil {
		return domain.Target{}, err
	}

	if rec := r.cached(ref); rec != nil {
		r.logger.Debug("Target resolved from directory",
			zap.String("reference", reference),
			zap.Int64("target_id", rec.TargetID))
		return rec.ToTarget(), nil
	}

	peer, err := r.platform.ResolvePeer(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrUnresolvedTarget) || ctx.Err() != nil {
			return domain.Target{}, err
		}
		return domain.Target{}, fmt.Errorf("%w: %s: %v", domain.ErrUnresolvedTarget, reference, err)
	}

	t := peerTarget(peer, ref.KindHint())
	r.remember(t)
	return t, nil
}

// cached returns a fresh directory entry for ref, or nil
func (r *Resolver) cached(ref domain.Reference) *domain.TargetRecord {
	if r.repo == nil {
		return nil
	}

	var (
		rec *domain.TargetRecord
		err error
	)
	switch ref.Form {
	case domain.RefNumeric:
		rec, err = r.repo.GetTarget(ref.ID)
	case domain.RefUsername:
		rec, err = r.repo.FindByUsername(strings.ToLower(ref.Username))
	default:
		return nil
	}
	if err != nil {
		r.logger.Warn("Target directory lookup failed", zap.String("reference", ref.Raw), zap.Error(err))
		return nil
	}
	if rec == nil || rec.IsStale(r.export.TargetCacheMaxAge) {
		return nil
	}
	return rec
}

func (r *Resolver) remember(targets ...domain.Target) {
	if r.repo == nil || len(targets) == 0 {
		return
	}
	records := make([]*domain.TargetRecord, 0, len(targets))
	for _, t := range targets {
		records = append(records, domain.NewTargetRecord(t))
	}
	if err := r.repo.UpsertTargets(records); err != nil {
		r.logger.Warn("Failed to update target directory", zap.Error(err))
	}
}

// target fills in the folder the target is exported to. Entity folders are
// unique per target: when the title folder is owned by another target, on
// disk or earlier in this run, the id is appended.
func (r *Resolver) target(t domain.Target) domain.Target {
	if !r.export.EntityFolders {
		t.FolderPath = r.export.Root
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if path, ok := r.assigned[t.ID]; ok {
		t.FolderPath = path
		return t
	}

	name := domain.FolderName(t.Title, t.ID)
	path := filepath.Join(r.export.Root, name)
	if r.folderTaken(path, t.ID) {
		path = filepath.Join(r.export.Root, name+"_"+strconv.FormatInt(t.ID, 10))
		r.logger.Info("Folder name already used by another chat",
			zap.Int64("target_id", t.ID),
			zap.String("folder", path))
	}
	r.folders[path] = t.ID
	r.assigned[t.ID] = path
	t.FolderPath = path
	return t
}

func (r *Resolver) folderTaken(path string, id int64) bool {
	if owner, ok := r.folders[path]; ok && owner != id {
		return true
	}
	owner, ok := folderOwner(path)
	return ok && owner != id
}

func peerTarget(p domain.Peer, hint domain.TargetKind) domain.Target {
	kind := p.Kind
	if kind == "" {
		kind = hint
	}
	return domain.Target{ID: p.ID, Title: p.Title, Kind: kind, Username: p.Username}
}

// ResolveAll resolves refs with at most TargetConcurrency lookups in flight.
// With no refs and interactive mode on, the user picks from recent dialogs.
// Targets come back in reference order without duplicates; the error is
// reserved for cancellation and failures of the interactive selection.
func (r *Resolver) ResolveAll(ctx context.Context, refs []string) ([]domain.Target, []ResolveFailure, error) {
	if len(refs) == 0 {
		if !r.export.Interactive {
			return nil, nil, fmt.Errorf("%w: no targets configured and interactive mode is off", domain.ErrFatalConfig)
		}
		picked, err := r.pick(ctx)
		if err != nil {
			return nil, nil, err
		}
		refs = picked
	}

	targets := make([]domain.Target, len(refs))
	errs := make([]error, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.export.TargetConcurrency, 1))
	for i, ref := range refs {
		g.Go(func() error {
			targets[i], errs[i] = r.resolve(gctx, ref)
			return nil
		})
	}
	g.Wait()

	var (
		resolved []domain.Target
		failures []ResolveFailure
		seen     = make(map[int64]bool)
	)
	for i, ref := range refs {
		if errs[i] != nil {
			r.logger.Warn("Failed to resolve target", zap.String("reference", ref), zap.Error(errs[i]))
			failures = append(failures, ResolveFailure{Reference: ref, Err: errs[i]})
			continue
		}
		if seen[targets[i].ID] {
			continue
		}
		seen[targets[i].ID] = true
		// folders are assigned in reference order so name clashes resolve the same way every run
		resolved = append(resolved, r.target(targets[i]))
	}
	return resolved, failures, ctx.Err()
}

// pick asks the selector for targets among the recent dialogs and returns
// them as numeric references
func (r *Resolver) pick(ctx context.Context) ([]string, error) {
	if r.selector == nil {
		return nil, fmt.Errorf("%w: interactive mode needs a terminal", domain.ErrFatalConfig)
	}

	limit := r.telegram.DialogFetchLimit
	if limit < 1 {
		limit = 20
	}
	dialogs, err := r.platform.Dialogs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogs: %w", err)
	}
	if len(dialogs) == 0 {
		return nil, nil
	}

	chosen, err := r.selector.Select(ctx, dialogs)
	if err != nil {
		return nil, fmt.Errorf("target selection failed: %w", err)
	}

	refs := make([]string, 0, len(chosen))
	targets := make([]domain.Target, 0, len(chosen))
	for _, p := range chosen {
		refs = append(refs, strconv.FormatInt(p.ID, 10))
		targets = append(targets, peerTarget(p, p.Kind))
	}
	// chosen dialogs are already resolved; store them so Resolve finds them
	r.remember(targets...)
	r.logger.Info("Targets selected", zap.Int("count", len(refs)))
	return refs, nil
}
