package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/event"
	"github.com/davideshay/groceries/internal/repository"
)

// ResolverService runs the server-side conflict sweep. For every document
// holding sibling revisions it picks the authoritative winner by latest
// updatedAt, deletes the losers, and appends one conflict log document, all
// in a single store transaction. A failure on one document never stops the
// sweep; the document is retried on the next cycle.
type ResolverService struct {
	docRepo  repository.DocumentRepository
	producer *event.Producer
	logger   *slog.Logger
}

// NewResolverService creates a new conflict resolver service.
func NewResolverService(docRepo repository.DocumentRepository, producer *event.Producer, logger *slog.Logger) *ResolverService {
	return &ResolverService{
		docRepo:  docRepo,
		producer: producer,
		logger:   logger,
	}
}

// ResolveSummary reports the outcome of one sweep.
type ResolveSummary struct {
	Scanned  int
	Resolved int
	Failed   int
}

// ResolveConflicts sweeps every conflicted document once. It returns an
// error only when the set of conflicted documents cannot be listed;
// per-document failures are counted in the summary.
func (s *ResolverService) ResolveConflicts(ctx context.Context) (ResolveSummary, error) {
	start := time.Now()

	ids, err := s.docRepo.ConflictedIDs(ctx)
	if err != nil {
		return ResolveSummary{}, fmt.Errorf("list conflicted documents: %w", err)
	}

	summary := ResolveSummary{Scanned: len(ids)}
	for _, id := range ids {
		resolved, err := s.resolveDocument(ctx, id)
		if err != nil {
			summary.Failed++
			ConflictResolutionFailures.Inc()
			s.logger.ErrorContext(ctx, "conflict resolution failed, will retry next sweep",
				slog.String("doc_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if resolved {
			summary.Resolved++
			ConflictsResolved.Inc()
		}
	}

	ConflictSweepDuration.Observe(time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "conflict sweep complete",
		slog.Int("scanned", summary.Scanned),
		slog.Int("resolved", summary.Resolved),
		slog.Int("failed", summary.Failed),
		slog.Duration("elapsed", time.Since(start)),
	)

	return summary, nil
}

// resolveDocument resolves one document. Returns false without error when
// the document no longer holds siblings, which makes re-resolution a no-op.
func (s *ResolverService) resolveDocument(ctx context.Context, id string) (bool, error) {
	current, siblings, err := s.docRepo.GetWithConflicts(ctx, id)
	if err != nil {
		return false, fmt.Errorf("fetch conflicted document: %w", err)
	}
	if len(siblings) == 0 {
		return false, nil
	}

	candidates := make([]domain.Document, 0, len(siblings)+1)
	candidates = append(candidates, *current)
	candidates = append(candidates, siblings...)

	winnerIdx := pickWinner(candidates)
	winner := candidates[winnerIdx]

	losers := make([]domain.Document, 0, len(candidates)-1)
	losingRevs := make([]string, 0, len(candidates)-1)
	for i := range candidates {
		if i != winnerIdx {
			losers = append(losers, candidates[i])
			losingRevs = append(losingRevs, candidates[i].Rev)
		}
	}

	impacted := s.impactedUsers(ctx, candidates)

	now := time.Now().UTC()
	resolved := winner
	resolved.UpdatedAt = now
	resolved.Rev = domain.NextRev(current.Rev, resolved.Body)

	entry := &domain.ConflictLogEntry{
		DocID:            id,
		DocType:          winner.Type,
		ImpactedUsers:    impacted,
		Winner:           winner,
		Losers:           losers,
		WinningRev:       winner.Rev,
		WinningUpdatedAt: winner.UpdatedAt,
		LosingRevs:       losingRevs,
		ResolvedAt:       now,
	}

	logDoc, err := conflictLogDocument(entry, now)
	if err != nil {
		return false, err
	}

	if err := s.docRepo.Resolve(ctx, &resolved, current.Rev, logDoc); err != nil {
		return false, fmt.Errorf("install resolved winner: %w", err)
	}

	if err := s.producer.PublishConflictResolved(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish conflict.resolved event",
			slog.String("doc_id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "conflict resolved",
		slog.String("doc_id", id),
		slog.String("doc_type", winner.Type),
		slog.String("winning_rev", winner.Rev),
		slog.Int("losing_revs", len(losingRevs)),
	)

	return true, nil
}

// CompactStore removes tombstones older than the retention window along
// with orphaned conflict siblings.
func (s *ResolverService) CompactStore(ctx context.Context, tombstoneRetention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-tombstoneRetention)

	removed, err := s.docRepo.Compact(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact store: %w", err)
	}

	if removed > 0 {
		CompactionRowsRemoved.Add(float64(removed))
		if err := s.producer.PublishDatabaseCompacted(ctx, removed); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish db.compacted event",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "store compaction complete",
		slog.Int64("rows_removed", removed),
	)

	return removed, nil
}

// ListConflictLog returns conflict log entries resolved at or after since,
// newest first.
func (s *ResolverService) ListConflictLog(ctx context.Context, since time.Time, limit, offset int) ([]domain.ConflictLogEntry, int64, error) {
	entries, total, err := s.docRepo.ListConflictLog(ctx, since, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflict log: %w", err)
	}
	return entries, total, nil
}

// pickWinner returns the index of the authoritative revision: the latest
// updatedAt wins, and identical timestamps fall back to revision token
// ordering so every replica picks the same winner.
func pickWinner(candidates []domain.Document) int {
	winner := 0
	for i := 1; i < len(candidates); i++ {
		c, w := candidates[i], candidates[winner]
		if c.UpdatedAt.After(w.UpdatedAt) {
			winner = i
			continue
		}
		if c.UpdatedAt.Equal(w.UpdatedAt) && domain.CompareRevs(c.Rev, w.Rev) > 0 {
			winner = i
		}
	}
	return winner
}

// impactedUsers unions the impacted-user sets of every candidate revision.
// List group ownership is looked up against the current store state; a
// group that cannot be read falls back to the system user.
func (s *ResolverService) impactedUsers(ctx context.Context, candidates []domain.Document) []string {
	lookup := func(listGroupID string) (string, []string, bool) {
		group, err := s.docRepo.Get(ctx, listGroupID)
		if err != nil {
			return "", nil, false
		}
		own := group.Ownership()
		return own.ListGroupOwner, own.SharedWith, true
	}

	seen := make(map[string]struct{})
	var users []string
	for i := range candidates {
		for _, u := range domain.ImpactedUsers(&candidates[i], lookup) {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
	}
	return users
}

func conflictLogDocument(entry *domain.ConflictLogEntry, now time.Time) (*domain.Document, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal conflict log entry: %w", err)
	}
	return &domain.Document{
		ID:        "conflictlog:" + uuid.New().String(),
		Rev:       domain.NextRev("", body),
		Type:      domain.DocTypeConflict,
		UpdatedAt: now,
		Body:      body,
	}, nil
}
