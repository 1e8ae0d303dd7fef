package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Sweeper deletes blobs that no MediaAsset row references. These are left
// behind when a row write fails after its blob write, or when a worker
// uploads a derivative for an ORIGINAL that was removed meanwhile.
//
// It also reclaims ORIGINAL rows whose reference count reached zero but whose
// delete did not go through, together with their variants and blobs.
type Sweeper struct {
	repository Repository
	store      BlobStore
	grace      time.Duration
	dryRun     bool
	logger     *slog.Logger
	now        func() time.Time
}

const reclaimBatch = 500

// SweeperOption configures a Sweeper
type SweeperOption func(*Sweeper)

// WithGracePeriod skips blobs younger than d, so in-flight uploads whose row
// is not written yet survive.
func WithGracePeriod(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.grace = d
	}
}

// WithDryRun reports orphans without deleting them
func WithDryRun(dryRun bool) SweeperOption {
	return func(s *Sweeper) {
		s.dryRun = dryRun
	}
}

// WithSweeperLogger sets the logger
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper creates a sweeper over one bucket.
func NewSweeper(repo Repository, store BlobStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repository: repo,
		store:      store,
		grace:      time.Hour,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepReport summarizes one Sweep run.
type SweepReport struct {
	Scanned int      `json:"scanned"`
	Skipped int      `json:"skipped"`
	Orphans []string `json:"orphans"`
	Deleted int      `json:"deleted"`

	Unreferenced []string `json:"unreferenced"`
	Reclaimed    int      `json:"reclaimed"`
}

// Sweep reclaims unreferenced rows under prefix, then scans every blob
// under prefix.
func (s *Sweeper) Sweep(ctx context.Context, prefix string) (*SweepReport, error) {
	report := &SweepReport{}
	cutoff := s.now().Add(-s.grace)
	if err := s.reclaim(ctx, prefix, cutoff, report); err != nil {
		return report, err
	}

	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return report, &StorageError{Bucket: s.store.Bucket(), Key: prefix, Op: "list", Err: err}
	}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		if !obj.LastModified.IsZero() && obj.LastModified.After(cutoff) {
			report.Skipped++
			continue
		}
		exists, err := s.repository.KeyExists(ctx, s.store.Bucket(), obj.Key)
		if err != nil {
			return report, fmt.Errorf("check key %s: %w", obj.Key, err)
		}
		if exists {
			continue
		}

		report.Orphans = append(report.Orphans, obj.Key)
		if s.dryRun {
			continue
		}
		if err := s.store.Delete(ctx, obj.Key); err != nil && !errors.Is(err, ErrObjectNotFound) {
			s.logger.WarnContext(ctx, "orphan delete failed", "key", obj.Key, "error", err)
			continue
		}
		report.Deleted++
	}

	s.logger.InfoContext(ctx, "sweep finished",
		"prefix", prefix,
		"scanned", report.Scanned,
		"orphans", len(report.Orphans),
		"deleted", report.Deleted,
		"unreferenced", len(report.Unreferenced),
		"reclaimed", report.Reclaimed,
		"dry_run", s.dryRun)
	return report, nil
}

// reclaim removes ORIGINAL rows left at ref_count 0 for longer than the grace
// period. DeleteIfUnreferenced re-checks the count, so a row that gained a
// reference since the listing is kept.
func (s *Sweeper) reclaim(ctx context.Context, prefix string, cutoff time.Time, report *SweepReport) error {
	assets, err := s.repository.ListUnreferenced(ctx, cutoff, reclaimBatch)
	if err != nil {
		return fmt.Errorf("list unreferenced: %w", err)
	}

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if asset.Bucket != s.store.Bucket() || !strings.HasPrefix(asset.Key, prefix) {
			continue
		}
		report.Unreferenced = append(report.Unreferenced, asset.ID.String())
		if s.dryRun {
			continue
		}

		variants, err := s.repository.ListVariants(ctx, asset.ID)
		if err != nil {
			return fmt.Errorf("list variants %s: %w", asset.ID, err)
		}
		removed, err := s.repository.DeleteIfUnreferenced(ctx, asset.ID)
		if err != nil {
			return fmt.Errorf("delete asset %s: %w", asset.ID, err)
		}
		if !removed {
			continue
		}
		deleteAssetBlobs(ctx, s.store, s.logger, asset, variants)
		report.Reclaimed++
	}
	return nil
}
