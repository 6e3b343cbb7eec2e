// Package cleanup batch-archives or batch-deletes subscriptions matching
// staleness and error predicates. Runs are dry-run by default unless
// forced, and per-record failures never abort the batch.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hooksmith/hooksmith/internal/domain"
)

// Predicates selecting cleanup candidates.
const (
	PredicateInactive       = "inactive"
	PredicateErrors         = "errors"
	PredicateNeverTriggered = "never_triggered"
	PredicateAll            = "all"
)

const defaultChunkSize = 100

// Store is the slice of the subscription store the policy consumes.
type Store interface {
	InactiveOlderThan(ctx context.Context, days int) ([]domain.Subscription, error)
	ErrorOlderThan(ctx context.Context, days int) ([]domain.Subscription, error)
	NeverTriggeredOlderThan(ctx context.Context, days int) ([]domain.Subscription, error)
	Archive(ctx context.Context, id string) error
	HardDelete(ctx context.Context, id string) error
}

// Options select what to clean and how.
type Options struct {
	Predicate string `json:"predicate"`
	Days      int    `json:"days"`
	DryRun    bool   `json:"dry_run"`
	Force     bool   `json:"force"`
	Archive   bool   `json:"archive"`
}

// Match is one candidate row in a dry-run or confirmation report.
type Match struct {
	ID          string `json:"id"`
	TargetClass string `json:"target_class"`
	EndpointURL string `json:"endpoint_url"`
	Status      string `json:"status"`
}

// Report is the outcome of a cleanup run.
type Report struct {
	TotalMatched         int      `json:"total_matched"`
	TotalProcessed       int      `json:"total_processed"`
	TotalArchived        int      `json:"total_archived"`
	TotalDeleted         int      `json:"total_deleted"`
	Errors               []string `json:"errors"`
	DryRun               bool     `json:"dry_run"`
	RequiresConfirmation bool     `json:"requires_confirmation,omitempty"`
	Matches              []Match  `json:"matches,omitempty"`
}

// Policy executes cleanup runs over the store.
type Policy struct {
	store     Store
	logger    *slog.Logger
	chunkSize int
}

func NewPolicy(s Store, logger *slog.Logger) *Policy {
	return &Policy{store: s, logger: logger, chunkSize: defaultChunkSize}
}

// Run collects the candidates for the predicate and processes them in
// fixed-size chunks. Dry runs report without mutating; non-forced runs
// report the matches and ask for confirmation instead of proceeding.
func (p *Policy) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Days <= 0 {
		opts.Days = 30
	}

	candidates, err := p.collect(ctx, opts)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TotalMatched: len(candidates),
		Errors:       []string{},
		DryRun:       opts.DryRun,
	}

	if opts.DryRun || !opts.Force {
		report.RequiresConfirmation = !opts.DryRun
		for i := range candidates {
			report.Matches = append(report.Matches, Match{
				ID:          candidates[i].ID,
				TargetClass: candidates[i].TargetClass,
				EndpointURL: candidates[i].EndpointURL,
				Status:      candidates[i].Status,
			})
		}
		return report, nil
	}

	for start := 0; start < len(candidates); start += p.chunkSize {
		end := start + p.chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		p.processChunk(ctx, candidates[start:end], opts.Archive, report)
	}

	p.logger.Info("cleanup finished",
		"predicate", opts.Predicate,
		"days", opts.Days,
		"processed", report.TotalProcessed,
		"archived", report.TotalArchived,
		"deleted", report.TotalDeleted,
		"errors", len(report.Errors),
	)
	return report, nil
}

// collect gathers candidates for the predicate, deduplicated by id when
// predicates overlap.
func (p *Policy) collect(ctx context.Context, opts Options) ([]domain.Subscription, error) {
	var lists [][]domain.Subscription

	gather := func(fn func(context.Context, int) ([]domain.Subscription, error), what string) error {
		subs, err := fn(ctx, opts.Days)
		if err != nil {
			return fmt.Errorf("collecting %s subscriptions: %w", what, err)
		}
		lists = append(lists, subs)
		return nil
	}

	switch opts.Predicate {
	case PredicateInactive:
		if err := gather(p.store.InactiveOlderThan, "inactive"); err != nil {
			return nil, err
		}
	case PredicateErrors:
		if err := gather(p.store.ErrorOlderThan, "errored"); err != nil {
			return nil, err
		}
	case PredicateNeverTriggered:
		if err := gather(p.store.NeverTriggeredOlderThan, "never-triggered"); err != nil {
			return nil, err
		}
	case PredicateAll:
		if err := gather(p.store.InactiveOlderThan, "inactive"); err != nil {
			return nil, err
		}
		if err := gather(p.store.ErrorOlderThan, "errored"); err != nil {
			return nil, err
		}
		if err := gather(p.store.NeverTriggeredOlderThan, "never-triggered"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cleanup predicate %q", opts.Predicate)
	}

	seen := make(map[string]bool)
	var candidates []domain.Subscription
	for _, list := range lists {
		for _, sub := range list {
			if seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			candidates = append(candidates, sub)
		}
	}
	return candidates, nil
}

func (p *Policy) processChunk(ctx context.Context, chunk []domain.Subscription, archive bool, report *Report) {
	for i := range chunk {
		id := chunk[i].ID
		report.TotalProcessed++

		var err error
		if archive {
			err = p.store.Archive(ctx, id)
		} else {
			err = p.store.HardDelete(ctx, id)
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
			p.logger.Warn("cleanup failed for subscription", "subscription_id", id, "error", err)
			continue
		}

		if archive {
			report.TotalArchived++
		} else {
			report.TotalDeleted++
		}
	}
}
