package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"jalon/internal/config"
	"jalon/internal/domain"
	"jalon/internal/duration"
	"jalon/internal/repo"
	"jalon/internal/timeline"
)

// Ledger is the authoritative record of which stage each client
// occupies and for how long. All writes to stage_intervals go through
// it; the timeline is a best-effort companion feed.
type Ledger struct {
	DB       *sql.DB
	Repo     repo.Repo
	Timeline timeline.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Timeline: timeline.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// ClientCreateOptions are parameters for creating a client record.
type ClientCreateOptions struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	City         string
	InitialStage string
	ActorID      string
}

// CreateClient inserts the client row and its seed open interval in
// one transaction, then appends a best-effort timeline entry.
func (l Ledger) CreateClient(ctx context.Context, opts ClientCreateOptions) (domain.Client, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Client{}, ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Client{}, ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	stage := strings.TrimSpace(opts.InitialStage)
	if stage == "" && l.Config != nil {
		stage = l.Config.Pipeline.InitialStage
	}
	if stage == "" {
		return domain.Client{}, ValidationError{Field: "initial_stage", Reason: "must not be empty"}
	}
	if err := l.checkStageName(stage); err != nil {
		return domain.Client{}, err
	}
	now := l.now().UTC().Format(time.RFC3339)
	c := domain.Client{
		ID:        opts.ID,
		Name:      strings.TrimSpace(opts.Name),
		Email:     opts.Email,
		Phone:     opts.Phone,
		City:      opts.City,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	seed := domain.StageInterval{
		ID:        uuid.New().String(),
		ClientID:  c.ID,
		StageName: stage,
		StartedAt: now,
		ChangedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Client{}, storageErr("begin create client", err)
	}
	defer tx.Rollback()
	if err := l.Repo.InsertClient(ctx, tx, c); err != nil {
		return domain.Client{}, storageErr("insert client", err)
	}
	if err := l.Repo.InsertInterval(ctx, tx, seed); err != nil {
		return domain.Client{}, storageErr("insert seed interval", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Client{}, storageErr("commit create client", err)
	}
	if _, err := l.Timeline.AppendStatusChange(ctx, c.ID, "", stage, opts.ActorID, now); err != nil {
		log.Printf("timeline: seed entry for client %s failed: %v", c.ID, err)
	}
	return c, nil
}

// TransitionOptions are parameters for a stage transition. IntervalID
// overrides the generated id of the new interval; callers can use it
// to make retried transitions idempotent at the storage layer.
type TransitionOptions struct {
	ClientID   string
	Stage      string
	ChangedBy  string
	IntervalID string
}

// TransitionResult is the outcome of a successful transition.
type TransitionResult struct {
	Interval      domain.StageInterval
	PreviousStage *string
}

// Transition closes the client's open interval and opens a new one for
// the given stage, as a single all-or-nothing unit. A transition to the
// stage already open closes and reopens it with a fresh timer. The
// companion timeline entry is written after commit and its failure is
// logged, never propagated.
func (l Ledger) Transition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	var res TransitionResult
	stage := strings.TrimSpace(opts.Stage)
	changedBy := strings.TrimSpace(opts.ChangedBy)
	if stage == "" {
		return res, ValidationError{Field: "stage", Reason: "must not be empty"}
	}
	if changedBy == "" {
		return res, ValidationError{Field: "changed_by", Reason: "must not be empty"}
	}
	if err := l.checkStageName(stage); err != nil {
		return res, err
	}
	if _, err := l.Repo.GetClient(ctx, opts.ClientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, fmt.Errorf("client %s: %w", opts.ClientID, repo.ErrNotFound)
		}
		return res, storageErr("lookup client", err)
	}

	now := l.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, storageErr("begin transition", err)
	}
	defer tx.Rollback()

	open, err := l.Repo.OpenIntervalTx(ctx, tx, opts.ClientID)
	if err != nil {
		return res, storageErr("read open interval", err)
	}
	var prev *string
	if open != nil {
		name := open.StageName
		prev = &name
		started, err := time.Parse(time.RFC3339, open.StartedAt)
		if err != nil {
			return res, storageErr("parse interval start", err)
		}
		if err := l.Repo.CloseInterval(ctx, tx, open.ID, nowStr, duration.Between(started, now), nowStr); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// Interval closed under us by a concurrent transition.
				return res, ErrConflict
			}
			return res, storageErr("close interval", err)
		}
	}
	iv := domain.StageInterval{
		ID:        opts.IntervalID,
		ClientID:  opts.ClientID,
		StageName: stage,
		StartedAt: nowStr,
		ChangedBy: changedBy,
		CreatedAt: nowStr,
		UpdatedAt: nowStr,
	}
	if iv.ID == "" {
		iv.ID = uuid.New().String()
	}
	if err := l.Repo.InsertInterval(ctx, tx, iv); err != nil {
		if isOpenConflict(err) {
			return res, ErrConflict
		}
		return res, storageErr("insert interval", err)
	}
	if err := tx.Commit(); err != nil {
		if isOpenConflict(err) {
			return res, ErrConflict
		}
		return res, storageErr("commit transition", err)
	}

	prevName := ""
	if prev != nil {
		prevName = *prev
	}
	if _, err := l.Timeline.AppendStatusChange(ctx, opts.ClientID, prevName, stage, changedBy, nowStr); err != nil {
		log.Printf("timeline: status entry for client %s failed: %v", opts.ClientID, err)
	}
	res.Interval = iv
	res.PreviousStage = prev
	return res, nil
}

// History returns all intervals for the client, most recent first.
func (l Ledger) History(ctx context.Context, clientID string) ([]domain.StageInterval, error) {
	if _, err := l.Repo.GetClient(ctx, clientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("client %s: %w", clientID, repo.ErrNotFound)
		}
		return nil, storageErr("lookup client", err)
	}
	items, err := l.Repo.ListIntervals(ctx, clientID)
	if err != nil {
		return nil, storageErr("list intervals", err)
	}
	return items, nil
}

// CurrentStage returns the client's open interval, or nil if the
// client has no intervals yet.
func (l Ledger) CurrentStage(ctx context.Context, clientID string) (*domain.StageInterval, error) {
	if _, err := l.Repo.GetClient(ctx, clientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("client %s: %w", clientID, repo.ErrNotFound)
		}
		return nil, storageErr("lookup client", err)
	}
	iv, err := l.Repo.OpenInterval(ctx, clientID)
	if err != nil {
		return nil, storageErr("read open interval", err)
	}
	return iv, nil
}

// DisplayDuration formats how long the client has spent in the named
// stage, live for the open interval, stored otherwise.
func (l Ledger) DisplayDuration(ctx context.Context, clientID, stageName string) (string, error) {
	if strings.TrimSpace(stageName) == "" {
		return "", ValidationError{Field: "stage", Reason: "must not be empty"}
	}
	if _, err := l.Repo.GetClient(ctx, clientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("client %s: %w", clientID, repo.ErrNotFound)
		}
		return "", storageErr("lookup client", err)
	}
	iv, err := l.Repo.LatestIntervalForStage(ctx, clientID, stageName)
	if err != nil {
		return "", storageErr("read stage interval", err)
	}
	if iv == nil {
		return "", fmt.Errorf("stage %s for client %s: %w", stageName, clientID, repo.ErrNotFound)
	}
	endedAt := ""
	if iv.EndedAt != nil {
		endedAt = *iv.EndedAt
	}
	return duration.StageDisplay(iv.Open(), iv.StartedAt, endedAt, iv.DurationSeconds, l.now().UTC()), nil
}

// TimelineEntryOptions are parameters for a direct timeline append.
type TimelineEntryOptions struct {
	ClientID    string
	Type        string
	Description string
	Actor       string
	Payload     timeline.Payload
}

// AddTimelineEntry appends a free-form entry to the client timeline.
// Unlike the transition companion write, a direct append reports its
// failure to the caller.
func (l Ledger) AddTimelineEntry(ctx context.Context, opts TimelineEntryOptions) (domain.TimelineEntry, error) {
	if strings.TrimSpace(opts.Type) == "" {
		return domain.TimelineEntry{}, ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if strings.TrimSpace(opts.Actor) == "" {
		return domain.TimelineEntry{}, ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	if _, err := l.Repo.GetClient(ctx, opts.ClientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TimelineEntry{}, fmt.Errorf("client %s: %w", opts.ClientID, repo.ErrNotFound)
		}
		return domain.TimelineEntry{}, storageErr("lookup client", err)
	}
	payload, err := timeline.MarshalPayload(opts.Payload)
	if err != nil {
		return domain.TimelineEntry{}, ValidationError{Field: "payload", Reason: err.Error()}
	}
	e := domain.TimelineEntry{
		ClientID:    opts.ClientID,
		Type:        strings.TrimSpace(opts.Type),
		Description: opts.Description,
		Actor:       strings.TrimSpace(opts.Actor),
		TS:          l.now().UTC().Format(time.RFC3339),
		PayloadJSON: payload,
	}
	id, err := l.Timeline.Append(ctx, e)
	if err != nil {
		return domain.TimelineEntry{}, storageErr("append timeline entry", err)
	}
	e.ID = id
	return e, nil
}

// Summary returns how many clients currently occupy each stage.
func (l Ledger) Summary(ctx context.Context) (map[string]int, error) {
	counts, err := l.Repo.CountOpenByStage(ctx)
	if err != nil {
		return nil, storageErr("count open intervals", err)
	}
	return counts, nil
}

// checkStageName enforces the configured stage list only when strict
// mode is on; legacy records may carry stage names outside the list.
func (l Ledger) checkStageName(stage string) error {
	if l.Config == nil || !l.Config.Pipeline.StrictStages {
		return nil
	}
	if !l.Config.KnownStage(stage) {
		return ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %s", stage)}
	}
	return nil
}
