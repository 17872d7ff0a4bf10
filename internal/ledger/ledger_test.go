package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jalon/internal/config"
	"jalon/internal/db"
	"jalon/internal/ledger"
	"jalon/internal/migrate"
	"jalon/internal/repo"
)

type testEnv struct {
	Ledger ledger.Ledger
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("default")
	l := ledger.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), now: &now}
	l.Now = func() time.Time { return *env.now }
	env.Ledger = l
	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func (e *testEnv) createClient(t *testing.T, name string) string {
	t.Helper()
	c, err := e.Ledger.CreateClient(e.Ctx, ledger.ClientCreateOptions{Name: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return c.ID
}

func TestCreateClientSeedsOpenInterval(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "Mme Dupont")
	iv, err := env.Ledger.CurrentStage(env.Ctx, id)
	if err != nil {
		t.Fatalf("current stage: %v", err)
	}
	if iv == nil {
		t.Fatal("expected a seeded open interval")
	}
	if iv.StageName != env.Ledger.Config.Pipeline.InitialStage {
		t.Fatalf("seed stage = %q, want %q", iv.StageName, env.Ledger.Config.Pipeline.InitialStage)
	}
	if !iv.Open() {
		t.Fatal("seed interval should be open")
	}
}

func TestTransitionClosesAndOpens(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "Mme Dupont")
	env.advance(time.Hour)
	res, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{
		ClientID: id, Stage: "premier_contact", ChangedBy: "tester",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.PreviousStage == nil || *res.PreviousStage != "qualifie" {
		t.Fatalf("previous stage = %v, want qualifie", res.PreviousStage)
	}
	if res.Interval.StageName != "premier_contact" || !res.Interval.Open() {
		t.Fatalf("new interval = %+v", res.Interval)
	}

	history, err := env.Ledger.History(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	open := 0
	for _, iv := range history {
		if iv.Open() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("open intervals = %d, want 1", open)
	}
	closed := history[1]
	if closed.StageName != "qualifie" {
		t.Fatalf("closed stage = %q, want qualifie", closed.StageName)
	}
	if closed.DurationSeconds == nil || *closed.DurationSeconds != 3600 {
		t.Fatalf("closed duration = %v, want 3600", closed.DurationSeconds)
	}
	if closed.EndedAt == nil || *closed.EndedAt != res.Interval.StartedAt {
		t.Fatalf("closed end %v should equal new start %s", closed.EndedAt, res.Interval.StartedAt)
	}
}

func TestSameStageTransitionRestartsTimer(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "M. Martin")
	env.advance(2 * time.Hour)
	res, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{
		ClientID: id, Stage: "qualifie", ChangedBy: "tester",
	})
	if err != nil {
		t.Fatalf("same-stage transition: %v", err)
	}
	if res.PreviousStage == nil || *res.PreviousStage != "qualifie" {
		t.Fatalf("previous stage = %v", res.PreviousStage)
	}
	history, err := env.Ledger.History(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (closed + reopened)", len(history))
	}
	if history[0].StageName != "qualifie" || !history[0].Open() {
		t.Fatalf("reopened interval = %+v", history[0])
	}
	if history[1].DurationSeconds == nil || *history[1].DurationSeconds != 7200 {
		t.Fatalf("closed duration = %v, want 7200", history[1].DurationSeconds)
	}
}

func TestTransitionValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "Mme Leroy")

	var ve ledger.ValidationError
	_, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: "  ", ChangedBy: "tester"})
	if !errors.As(err, &ve) {
		t.Fatalf("blank stage: got %v, want ValidationError", err)
	}
	_, err = env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: "devis", ChangedBy: ""})
	if !errors.As(err, &ve) {
		t.Fatalf("blank actor: got %v, want ValidationError", err)
	}
	_, err = env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: "nope", Stage: "devis", ChangedBy: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown client: got %v, want ErrNotFound", err)
	}
}

func TestStrictStagesRejectsUnknownNames(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.Config.Pipeline.StrictStages = true
	id := env.createClient(t, "M. Petit")

	var ve ledger.ValidationError
	_, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: "pas_une_etape", ChangedBy: "tester"})
	if !errors.As(err, &ve) {
		t.Fatalf("unknown stage in strict mode: got %v, want ValidationError", err)
	}
	if _, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: "conception", ChangedBy: "tester"}); err != nil {
		t.Fatalf("known stage in strict mode: %v", err)
	}
}

func TestTransitionRollsBackOnInsertFailure(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "Mme Robert")
	env.advance(time.Hour)
	res, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: "devis", ChangedBy: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	history, _ := env.Ledger.History(env.Ctx, id)
	closedID := history[1].ID

	// Reusing a closed interval's id makes the insert step fail after
	// the close step succeeded; the whole transition must roll back.
	env.advance(time.Hour)
	_, err = env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{
		ClientID: id, Stage: "signature", ChangedBy: "tester", IntervalID: closedID,
	})
	if err == nil {
		t.Fatal("expected transition to fail")
	}

	after, err := env.Ledger.History(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(history) {
		t.Fatalf("interval count changed %d -> %d after failed transition", len(history), len(after))
	}
	iv, err := env.Ledger.CurrentStage(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if iv == nil || iv.ID != res.Interval.ID || !iv.Open() {
		t.Fatalf("open interval changed after failed transition: %+v", iv)
	}
}

func TestConcurrentTransitionsKeepOneOpen(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "M. Bernard")
	env.advance(time.Minute)

	stages := []string{"premier_contact", "devis", "visite_technique", "signature"}
	var wg sync.WaitGroup
	for _, stage := range stages {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			// Losers of the race may see a conflict or a busy database;
			// either way they must leave the ledger consistent.
			_, _ = env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{
				ClientID: id, Stage: stage, ChangedBy: "tester",
			})
		}(stage)
	}
	wg.Wait()

	var open int
	if err := env.Ledger.DB.QueryRow(`SELECT count(*) FROM stage_intervals WHERE client_id=? AND ended_at IS NULL`, id).Scan(&open); err != nil {
		t.Fatal(err)
	}
	if open != 1 {
		t.Fatalf("open intervals = %d, want exactly 1", open)
	}
}

func TestTimelineFailureDoesNotBlockTransition(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "Mme Moreau")
	if _, err := env.Ledger.DB.Exec(`DROP TABLE timeline_entries`); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Hour)
	res, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{
		ClientID: id, Stage: "devis", ChangedBy: "tester",
	})
	if err != nil {
		t.Fatalf("transition should survive timeline failure: %v", err)
	}
	if res.Interval.StageName != "devis" {
		t.Fatalf("interval = %+v", res.Interval)
	}
	iv, err := env.Ledger.CurrentStage(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if iv == nil || iv.StageName != "devis" {
		t.Fatalf("current stage = %+v, want devis", iv)
	}
}

func TestTransitionWritesTimelineEntry(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "M. Lambert")
	env.advance(time.Hour)
	if _, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: "devis", ChangedBy: "tester"}); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Ledger.Repo.ListTimeline(env.Ctx, id, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Seed entry plus the transition entry.
	if len(entries) != 2 {
		t.Fatalf("timeline entries = %d, want 2", len(entries))
	}
	last := entries[0]
	if last.Type != "statut" {
		t.Fatalf("entry type = %q, want statut", last.Type)
	}
	if last.PreviousStatus == nil || *last.PreviousStatus != "qualifie" {
		t.Fatalf("previous_status = %v, want qualifie", last.PreviousStatus)
	}
	if last.NewStatus == nil || *last.NewStatus != "devis" {
		t.Fatalf("new_status = %v, want devis", last.NewStatus)
	}
	if last.Description != "Statut changé de qualifie vers devis" {
		t.Fatalf("description = %q", last.Description)
	}
}

func TestAddTimelineEntry(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "Mme Garnier")
	e, err := env.Ledger.AddTimelineEntry(env.Ctx, ledger.TimelineEntryOptions{
		ClientID:    id,
		Type:        "appel",
		Description: "Rappel devis",
		Actor:       "tester",
		Payload:     map[string]any{"duree_min": 12},
	})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("expected assigned entry id")
	}
	_, err = env.Ledger.AddTimelineEntry(env.Ctx, ledger.TimelineEntryOptions{
		ClientID: "nope", Type: "note", Actor: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown client: got %v, want ErrNotFound", err)
	}
	var ve ledger.ValidationError
	_, err = env.Ledger.AddTimelineEntry(env.Ctx, ledger.TimelineEntryOptions{
		ClientID: id, Type: " ", Actor: "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("blank type: got %v, want ValidationError", err)
	}
}

func TestDisplayDuration(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "M. Roux")
	env.advance(90 * time.Minute)
	if _, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: "devis", ChangedBy: "tester"}); err != nil {
		t.Fatal(err)
	}

	closed, err := env.Ledger.DisplayDuration(env.Ctx, id, "qualifie")
	if err != nil {
		t.Fatal(err)
	}
	if closed != "1h" {
		t.Fatalf("closed stage display = %q, want 1h", closed)
	}

	env.advance(25 * time.Hour)
	active, err := env.Ledger.DisplayDuration(env.Ctx, id, "devis")
	if err != nil {
		t.Fatal(err)
	}
	if active != "En cours · 1j" {
		t.Fatalf("active stage display = %q, want 'En cours · 1j'", active)
	}

	_, err = env.Ledger.DisplayDuration(env.Ctx, id, "livraison")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("never-entered stage: got %v, want ErrNotFound", err)
	}
}

func TestSummaryCountsOpenIntervals(t *testing.T) {
	env := newTestEnv(t)
	a := env.createClient(t, "Client A")
	env.createClient(t, "Client B")
	c := env.createClient(t, "Client C")
	env.advance(time.Minute)
	if _, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: a, Stage: "devis", ChangedBy: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: c, Stage: "devis", ChangedBy: "tester"}); err != nil {
		t.Fatal(err)
	}
	counts, err := env.Ledger.Summary(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["qualifie"] != 1 || counts["devis"] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestHistoryDurationsSumToElapsed(t *testing.T) {
	env := newTestEnv(t)
	id := env.createClient(t, "Mme Simon")
	steps := []struct {
		wait  time.Duration
		stage string
	}{
		{30 * time.Minute, "premier_contact"},
		{2 * time.Hour, "devis"},
		{45 * time.Minute, "signature"},
	}
	var elapsed int64
	for _, s := range steps {
		env.advance(s.wait)
		elapsed += int64(s.wait / time.Second)
		if _, err := env.Ledger.Transition(env.Ctx, ledger.TransitionOptions{ClientID: id, Stage: s.stage, ChangedBy: "tester"}); err != nil {
			t.Fatal(err)
		}
	}
	history, err := env.Ledger.History(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	var sum int64
	for _, iv := range history {
		if iv.DurationSeconds != nil {
			sum += *iv.DurationSeconds
		}
	}
	if sum != elapsed {
		t.Fatalf("closed durations sum = %d, want %d", sum, elapsed)
	}
}
