package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"jalon/internal/config"
	"jalon/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertClient(ctx context.Context, tx *sql.Tx, c domain.Client) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clients(id,name,email,phone,city,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Email), nullable(c.Phone), nullable(c.City), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	var c domain.Client
	var email, phone, city sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,phone,city,created_at,updated_at FROM clients WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &email, &phone, &city, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Email = email.String
	c.Phone = phone.String
	c.City = city.String
	return c, nil
}

func (r Repo) ListClients(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Client, error) {
	clauses := []string{"1=1"}
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,name,email,phone,city,created_at,updated_at FROM clients ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		var email, phone, city sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &email, &phone, &city, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Email = email.String
		c.Phone = phone.String
		c.City = city.String
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) UpdateClient(ctx context.Context, id string, name, email, phone, city *string, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if email != nil {
		fields = append(fields, "email=?")
		args = append(args, nullable(*email))
	}
	if phone != nil {
		fields = append(fields, "phone=?")
		args = append(args, nullable(*phone))
	}
	if city != nil {
		fields = append(fields, "city=?")
		args = append(args, nullable(*city))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE clients SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteClient(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM clients WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const intervalColumns = `id,client_id,stage_name,started_at,ended_at,duration_seconds,changed_by,created_at,updated_at`

func scanInterval(scan func(dest ...any) error) (domain.StageInterval, error) {
	var iv domain.StageInterval
	var endedAt sql.NullString
	var duration sql.NullInt64
	err := scan(&iv.ID, &iv.ClientID, &iv.StageName, &iv.StartedAt, &endedAt, &duration, &iv.ChangedBy, &iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return iv, err
	}
	if endedAt.Valid {
		iv.EndedAt = &endedAt.String
	}
	if duration.Valid {
		iv.DurationSeconds = &duration.Int64
	}
	return iv, nil
}

func (r Repo) InsertInterval(ctx context.Context, tx *sql.Tx, iv domain.StageInterval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_intervals(`+intervalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		iv.ID, iv.ClientID, iv.StageName, iv.StartedAt, nullableStringPtr(iv.EndedAt), nullableInt64Ptr(iv.DurationSeconds),
		iv.ChangedBy, iv.CreatedAt, iv.UpdatedAt)
	return err
}

// OpenIntervalTx returns the client's current open interval, or nil.
func (r Repo) OpenIntervalTx(ctx context.Context, tx *sql.Tx, clientID string) (*domain.StageInterval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM stage_intervals WHERE client_id=? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, clientID)
	iv, err := scanInterval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// OpenInterval is the read-only variant of OpenIntervalTx.
func (r Repo) OpenInterval(ctx context.Context, clientID string) (*domain.StageInterval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM stage_intervals WHERE client_id=? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, clientID)
	iv, err := scanInterval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// CloseInterval stamps ended_at and duration on an open interval.
func (r Repo) CloseInterval(ctx context.Context, tx *sql.Tx, id, endedAt string, durationSeconds int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stage_intervals SET ended_at=?, duration_seconds=?, updated_at=? WHERE id=? AND ended_at IS NULL`,
		endedAt, durationSeconds, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIntervals returns all intervals for a client, most recent first.
func (r Repo) ListIntervals(ctx context.Context, clientID string) ([]domain.StageInterval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+intervalColumns+` FROM stage_intervals WHERE client_id=? ORDER BY started_at DESC, created_at DESC`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageInterval
	for rows.Next() {
		iv, err := scanInterval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, iv)
	}
	return res, rows.Err()
}

// LatestIntervalForStage returns the most recent interval with the
// given stage name, or nil if the client never entered that stage.
func (r Repo) LatestIntervalForStage(ctx context.Context, clientID, stageName string) (*domain.StageInterval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM stage_intervals WHERE client_id=? AND stage_name=? ORDER BY started_at DESC, created_at DESC LIMIT 1`, clientID, stageName)
	iv, err := scanInterval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// CountOpenByStage returns how many clients currently sit in each stage.
func (r Repo) CountOpenByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_name, count(*) FROM stage_intervals WHERE ended_at IS NULL GROUP BY stage_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		res[stage] = count
	}
	return res, rows.Err()
}

const timelineColumns = `id,client_id,type,description,previous_status,new_status,actor,ts,payload_json`

func scanTimelineEntry(scan func(dest ...any) error) (domain.TimelineEntry, error) {
	var e domain.TimelineEntry
	var desc, prev, next, payload sql.NullString
	err := scan(&e.ID, &e.ClientID, &e.Type, &desc, &prev, &next, &e.Actor, &e.TS, &payload)
	if err != nil {
		return e, err
	}
	e.Description = desc.String
	if prev.Valid {
		e.PreviousStatus = &prev.String
	}
	if next.Valid {
		e.NewStatus = &next.String
	}
	e.PayloadJSON = payload.String
	return e, nil
}

// ListTimeline returns a client's timeline, most recent first, with
// id-based cursor pagination.
func (r Repo) ListTimeline(ctx context.Context, clientID string, limit int, cursor int64) ([]domain.TimelineEntry, error) {
	clauses := []string{"client_id=?"}
	args := []any{clientID}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + timelineColumns + ` FROM timeline_entries ` + where + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEntry
	for rows.Next() {
		e, err := scanTimelineEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TimelineAfter returns entries with IDs greater than the cursor in
// ascending order. Used by the webhook dispatcher.
func (r Repo) TimelineAfter(ctx context.Context, limit int, cursor int64) ([]domain.TimelineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + timelineColumns + ` FROM timeline_entries ` + where + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEntry
	for rows.Next() {
		e, err := scanTimelineEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestTimelineID returns the most recent timeline entry ID.
func (r Repo) LatestTimelineID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM timeline_entries`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) UpsertPipelineConfig(ctx context.Context, cfg *config.Config) error {
	return upsertPipelineConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertPipelineConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertPipelineConfig(ctx, nil, tx, cfg)
}

func upsertPipelineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO pipeline_configs(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetPipelineConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM pipeline_configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
