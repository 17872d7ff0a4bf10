package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jalon/internal/domain"
)

// Writer appends entries to the client timeline. It writes on its own
// connection, outside any ledger transaction: a failed append must
// never roll back a committed stage transition.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one timeline entry and returns its id.
func (w Writer) Append(ctx context.Context, e domain.TimelineEntry) (int64, error) {
	if e.TS == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.TS = now().UTC().Format(time.RFC3339)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO timeline_entries(client_id,type,description,previous_status,new_status,actor,ts,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		e.ClientID, e.Type, nullable(e.Description), nullableStringPtr(e.PreviousStatus), nullableStringPtr(e.NewStatus), e.Actor, e.TS, nullable(e.PayloadJSON))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendStatusChange records the companion entry for a stage transition.
func (w Writer) AppendStatusChange(ctx context.Context, clientID, previousStage, newStage, actor, ts string) (int64, error) {
	var prev *string
	if previousStage != "" {
		prev = &previousStage
	}
	desc := fmt.Sprintf("Statut changé vers %s", newStage)
	if previousStage != "" {
		desc = fmt.Sprintf("Statut changé de %s vers %s", previousStage, newStage)
	}
	return w.Append(ctx, domain.TimelineEntry{
		ClientID:       clientID,
		Type:           "statut",
		Description:    desc,
		PreviousStatus: prev,
		NewStatus:      &newStage,
		Actor:          actor,
		TS:             ts,
	})
}

// MarshalPayload encodes extra entry data as JSON.
func MarshalPayload(p Payload) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal timeline payload: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
