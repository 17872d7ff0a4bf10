package domain

type Client struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	City      string `json:"city,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// StageInterval is one stage-occupancy period for a client. An interval
// with no EndedAt is open: it is the client's current stage. A client
// has at most one open interval at any time.
type StageInterval struct {
	ID              string  `json:"id"`
	ClientID        string  `json:"client_id"`
	StageName       string  `json:"stage_name"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
	DurationSeconds *int64  `json:"duration_seconds,omitempty"`
	ChangedBy       string  `json:"changed_by"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Open reports whether the interval is the client's current stage.
func (s StageInterval) Open() bool {
	return s.EndedAt == nil
}

// TimelineEntry is one row of the append-only client history feed.
// Entries of type "statut" carry the stage names around a transition;
// they are a best-effort companion to the stage ledger, not part of it.
type TimelineEntry struct {
	ID             int64   `json:"id"`
	ClientID       string  `json:"client_id"`
	Type           string  `json:"type"`
	Description    string  `json:"description,omitempty"`
	PreviousStatus *string `json:"previous_status,omitempty"`
	NewStatus      *string `json:"new_status,omitempty"`
	Actor          string  `json:"actor"`
	TS             string  `json:"ts" format:"date-time"`
	PayloadJSON    string  `json:"payload_json,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
