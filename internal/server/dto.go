package server

import (
	"jalon/internal/config"
	"jalon/internal/domain"
)

// Request payloads

type CreateClientRequest struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	Email        *string `json:"email,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	City         *string `json:"city,omitempty"`
	InitialStage *string `json:"initial_stage,omitempty"`
}

type UpdateClientRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
	City  *string `json:"city,omitempty"`
}

type TransitionRequest struct {
	NewStage  string  `json:"new_stage"`
	ChangedBy *string `json:"changed_by,omitempty"`
}

type CreateTimelineEntryRequest struct {
	Type        string         `json:"type"`
	Description *string        `json:"description,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type UpdatePipelineConfigRequest struct {
	ID           *string  `json:"id,omitempty"`
	Stages       []string `json:"stages,omitempty"`
	InitialStage *string  `json:"initial_stage,omitempty"`
	StrictStages *bool    `json:"strict_stages,omitempty"`
}

// Response payloads

type ClientResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	City      string `json:"city,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type StageIntervalResponse struct {
	ID              string  `json:"id"`
	ClientID        string  `json:"client_id"`
	StageName       string  `json:"stage_name"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
	DurationSeconds *int64  `json:"duration_seconds,omitempty"`
	ChangedBy       string  `json:"changed_by"`
}

type TransitionResponse struct {
	Interval      StageIntervalResponse `json:"interval"`
	PreviousStage *string               `json:"previous_stage,omitempty"`
}

type StageDurationResponse struct {
	ClientID  string `json:"client_id"`
	StageName string `json:"stage_name"`
	Display   string `json:"display"`
}

type TimelineEntryResponse struct {
	ID             int64   `json:"id"`
	ClientID       string  `json:"client_id"`
	Type           string  `json:"type"`
	Description    string  `json:"description,omitempty"`
	PreviousStatus *string `json:"previous_status,omitempty"`
	NewStatus      *string `json:"new_status,omitempty"`
	Actor          string  `json:"actor"`
	TS             string  `json:"ts" format:"date-time"`
}

type paginatedClients struct {
	Items      []ClientResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedTimeline struct {
	Items      []TimelineEntryResponse `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type SummaryResponse struct {
	Stages []StageCount `json:"stages"`
}

type StageCount struct {
	StageName string `json:"stage_name"`
	Clients   int    `json:"clients"`
}

type PipelineConfigResponse struct {
	ID           string   `json:"id"`
	Stages       []string `json:"stages"`
	InitialStage string   `json:"initial_stage"`
	StrictStages bool     `json:"strict_stages"`
}

func clientResponse(c domain.Client) ClientResponse {
	return ClientResponse{
		ID:        c.ID,
		Name:      c.Name,
		Email:     c.Email,
		Phone:     c.Phone,
		City:      c.City,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func mapClients(items []domain.Client) []ClientResponse {
	res := make([]ClientResponse, 0, len(items))
	for _, c := range items {
		res = append(res, clientResponse(c))
	}
	return res
}

func intervalResponse(iv domain.StageInterval) StageIntervalResponse {
	return StageIntervalResponse{
		ID:              iv.ID,
		ClientID:        iv.ClientID,
		StageName:       iv.StageName,
		StartedAt:       iv.StartedAt,
		EndedAt:         iv.EndedAt,
		DurationSeconds: iv.DurationSeconds,
		ChangedBy:       iv.ChangedBy,
	}
}

func mapIntervals(items []domain.StageInterval) []StageIntervalResponse {
	res := make([]StageIntervalResponse, 0, len(items))
	for _, iv := range items {
		res = append(res, intervalResponse(iv))
	}
	return res
}

func timelineEntryResponse(e domain.TimelineEntry) TimelineEntryResponse {
	return TimelineEntryResponse{
		ID:             e.ID,
		ClientID:       e.ClientID,
		Type:           e.Type,
		Description:    e.Description,
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		Actor:          e.Actor,
		TS:             e.TS,
	}
}

func mapTimeline(items []domain.TimelineEntry) []TimelineEntryResponse {
	res := make([]TimelineEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, timelineEntryResponse(e))
	}
	return res
}

func configResponse(cfg *config.Config) PipelineConfigResponse {
	return PipelineConfigResponse{
		ID:           cfg.Pipeline.ID,
		Stages:       cfg.Pipeline.Stages,
		InitialStage: cfg.Pipeline.InitialStage,
		StrictStages: cfg.Pipeline.StrictStages,
	}
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
