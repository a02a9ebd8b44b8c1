package server

import (
	"callbank/internal/domain"
)

// Request payloads

type CreateLocationRequest struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

type CreateTaskRequest struct {
	Title   string   `json:"title"`
	Actions []string `json:"actions,omitempty"`
}

type AddTargetsRequest struct {
	Targets []TargetInputRequest `json:"targets"`
}

type TargetInputRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type ClaimRequest struct {
	Count int `json:"count,omitempty"`
}

type RecordCallRequest struct {
	Actions    []string `json:"actions,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Rating     *int     `json:"rating,omitempty" minimum:"1" maximum:"5"`
	FollowUpAt *string  `json:"follow_up_at,omitempty" format:"date-time"`
}

type JoinRequest struct {
	GroupType string `json:"group_type"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type LocationResponse struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID         string   `json:"id"`
	LocationID string   `json:"location_id"`
	Title      string   `json:"title"`
	Status     string   `json:"status" enum:"open,in_progress,completed"`
	Actions    []string `json:"actions,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

type TaskSummaryResponse struct {
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	TotalTargets int    `json:"total_targets"`
	Assigned     int    `json:"assigned"`
}

type TargetResponse struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Seq       int    `json:"seq"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ClaimResponse struct {
	TaskID    string `json:"task_id"`
	Requested int    `json:"requested"`
	Assigned  int    `json:"assigned"`
	Message   string `json:"message,omitempty"`
}

type InteractionResponse struct {
	TaskID      string   `json:"task_id"`
	TargetID    string   `json:"target_id"`
	PrincipalID string   `json:"principal_id"`
	Actions     []string `json:"actions,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Rating      *int     `json:"rating,omitempty"`
	FollowUpAt  *string  `json:"follow_up_at,omitempty" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type AssignedWorkResponse struct {
	TaskID      string               `json:"task_id"`
	TargetID    string               `json:"target_id"`
	Name        string               `json:"name"`
	Phone       string               `json:"phone,omitempty"`
	Status      string               `json:"status" enum:"pending,done,skipped"`
	Interaction *InteractionResponse `json:"interaction,omitempty"`
}

type MembershipResponse struct {
	PrincipalID string `json:"principal_id"`
	LocationID  string `json:"location_id"`
	GroupID     string `json:"group_id"`
}

type PagesResponse struct {
	PrincipalID string   `json:"principal_id"`
	LocationID  string   `json:"location_id"`
	Pages       []string `json:"pages"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	LocationID string `json:"location_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// Conversion helpers

func locationResponse(l domain.Location) LocationResponse {
	return LocationResponse{ID: l.ID, Code: l.Code, Name: l.Name, CreatedAt: l.CreatedAt}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:         t.ID,
		LocationID: t.LocationID,
		Title:      t.Title,
		Status:     t.Status,
		Actions:    t.Actions,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

func summaryResponse(s domain.TaskSummary) TaskSummaryResponse {
	return TaskSummaryResponse(s)
}

func targetResponse(t domain.Target) TargetResponse {
	return TargetResponse(t)
}

func interactionResponse(n domain.Interaction) InteractionResponse {
	return InteractionResponse(n)
}

func workResponse(w domain.AssignedWork) AssignedWorkResponse {
	resp := AssignedWorkResponse{
		TaskID:   w.TaskID,
		TargetID: w.TargetID,
		Name:     w.Name,
		Phone:    w.Phone,
		Status:   w.Status,
	}
	if w.Interaction != nil {
		n := interactionResponse(*w.Interaction)
		resp.Interaction = &n
	}
	return resp
}

func eventResponse(ev domain.Event) EventResponse {
	return EventResponse(ev)
}

func mapTargets(items []domain.Target) []TargetResponse {
	out := make([]TargetResponse, 0, len(items))
	for _, t := range items {
		out = append(out, targetResponse(t))
	}
	return out
}

func mapSummaries(items []domain.TaskSummary) []TaskSummaryResponse {
	out := make([]TaskSummaryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, summaryResponse(s))
	}
	return out
}

func mapWork(items []domain.AssignedWork) []AssignedWorkResponse {
	out := make([]AssignedWorkResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workResponse(w))
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, eventResponse(ev))
	}
	return out
}
