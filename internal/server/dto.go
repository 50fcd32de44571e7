package server

import (
	"execstore/internal/domain"
	"execstore/internal/engine"
	"execstore/internal/pager"
)

// Request payloads

type StageRequest struct {
	ID                   string         `json:"id,omitempty"`
	ExecutionID          string         `json:"executionId,omitempty" doc:"Ignored; the path names the execution"`
	RefID                string         `json:"refId"`
	Type                 string         `json:"type"`
	Name                 string         `json:"name,omitempty"`
	Status               string         `json:"status,omitempty"`
	StartTime            *int64         `json:"startTime,omitempty"`
	EndTime              *int64         `json:"endTime,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
	Outputs              map[string]any `json:"outputs,omitempty"`
	RequisiteStageRefIDs []string       `json:"requisiteStageRefIds,omitempty"`
	SyntheticStageOwner  string         `json:"syntheticStageOwner,omitempty" enum:"STAGE_BEFORE,STAGE_AFTER"`
	ParentStageID        string         `json:"parentStageId,omitempty"`
}

type TriggerRequest struct {
	Type          string         `json:"type,omitempty"`
	User          string         `json:"user,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

type StoreExecutionRequest struct {
	ID                 string                `json:"id,omitempty"`
	Type               string                `json:"type"`
	Application        string                `json:"application"`
	Name               string                `json:"name,omitempty"`
	PipelineConfigID   string                `json:"pipelineConfigId,omitempty"`
	Partition          string                `json:"partition,omitempty"`
	Status             string                `json:"status,omitempty"`
	BuildTime          int64                 `json:"buildTime,omitempty"`
	StartTime          *int64                `json:"startTime,omitempty"`
	EndTime            *int64                `json:"endTime,omitempty"`
	Canceled           bool                  `json:"canceled,omitempty"`
	CanceledBy         string                `json:"canceledBy,omitempty"`
	CancellationReason string                `json:"cancellationReason,omitempty"`
	Paused             *domain.PausedDetails `json:"paused,omitempty"`
	Trigger            *TriggerRequest       `json:"trigger,omitempty"`
	Stages             []StageRequest        `json:"stages,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResumeRequest struct {
	IgnoreStatus bool `json:"ignore_status,omitempty"`
}

type PatchStageRequest struct {
	Context map[string]any `json:"context"`
}

// Responses

type PageResponse struct {
	Items      []*domain.Execution `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// MutationResponse carries the updated execution when the change was applied
// here, or the partition it was forwarded to.
type MutationResponse struct {
	Execution   *domain.Execution `json:"execution,omitempty"`
	ForwardedTo string            `json:"forwarded_to,omitempty"`
}

type IntentAccepted struct {
	ID string `json:"id"`
}

func (s StageRequest) toDomain() *domain.Stage {
	return &domain.Stage{
		ID:                   s.ID,
		RefID:                s.RefID,
		Type:                 s.Type,
		Name:                 s.Name,
		Status:               domain.Status(s.Status),
		StartTime:            s.StartTime,
		EndTime:              s.EndTime,
		Context:              s.Context,
		Outputs:              s.Outputs,
		RequisiteStageRefIDs: s.RequisiteStageRefIDs,
		SyntheticStageOwner:  domain.SyntheticStageOwner(s.SyntheticStageOwner),
		ParentStageID:        s.ParentStageID,
	}
}

func (r StoreExecutionRequest) toDomain(t domain.ExecutionType) *domain.Execution {
	e := &domain.Execution{
		ID:                 r.ID,
		Type:               t,
		Application:        r.Application,
		Name:               r.Name,
		PipelineConfigID:   r.PipelineConfigID,
		Partition:          r.Partition,
		Status:             domain.Status(r.Status),
		BuildTime:          r.BuildTime,
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		Canceled:           r.Canceled,
		CanceledBy:         r.CanceledBy,
		CancellationReason: r.CancellationReason,
		Paused:             r.Paused,
	}
	if r.Trigger != nil {
		e.Trigger = domain.Trigger{
			Type:          r.Trigger.Type,
			User:          r.Trigger.User,
			CorrelationID: r.Trigger.CorrelationID,
			Parameters:    r.Trigger.Parameters,
		}
	}
	for _, s := range r.Stages {
		e.Stages = append(e.Stages, s.toDomain())
	}
	return e
}

func pageResponse(p pager.Page[*domain.Execution]) PageResponse {
	items := p.Items
	if items == nil {
		items = []*domain.Execution{}
	}
	return PageResponse{Items: items, NextCursor: p.NextCursor}
}

func mutationResponse(o engine.Outcome) MutationResponse {
	return MutationResponse{Execution: o.Execution, ForwardedTo: o.ForwardedTo}
}
