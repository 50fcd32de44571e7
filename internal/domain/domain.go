package domain

import (
	"fmt"
	"strings"
)

// ExecutionType distinguishes pipelines from ad-hoc orchestrations. Both share
// one schema shape, each in its own set of tables.
type ExecutionType string

const (
	Pipeline      ExecutionType = "PIPELINE"
	Orchestration ExecutionType = "ORCHESTRATION"
)

// ParseExecutionType accepts either case.
func ParseExecutionType(s string) (ExecutionType, error) {
	switch ExecutionType(strings.ToUpper(strings.TrimSpace(s))) {
	case Pipeline:
		return Pipeline, nil
	case Orchestration:
		return Orchestration, nil
	}
	return "", fmt.Errorf("invalid execution type %q", s)
}

type Status string

const (
	StatusNotStarted     Status = "NOT_STARTED"
	StatusBuffered       Status = "BUFFERED"
	StatusRunning        Status = "RUNNING"
	StatusPaused         Status = "PAUSED"
	StatusSuspended      Status = "SUSPENDED"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusFailedContinue Status = "FAILED_CONTINUE"
	StatusTerminal       Status = "TERMINAL"
	StatusCanceled       Status = "CANCELED"
	StatusStopped        Status = "STOPPED"
	StatusSkipped        Status = "SKIPPED"
)

// IsComplete reports whether no further work happens in this status.
func (s Status) IsComplete() bool {
	switch s {
	case StatusSucceeded, StatusFailedContinue, StatusTerminal, StatusCanceled, StatusStopped, StatusSkipped:
		return true
	}
	return false
}

// IsHalt reports whether the status stops downstream work.
func (s Status) IsHalt() bool {
	switch s {
	case StatusTerminal, StatusCanceled, StatusStopped:
		return true
	}
	return false
}

type SyntheticStageOwner string

const (
	StageBefore SyntheticStageOwner = "STAGE_BEFORE"
	StageAfter  SyntheticStageOwner = "STAGE_AFTER"
)

type Trigger struct {
	Type          string         `json:"type"`
	User          string         `json:"user,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

type PausedDetails struct {
	PausedBy   string `json:"pausedBy,omitempty"`
	PauseTime  *int64 `json:"pauseTime,omitempty"`
	ResumedBy  string `json:"resumedBy,omitempty"`
	ResumeTime *int64 `json:"resumeTime,omitempty"`
}

// Execution is one run of a pipeline or an orchestration.
//
// ID is whatever the caller supplied; the canonical row id may differ when
// the supplied id is not a ULID (see ids.Reconciler). Size and UpdatedAt are
// filled in by the store and never serialized into the body.
type Execution struct {
	ID                 string         `json:"id"`
	Type               ExecutionType  `json:"type"`
	Application        string         `json:"application"`
	Name               string         `json:"name,omitempty"`
	PipelineConfigID   string         `json:"pipelineConfigId,omitempty"`
	Partition          string         `json:"partition,omitempty"`
	Status             Status         `json:"status"`
	BuildTime          int64          `json:"buildTime"`
	StartTime          *int64         `json:"startTime,omitempty"`
	EndTime            *int64         `json:"endTime,omitempty"`
	Canceled           bool           `json:"canceled"`
	CanceledBy         string         `json:"canceledBy,omitempty"`
	CancellationReason string         `json:"cancellationReason,omitempty"`
	Paused             *PausedDetails `json:"paused,omitempty"`
	Trigger            Trigger        `json:"trigger"`
	Stages             []*Stage       `json:"stages,omitempty"`

	LegacyID  string `json:"-"`
	Size      int64  `json:"-"`
	UpdatedAt int64  `json:"-"`
}

// Stage is a child of exactly one execution.
type Stage struct {
	ID                   string              `json:"id"`
	ExecutionID          string              `json:"executionId"`
	RefID                string              `json:"refId"`
	Type                 string              `json:"type"`
	Name                 string              `json:"name,omitempty"`
	Status               Status              `json:"status"`
	StartTime            *int64              `json:"startTime,omitempty"`
	EndTime              *int64              `json:"endTime,omitempty"`
	Context              map[string]any      `json:"context,omitempty"`
	Outputs              map[string]any      `json:"outputs,omitempty"`
	RequisiteStageRefIDs []string            `json:"requisiteStageRefIds,omitempty"`
	SyntheticStageOwner  SyntheticStageOwner `json:"syntheticStageOwner,omitempty"`
	ParentStageID        string              `json:"parentStageId,omitempty"`

	LegacyID  string `json:"-"`
	Size      int64  `json:"-"`
	UpdatedAt int64  `json:"-"`
}

// IsSynthetic reports whether the runtime inserted this stage.
func (s *Stage) IsSynthetic() bool {
	return s.SyntheticStageOwner != "" || s.ParentStageID != ""
}

// Validate rejects a synthetic stage missing either of its markers.
func (s *Stage) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stage id is required")
	}
	if (s.SyntheticStageOwner == "") != (s.ParentStageID == "") {
		return fmt.Errorf("stage %s: synthetic stages require both syntheticStageOwner and parentStageId", s.ID)
	}
	if s.ParentStageID == s.ID {
		return fmt.Errorf("stage %s cannot be its own parent", s.ID)
	}
	return nil
}

// Stage returns the stage with the given id, or nil.
func (e *Execution) Stage(id string) *Stage {
	for _, s := range e.Stages {
		if s.ID == id || (s.LegacyID != "" && s.LegacyID == id) {
			return s
		}
	}
	return nil
}

// StageByRef returns the stage with the given ref id, or nil.
func (e *Execution) StageByRef(refID string) *Stage {
	for _, s := range e.Stages {
		if s.RefID == refID {
			return s
		}
	}
	return nil
}

// AllStagesSettled reports whether every stage is either complete or has
// not started yet, i.e. nothing is in flight.
func (e *Execution) AllStagesSettled() bool {
	for _, s := range e.Stages {
		if s.Status != StatusNotStarted && !s.Status.IsComplete() {
			return false
		}
	}
	return true
}

// Header returns a copy of the execution without stages.
func (e *Execution) Header() *Execution {
	h := *e
	h.Stages = nil
	return &h
}

// Tombstone records a deleted execution until the sweep purges it.
type Tombstone struct {
	ExecutionID string        `json:"executionId"`
	Type        ExecutionType `json:"type"`
	DeletedAt   int64         `json:"deletedAt"`
}
