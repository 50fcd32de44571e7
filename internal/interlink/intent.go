// Package interlink carries mutation intents between partitions. A node
// that does not own an execution builds an Intent, wraps it in an Event and
// hands it to a Publisher addressed to the owning partition. The owner
// decodes the Event and applies it through a Dispatcher.
package interlink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"execstore/internal/domain"
	"execstore/internal/errors"
)

// Type tags an intent on the wire.
type Type string

const (
	TypeCancel       Type = "cancel-intent"
	TypePause        Type = "pause-intent"
	TypeResume       Type = "resume-intent"
	TypeDelete       Type = "delete-intent"
	TypePatchStage   Type = "patch-stage-intent"
	TypeRestartStage Type = "restart-stage-intent"
	TypeAddStage     Type = "add-stage-intent"
	TypeRemoveStage  Type = "remove-stage-intent"
)

// Target names the execution an intent applies to.
type Target struct {
	ExecutionType domain.ExecutionType
	ExecutionID   string
}

// Intent is one of the concrete intent types below. The set is closed.
type Intent interface {
	Type() Type
	target() Target
}

type CancelIntent struct {
	Target
	Actor  string
	Reason string
}

type PauseIntent struct {
	Target
	Actor string
}

type ResumeIntent struct {
	Target
	Actor        string
	IgnoreStatus bool
}

type DeleteIntent struct {
	Target
}

type PatchStageIntent struct {
	Target
	StageID string
	Context map[string]any
}

type RestartStageIntent struct {
	Target
	StageID string
	Actor   string
}

type AddStageIntent struct {
	Target
	Stage *domain.Stage
}

type RemoveStageIntent struct {
	Target
	StageID string
}

func (CancelIntent) Type() Type       { return TypeCancel }
func (PauseIntent) Type() Type        { return TypePause }
func (ResumeIntent) Type() Type       { return TypeResume }
func (DeleteIntent) Type() Type       { return TypeDelete }
func (PatchStageIntent) Type() Type   { return TypePatchStage }
func (RestartStageIntent) Type() Type { return TypeRestartStage }
func (AddStageIntent) Type() Type     { return TypeAddStage }
func (RemoveStageIntent) Type() Type  { return TypeRemoveStage }

func (t Target) target() Target { return t }

// Event is the wire envelope for an intent.
type Event struct {
	ID                string               `json:"id"`
	Type              Type                 `json:"type"`
	ExecutionType     domain.ExecutionType `json:"executionType"`
	ExecutionID       string               `json:"executionId"`
	Actor             string               `json:"actor,omitempty"`
	Reason            string               `json:"reason,omitempty"`
	PartitionOfOrigin string               `json:"partitionOfOrigin"`
	StageID           string               `json:"stageId,omitempty"`
	Stage             *domain.Stage        `json:"stage,omitempty"`
	Context           map[string]any       `json:"context,omitempty"`
	IgnoreStatus      bool                 `json:"ignoreStatus,omitempty"`
	CreatedAt         int64                `json:"createdAt"`
}

// NewEvent wraps intent for sending from partition origin.
func NewEvent(intent Intent, origin string, now time.Time) Event {
	t := intent.target()
	ev := Event{
		ID:                uuid.NewString(),
		Type:              intent.Type(),
		ExecutionType:     t.ExecutionType,
		ExecutionID:       t.ExecutionID,
		PartitionOfOrigin: origin,
		CreatedAt:         now.UnixMilli(),
	}
	switch in := intent.(type) {
	case CancelIntent:
		ev.Actor, ev.Reason = in.Actor, in.Reason
	case PauseIntent:
		ev.Actor = in.Actor
	case ResumeIntent:
		ev.Actor, ev.IgnoreStatus = in.Actor, in.IgnoreStatus
	case PatchStageIntent:
		ev.StageID, ev.Context = in.StageID, in.Context
	case RestartStageIntent:
		ev.StageID, ev.Actor = in.StageID, in.Actor
	case AddStageIntent:
		ev.Stage = in.Stage
	case RemoveStageIntent:
		ev.StageID = in.StageID
	}
	return ev
}

// Intent rebuilds the typed intent the event carries.
func (ev Event) Intent() (Intent, error) {
	if ev.ExecutionID == "" {
		return nil, errors.New(errors.ErrInvalidArgument, "event has no execution id")
	}
	t := Target{ExecutionType: ev.ExecutionType, ExecutionID: ev.ExecutionID}
	switch ev.Type {
	case TypeCancel:
		return CancelIntent{Target: t, Actor: ev.Actor, Reason: ev.Reason}, nil
	case TypePause:
		return PauseIntent{Target: t, Actor: ev.Actor}, nil
	case TypeResume:
		return ResumeIntent{Target: t, Actor: ev.Actor, IgnoreStatus: ev.IgnoreStatus}, nil
	case TypeDelete:
		return DeleteIntent{Target: t}, nil
	case TypePatchStage:
		if ev.StageID == "" {
			return nil, errors.New(errors.ErrInvalidArgument, "patch-stage intent has no stage id")
		}
		return PatchStageIntent{Target: t, StageID: ev.StageID, Context: ev.Context}, nil
	case TypeRestartStage:
		if ev.StageID == "" {
			return nil, errors.New(errors.ErrInvalidArgument, "restart-stage intent has no stage id")
		}
		return RestartStageIntent{Target: t, StageID: ev.StageID, Actor: ev.Actor}, nil
	case TypeAddStage:
		if ev.Stage == nil {
			return nil, errors.New(errors.ErrInvalidArgument, "add-stage intent has no stage")
		}
		return AddStageIntent{Target: t, Stage: ev.Stage}, nil
	case TypeRemoveStage:
		if ev.StageID == "" {
			return nil, errors.New(errors.ErrInvalidArgument, "remove-stage intent has no stage id")
		}
		return RemoveStageIntent{Target: t, StageID: ev.StageID}, nil
	}
	return nil, errors.Newf(errors.ErrInvalidArgument, "unknown intent type %q", ev.Type)
}

func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "encoding intent event")
	}
	return data, nil
}

// Decode parses and validates an event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, errors.WithCode(err, errors.ErrInvalidArgument, "decoding intent event")
	}
	if _, err := ev.Intent(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Publisher delivers an event to the node owning partition.
type Publisher interface {
	Publish(ctx context.Context, partition string, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, partition string, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, partition string, ev Event) error {
	return f(ctx, partition, ev)
}
