package interlink

import (
	"context"

	"execstore/internal/domain"
	"execstore/internal/errors"
	"execstore/internal/logger"
)

// Applier performs intents against the local store. It must not forward:
// an intent that arrives at the wrong partition fails with
// ForeignExecution instead of bouncing on.
type Applier interface {
	Cancel(ctx context.Context, t domain.ExecutionType, id, actor, reason string) error
	Pause(ctx context.Context, t domain.ExecutionType, id, actor string) error
	Resume(ctx context.Context, t domain.ExecutionType, id, actor string, ignoreStatus bool) error
	Delete(ctx context.Context, t domain.ExecutionType, id string) error
	PatchStage(ctx context.Context, t domain.ExecutionType, id, stageID string, patch map[string]any) error
	RestartStage(ctx context.Context, t domain.ExecutionType, id, stageID, actor string) error
	AddStage(ctx context.Context, t domain.ExecutionType, id string, stage *domain.Stage) error
	RemoveStage(ctx context.Context, t domain.ExecutionType, id, stageID string) error
}

type handler func(ctx context.Context, a Applier, in Intent) error

var handlers = map[Type]handler{
	TypeCancel: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(CancelIntent)
		return a.Cancel(ctx, i.ExecutionType, i.ExecutionID, i.Actor, i.Reason)
	},
	TypePause: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(PauseIntent)
		return a.Pause(ctx, i.ExecutionType, i.ExecutionID, i.Actor)
	},
	TypeResume: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(ResumeIntent)
		return a.Resume(ctx, i.ExecutionType, i.ExecutionID, i.Actor, i.IgnoreStatus)
	},
	TypeDelete: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(DeleteIntent)
		return a.Delete(ctx, i.ExecutionType, i.ExecutionID)
	},
	TypePatchStage: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(PatchStageIntent)
		return a.PatchStage(ctx, i.ExecutionType, i.ExecutionID, i.StageID, i.Context)
	},
	TypeRestartStage: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(RestartStageIntent)
		return a.RestartStage(ctx, i.ExecutionType, i.ExecutionID, i.StageID, i.Actor)
	},
	TypeAddStage: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(AddStageIntent)
		return a.AddStage(ctx, i.ExecutionType, i.ExecutionID, i.Stage)
	},
	TypeRemoveStage: func(ctx context.Context, a Applier, in Intent) error {
		i := in.(RemoveStageIntent)
		return a.RemoveStage(ctx, i.ExecutionType, i.ExecutionID, i.StageID)
	},
}

// Dispatcher applies inbound events.
type Dispatcher struct {
	Applier Applier
	Log     logger.Logger
}

func NewDispatcher(a Applier, log logger.Logger) Dispatcher {
	return Dispatcher{Applier: a, Log: logger.OrNop(log)}
}

// Dispatch applies ev locally.
func (d Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	in, err := ev.Intent()
	if err != nil {
		return err
	}
	h, ok := handlers[in.Type()]
	if !ok {
		return errors.Newf(errors.ErrInvalidArgument, "no handler for intent type %q", in.Type())
	}
	if d.Log != nil {
		d.Log.Debugf("applying %s for %s %s from partition %q", ev.Type, ev.ExecutionType, ev.ExecutionID, ev.PartitionOfOrigin)
	}
	return h(ctx, d.Applier, in)
}
