package engine

import (
	"context"
	"time"

	"execstore/internal/domain"
	"execstore/internal/errors"
	"execstore/internal/interlink"
	"execstore/internal/logger"
	"execstore/internal/metrics"
	"execstore/internal/pager"
	"execstore/internal/repo"
)

// Engine applies lifecycle operations to executions this node owns and
// forwards the rest to their owning partition.
type Engine struct {
	Repo repo.Repo
	// Partition is this node's partition name. Empty owns everything.
	Partition string
	// Publisher forwards intents for foreign executions. Nil disables
	// forwarding; foreign mutations then fail with ForeignExecution.
	Publisher interlink.Publisher
	Metrics   metrics.Sink
	Log       logger.Logger
	Now       func() time.Time
}

func New(r repo.Repo, partition string, pub interlink.Publisher) Engine {
	return Engine{
		Repo:      r,
		Partition: partition,
		Publisher: pub,
		Metrics:   r.Metrics,
		Log:       r.Log,
		Now:       r.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// WithoutForwarding returns a copy that never forwards. Inbound intents are
// applied through it so a misrouted intent fails instead of bouncing.
func (e Engine) WithoutForwarding() Engine {
	e.Publisher = nil
	return e
}

// Owns reports whether this node may mutate x. Records without a partition
// tag are owned by every node.
func (e Engine) Owns(x *domain.Execution) bool {
	return e.Partition == "" || x.Partition == "" || x.Partition == e.Partition
}

// Outcome reports what a mutation did. Execution is set when it was applied
// locally; ForwardedTo names the partition an intent was sent to.
type Outcome struct {
	Execution   *domain.Execution
	ForwardedTo string
}

func (o Outcome) Forwarded() bool { return o.ForwardedTo != "" }

// gate loads the header from the default pool and either applies locally
// or forwards the intent built by intent.
func (e Engine) gate(ctx context.Context, t domain.ExecutionType, id string, intent func(interlink.Target) interlink.Intent, apply func(ctx context.Context, id string) (*domain.Execution, error)) (Outcome, error) {
	header, err := e.Repo.RetrieveHeader(ctx, t, id)
	if err != nil {
		return Outcome{}, err
	}
	if e.Owns(header) {
		x, err := apply(ctx, header.ID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Execution: x}, nil
	}
	in := intent(interlink.Target{ExecutionType: t, ExecutionID: header.ID})
	if e.Publisher == nil {
		return Outcome{}, errors.Newf(errors.ErrForeignExecution,
			"%s %s belongs to partition %q, this node is %q and has no forwarding configured", t, header.ID, header.Partition, e.Partition)
	}
	ev := interlink.NewEvent(in, e.Partition, e.now())
	if err := e.Publisher.Publish(ctx, header.Partition, ev); err != nil {
		return Outcome{}, errors.Wrapf(err, "forwarding %s for %s %s", ev.Type, t, header.ID)
	}
	metrics.OrNop(e.Metrics).Forwarded(string(ev.Type), header.Partition)
	logger.OrNop(e.Log).Debugf("forwarded %s for %s %s to partition %q", ev.Type, t, header.ID, header.Partition)
	return Outcome{ForwardedTo: header.Partition}, nil
}

// update runs mutate under the execution's row lock, rechecking ownership
// on the locked copy.
func (e Engine) update(ctx context.Context, t domain.ExecutionType, id string, mutate func(x *domain.Execution) error) (*domain.Execution, error) {
	return e.Repo.Update(ctx, t, id, func(x *domain.Execution) error {
		if err := e.stillOwned(x); err != nil {
			return err
		}
		return mutate(x)
	})
}

func (e Engine) stillOwned(x *domain.Execution) error {
	if !e.Owns(x) {
		return errors.Newf(errors.ErrForeignExecution, "%s %s moved to partition %q", x.Type, x.ID, x.Partition)
	}
	return nil
}

// Cancel marks the execution canceled. A NOT_STARTED execution, or a
// RUNNING one with nothing in flight, moves straight to CANCELED; otherwise
// the runtime halts it.
func (e Engine) Cancel(ctx context.Context, t domain.ExecutionType, id, actor, reason string) (Outcome, error) {
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.CancelIntent{Target: tg, Actor: actor, Reason: reason}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return e.update(ctx, t, id, func(x *domain.Execution) error {
				x.Canceled = true
				x.CanceledBy = actor
				x.CancellationReason = reason
				switch {
				case x.Status == domain.StatusNotStarted,
					x.Status == domain.StatusRunning && x.AllStagesSettled():
					x.Status = domain.StatusCanceled
					if x.EndTime == nil {
						end := e.now().UnixMilli()
						x.EndTime = &end
					}
				}
				return nil
			})
		})
}

// Pause moves a RUNNING execution to PAUSED.
func (e Engine) Pause(ctx context.Context, t domain.ExecutionType, id, actor string) (Outcome, error) {
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.PauseIntent{Target: tg, Actor: actor}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return e.update(ctx, t, id, func(x *domain.Execution) error {
				if x.Status != domain.StatusRunning {
					return errors.Newf(errors.ErrUnpausable, "unable to pause %s %s in status %s", t, x.ID, x.Status)
				}
				at := e.now().UnixMilli()
				x.Status = domain.StatusPaused
				x.Paused = &domain.PausedDetails{PausedBy: actor, PauseTime: &at}
				return nil
			})
		})
}

// Resume moves a PAUSED execution back to RUNNING. ignoreStatus resumes
// from any status.
func (e Engine) Resume(ctx context.Context, t domain.ExecutionType, id, actor string, ignoreStatus bool) (Outcome, error) {
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.ResumeIntent{Target: tg, Actor: actor, IgnoreStatus: ignoreStatus}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return e.update(ctx, t, id, func(x *domain.Execution) error {
				if x.Status != domain.StatusPaused && !ignoreStatus {
					return errors.Newf(errors.ErrUnresumable, "unable to resume %s %s in status %s", t, x.ID, x.Status)
				}
				at := e.now().UnixMilli()
				if x.Paused == nil {
					x.Paused = &domain.PausedDetails{}
				}
				x.Paused.ResumedBy = actor
				x.Paused.ResumeTime = &at
				x.Status = domain.StatusRunning
				return nil
			})
		})
}

// Delete removes the execution, leaving a tombstone. Ownership is rechecked
// on the locked row.
func (e Engine) Delete(ctx context.Context, t domain.ExecutionType, id string) (Outcome, error) {
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.DeleteIntent{Target: tg}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return nil, e.Repo.DeleteIf(ctx, t, id, e.stillOwned)
		})
}

// AddStage inserts a runtime-generated stage. The stage must name both its
// synthetic owner kind and its parent stage.
func (e Engine) AddStage(ctx context.Context, t domain.ExecutionType, id string, s *domain.Stage) (Outcome, error) {
	if s == nil || s.SyntheticStageOwner == "" || s.ParentStageID == "" {
		return Outcome{}, errors.New(errors.ErrSyntheticStageRequired, "only synthetic stages with a parent stage id can be added")
	}
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.AddStageIntent{Target: tg, Stage: s}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return e.update(ctx, t, id, func(x *domain.Execution) error {
				added := *s
				if added.ID == "" {
					added.ID = e.Repo.NewID()
				}
				if added.Status == "" {
					added.Status = domain.StatusNotStarted
				}
				added.ExecutionID = x.ID
				for i, existing := range x.Stages {
					if existing.ID == added.ID || (existing.LegacyID != "" && existing.LegacyID == added.ID) {
						added.ID = existing.ID
						x.Stages[i] = &added
						return nil
					}
				}
				x.Stages = append(x.Stages, &added)
				return nil
			})
		})
}

// RemoveStage deletes a stage together with the synthetic stages beneath it.
func (e Engine) RemoveStage(ctx context.Context, t domain.ExecutionType, id, stageID string) (Outcome, error) {
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.RemoveStageIntent{Target: tg, StageID: stageID}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return e.update(ctx, t, id, func(x *domain.Execution) error {
				s := x.Stage(stageID)
				if s == nil {
					return errors.Newf(errors.ErrNotFound, "stage %s not found in %s %s", stageID, t, x.ID)
				}
				drop := domain.SyntheticDescendants(x.Stages, map[string]bool{s.ID: true})
				drop[s.ID] = true
				x.Stages = keepStages(x.Stages, drop)
				return nil
			})
		})
}

// RestartStage resets the stage and every stage downstream of it to
// NOT_STARTED, drops their synthetic children and sets the execution
// running again.
func (e Engine) RestartStage(ctx context.Context, t domain.ExecutionType, id, stageID, actor string) (Outcome, error) {
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.RestartStageIntent{Target: tg, StageID: stageID, Actor: actor}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return e.update(ctx, t, id, func(x *domain.Execution) error {
				s := x.Stage(stageID)
				if s == nil {
					return errors.Newf(errors.ErrNotFound, "stage %s not found in %s %s", stageID, t, x.ID)
				}
				reset := map[string]bool{s.ID: true}
				for ref := range domain.Downstream(x.Stages, s.RefID) {
					if d := x.StageByRef(ref); d != nil {
						reset[d.ID] = true
					}
				}
				x.Stages = keepStages(x.Stages, domain.SyntheticDescendants(x.Stages, reset))
				for _, st := range x.Stages {
					if !reset[st.ID] {
						continue
					}
					st.Status = domain.StatusNotStarted
					st.StartTime = nil
					st.EndTime = nil
					st.Outputs = nil
				}
				if s.Context == nil {
					s.Context = map[string]any{}
				}
				details := map[string]any{"restartedBy": actor, "restartTime": e.now().UnixMilli()}
				if exc, ok := s.Context["exception"]; ok {
					details["previousException"] = exc
					delete(s.Context, "exception")
				}
				s.Context["restartDetails"] = details
				x.Status = domain.StatusRunning
				x.EndTime = nil
				return nil
			})
		})
}

// PatchStage merges patch into the stage's context.
func (e Engine) PatchStage(ctx context.Context, t domain.ExecutionType, id, stageID string, patch map[string]any) (Outcome, error) {
	return e.gate(ctx, t, id,
		func(tg interlink.Target) interlink.Intent {
			return interlink.PatchStageIntent{Target: tg, StageID: stageID, Context: patch}
		},
		func(ctx context.Context, id string) (*domain.Execution, error) {
			return e.update(ctx, t, id, func(x *domain.Execution) error {
				s := x.Stage(stageID)
				if s == nil {
					return errors.Newf(errors.ErrNotFound, "stage %s not found in %s %s", stageID, t, x.ID)
				}
				if s.Context == nil {
					s.Context = map[string]any{}
				}
				for k, v := range patch {
					s.Context[k] = v
				}
				return nil
			})
		})
}

func keepStages(stages []*domain.Stage, drop map[string]bool) []*domain.Stage {
	out := stages[:0]
	for _, s := range stages {
		if !drop[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// Store writes x, tagging it with this node's partition when it has none.
// Missing execution and stage ids are minted.
func (e Engine) Store(ctx context.Context, x *domain.Execution) error {
	if x.Partition == "" {
		x.Partition = e.Partition
	}
	if x.ID == "" {
		x.ID = e.Repo.NewID()
	}
	for _, s := range x.Stages {
		if s.ID == "" {
			s.ID = e.Repo.NewID()
		}
	}
	return e.Repo.Store(ctx, x)
}

func (e Engine) Retrieve(ctx context.Context, t domain.ExecutionType, id string, requireLatest bool) (*domain.Execution, error) {
	return e.Repo.Retrieve(ctx, t, id, requireLatest)
}

func (e Engine) RetrieveByCorrelationID(ctx context.Context, t domain.ExecutionType, correlationID string) (*domain.Execution, error) {
	return e.Repo.RetrieveByCorrelationID(ctx, t, correlationID)
}

func (e Engine) RetrieveForApplication(ctx context.Context, t domain.ExecutionType, application string, c repo.Criteria) (pager.Page[*domain.Execution], error) {
	return e.Repo.RetrieveForApplication(ctx, t, application, c)
}

// Applier adapts e to the inbound intent dispatcher. It never forwards.
func (e Engine) Applier() interlink.Applier {
	return applier{e: e.WithoutForwarding()}
}

type applier struct {
	e Engine
}

func (a applier) Cancel(ctx context.Context, t domain.ExecutionType, id, actor, reason string) error {
	_, err := a.e.Cancel(ctx, t, id, actor, reason)
	return err
}

func (a applier) Pause(ctx context.Context, t domain.ExecutionType, id, actor string) error {
	_, err := a.e.Pause(ctx, t, id, actor)
	return err
}

func (a applier) Resume(ctx context.Context, t domain.ExecutionType, id, actor string, ignoreStatus bool) error {
	_, err := a.e.Resume(ctx, t, id, actor, ignoreStatus)
	return err
}

func (a applier) Delete(ctx context.Context, t domain.ExecutionType, id string) error {
	_, err := a.e.Delete(ctx, t, id)
	return err
}

func (a applier) PatchStage(ctx context.Context, t domain.ExecutionType, id, stageID string, patch map[string]any) error {
	_, err := a.e.PatchStage(ctx, t, id, stageID, patch)
	return err
}

func (a applier) RestartStage(ctx context.Context, t domain.ExecutionType, id, stageID, actor string) error {
	_, err := a.e.RestartStage(ctx, t, id, stageID, actor)
	return err
}

func (a applier) AddStage(ctx context.Context, t domain.ExecutionType, id string, s *domain.Stage) error {
	_, err := a.e.AddStage(ctx, t, id, s)
	return err
}

func (a applier) RemoveStage(ctx context.Context, t domain.ExecutionType, id, stageID string) error {
	_, err := a.e.RemoveStage(ctx, t, id, stageID)
	return err
}
