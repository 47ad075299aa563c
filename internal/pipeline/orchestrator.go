// Package pipeline drives materials through the processing state machine:
// OCR translation, entity recognition with its confirmation gate, LLM
// refinement, webpage capture, and PDF fan-out. Stages run on a bounded
// worker pool off the request path; per-material try-locks keep one stage
// per material; every persisted change is pushed to subscribed browsers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transdesk/transdesk/internal/events"
	"github.com/transdesk/transdesk/internal/home"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// ErrInvalidTransition is returned when an operation is not valid from the
// material's current step. The API layer maps it to 400.
var ErrInvalidTransition = errors.New("action not valid from current step")

// Stage deadlines.
const (
	ocrDeadline     = 180 * time.Second
	entityDeadline  = 120 * time.Second
	llmDeadline     = 10 * time.Minute
	captureDeadline = 60 * time.Second
	splitDeadline   = 5 * time.Minute
)

// Config assembles an Orchestrator.
type Config struct {
	Store   *store.Store
	Hub     *events.Hub
	Home    *home.Dir
	OCR     providers.OCR
	Entity  providers.Entity
	LLM     providers.LLM
	Browser providers.Browser
	Logger  *slog.Logger

	Workers   int
	QueueSize int
}

// Orchestrator coordinates stage execution for all materials.
type Orchestrator struct {
	store   *store.Store
	hub     *events.Hub
	home    *home.Dir
	ocr     providers.OCR
	entity  providers.Entity
	llm     providers.LLM
	browser providers.Browser
	logger  *slog.Logger

	pool  *pool
	locks *lockTable

	// base context for stage tasks; set by Start
	baseCtx context.Context
}

// New creates an orchestrator. Call Start before submitting work.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Orchestrator{
		store:   cfg.Store,
		hub:     cfg.Hub,
		home:    cfg.Home,
		ocr:     cfg.OCR,
		entity:  cfg.Entity,
		llm:     cfg.LLM,
		browser: cfg.Browser,
		logger:  logger,
		pool:    newPool(cfg.QueueSize, logger),
		locks:   newLockTable(),
		baseCtx: context.Background(),
	}
}

// Start launches the worker pool. Stage tasks stop when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	o.baseCtx = ctx
	o.pool.RunWorkers(ctx, workers)
}

// Wait blocks until the worker pool has exited. Call after cancelling the
// Start context.
func (o *Orchestrator) Wait() {
	o.pool.Wait()
}

// Busy reports whether a stage currently owns the material.
func (o *Orchestrator) Busy(materialID string) bool {
	return o.locks.Held(materialID)
}

// update applies mutate to the material row with optimistic locking. A lost
// race is re-read and retried once; stages hold the material lock, so a
// second loss means something outside the pipeline is writing and the
// conflict surfaces.
func (o *Orchestrator) update(ctx context.Context, materialID string, mutate func(m *store.Material) error) (*store.Material, error) {
	for attempt := 0; ; attempt++ {
		m, err := o.store.GetMaterial(ctx, materialID)
		if err != nil {
			return nil, err
		}
		if err := mutate(m); err != nil {
			return nil, err
		}
		err = o.store.UpdateMaterial(ctx, m)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= 1 {
			return nil, err
		}
		o.logger.Warn("optimistic lock conflict, retrying once", "material", materialID)
	}
}

// transition validates the action from the material's current step and
// applies it, clearing intermediate results when the edge requires it.
// A material_updated event is published after the write commits.
func (o *Orchestrator) transition(ctx context.Context, materialID string, action statemachine.Action, also func(m *store.Material)) (*store.Material, error) {
	m, err := o.update(ctx, materialID, func(m *store.Material) error {
		tr, ok := statemachine.Next(m.ProcessingStep, action)
		if !ok {
			return fmt.Errorf("%s from %q: %w", action, m.ProcessingStep, ErrInvalidTransition)
		}
		if tr.ClearsIntermediate {
			m.ClearIntermediate(true)
		}
		m.SetStep(tr.To)
		if also != nil {
			also(m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publishUpdated(m)
	return m, nil
}

func (o *Orchestrator) publishUpdated(m *store.Material) {
	o.hub.Publish(events.NewMaterialUpdated(m.ClientID, m.ID, string(m.ProcessingStep), m.Status, m.Progress))
}

func (o *Orchestrator) publishError(m *store.Material, msg string) {
	o.hub.Publish(events.NewMaterialError(m.ClientID, m.ID, msg))
}

// failMaterial moves the material to failed outside the normal edges. Used
// by ingest stages (capture, split) whose failures have no user action.
func (o *Orchestrator) failMaterial(ctx context.Context, materialID, msg string) {
	m, err := o.update(ctx, materialID, func(m *store.Material) error {
		m.SetStep(statemachine.StepFailed)
		m.SetError(msg)
		return nil
	})
	if err != nil {
		o.logger.Error("failed to record material failure", "material", materialID, "error", err)
		return
	}
	o.publishUpdated(m)
	o.publishError(m, msg)
}

// stageFunc runs one stage with the material lock held. The returned
// followup, if any, runs after the lock is released; auto-chains use it to
// make a fresh submission without deadlocking on their own lock.
type stageFunc func(ctx context.Context, m *store.Material) (followup func())

// lockAndSubmit acquires the material lock, applies the start transition,
// and enqueues the stage. The lock is released when the stage task returns
// or when anything before it fails.
func (o *Orchestrator) lockAndSubmit(ctx context.Context, materialID string, action statemachine.Action, also func(m *store.Material), stageName string, stage stageFunc) (*store.Material, error) {
	if !o.locks.TryAcquire(materialID) {
		return nil, fmt.Errorf("material %s: %w", materialID, ErrMaterialBusy)
	}
	m, err := o.transition(ctx, materialID, action, also)
	if err != nil {
		o.locks.Release(materialID)
		return nil, err
	}
	ok := o.pool.Submit(o.baseCtx, stageName, func(taskCtx context.Context) {
		followup := stage(taskCtx, m)
		o.locks.Release(materialID)
		if followup != nil {
			followup()
		}
	})
	if !ok {
		o.locks.Release(materialID)
		return nil, fmt.Errorf("stage queue unavailable for material %s", materialID)
	}
	return m, nil
}
