package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/transdesk/transdesk/internal/events"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// StartLLM submits an LLM refinement task. Valid from translated (entities
// skipped or never enabled) and entity_confirmed.
func (o *Orchestrator) StartLLM(ctx context.Context, materialID string) (*store.Material, error) {
	m, err := o.lockAndSubmit(ctx, materialID, statemachine.ActionStartLLM, func(m *store.Material) {
		m.SetError("")
	}, "llm", o.runLLMStage)
	if err != nil {
		return nil, err
	}
	o.hub.Publish(events.NewLLMStarted(m.ClientID, m.ID, m.Progress))
	return m, nil
}

// runLLMStage refines the material's region translations with the entity
// guidance confirmed at the gate.
func (o *Orchestrator) runLLMStage(ctx context.Context, m *store.Material) (followup func()) {
	callCtx, cancel := context.WithTimeout(ctx, llmDeadline)
	defer cancel()

	info, err := m.TranslationInfoData()
	if err != nil || info == nil || len(info.Regions) == 0 {
		o.failLLM(ctx, m, fmt.Errorf("no translated regions to refine"))
		return nil
	}

	var guidance *store.Guidance
	if edits, err := m.EntityEditsData(); err == nil && edits != nil {
		guidance = &edits.TranslationGuidance
	}

	translations, err := o.llm.Refine(callCtx, info.Regions, guidance)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("llm refinement timed out: %w", providers.ErrTimeout)
		}
		o.failLLM(ctx, m, err)
		return nil
	}

	updated, err := o.transition(ctx, m.ID, statemachine.ActionLLMSuccess, func(m *store.Material) {
		if err := m.SetLLMTranslations(translations); err != nil {
			o.logger.Error("serialize llm result", "material", m.ID, "error", err)
		}
	})
	if err != nil {
		o.logger.Error("record llm success", "material", m.ID, "error", err)
		return nil
	}
	o.hub.Publish(events.NewLLMCompleted(updated.ClientID, updated.ID, updated.Progress, len(translations)))
	return nil
}

func (o *Orchestrator) failLLM(ctx context.Context, m *store.Material, cause error) {
	updated, err := o.transition(ctx, m.ID, statemachine.ActionLLMFail, func(m *store.Material) {
		m.SetError(cause.Error())
	})
	if err != nil {
		o.logger.Error("record llm failure", "material", m.ID, "error", err)
		return
	}
	o.hub.Publish(events.NewLLMError(updated.ClientID, updated.ID, cause.Error()))
}
