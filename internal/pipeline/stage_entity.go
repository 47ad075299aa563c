package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// RecognizeEntities runs entity recognition synchronously in the caller's
// goroutine. The material lock is held for the duration, so a concurrent
// trigger gets ErrMaterialBusy instead of a duplicate provider call.
// Recoverable provider failures return an error satisfying
// providers.IsRecoverable after falling the material back to translated.
func (o *Orchestrator) RecognizeEntities(ctx context.Context, materialID, mode string) error {
	if !o.locks.TryAcquire(materialID) {
		return fmt.Errorf("material %s: %w", materialID, ErrMaterialBusy)
	}
	followup, err := func() (func(), error) {
		defer o.locks.Release(materialID)

		normalized := providers.NormalizeEntityMode(mode)
		m, err := o.transition(ctx, materialID, statemachine.ActionStartEntityRecognize, func(m *store.Material) {
			if mode != "" {
				m.EntityRecognitionMode = string(normalized)
			}
			m.EntityRecognitionEnabled = true
			m.SetEntityError("")
		})
		if err != nil {
			return nil, err
		}
		return o.runEntityCore(ctx, m)
	}()
	if followup != nil {
		followup()
	}
	return err
}

// runEntityCore does the provider call and terminal transitions. The caller
// holds the material lock and has already moved the material to
// entity_recognizing.
func (o *Orchestrator) runEntityCore(ctx context.Context, m *store.Material) (followup func(), err error) {
	callCtx, cancel := context.WithTimeout(ctx, entityDeadline)
	defer cancel()

	info, err := m.TranslationInfoData()
	if err != nil || info == nil || len(info.Regions) == 0 {
		return nil, o.failEntity(ctx, m, fmt.Errorf("no translated regions to analyze: %w", providers.ErrFatal))
	}
	texts := make([]string, 0, len(info.Regions))
	for _, r := range info.Regions {
		texts = append(texts, r.Src)
	}

	mode := providers.NormalizeEntityMode(m.EntityRecognitionMode)
	res, err := o.entity.Recognize(callCtx, texts, mode)
	if err != nil {
		if providers.IsRecoverable(err) {
			return nil, o.recoverEntity(ctx, m, err)
		}
		return nil, o.failEntity(ctx, m, err)
	}

	entities := res.Entities
	if mode == providers.ModeFast {
		o.backfillEnglishNames(callCtx, entities)
	}
	resultJSON, err := json.Marshal(entities)
	if err != nil {
		return nil, o.failEntity(ctx, m, fmt.Errorf("serialize entities: %v: %w", err, providers.ErrFatal))
	}
	resultStr := string(resultJSON)

	if mode == providers.ModeDeep {
		return o.autoConfirmEntities(ctx, m, entities, resultStr)
	}

	updated, err := o.transition(ctx, m.ID, statemachine.ActionEntitySuccess, func(m *store.Material) {
		m.EntityRecognitionResult = &resultStr
		m.EntityRecognitionTriggered = true
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("entity recognition awaiting confirmation",
		"material", updated.ID, "entities", len(entities))
	return nil, nil
}

// backfillEnglishNames asks the LLM for English renderings of entities the
// fast mode returned without one. Failures leave the names empty; the user
// fills them at the gate.
func (o *Orchestrator) backfillEnglishNames(ctx context.Context, entities []store.Entity) {
	var missing []string
	for _, e := range entities {
		if e.EnglishName == "" {
			missing = append(missing, e.ChineseName)
		}
	}
	if len(missing) == 0 {
		return
	}
	names, err := o.llm.EntityEnglishNames(ctx, missing)
	if err != nil {
		o.logger.Warn("english name backfill failed", "error", err)
		return
	}
	for i := range entities {
		if entities[i].EnglishName == "" {
			entities[i].EnglishName = names[entities[i].ChineseName]
		}
	}
}

// autoConfirmEntities handles deep mode: the sourced entities are trusted,
// so the gate confirms itself and LLM refinement chains immediately.
func (o *Orchestrator) autoConfirmEntities(ctx context.Context, m *store.Material, entities []store.Entity, resultStr string) (func(), error) {
	edits := editsFromEntities(entities)

	if _, err := o.transition(ctx, m.ID, statemachine.ActionEntitySuccess, func(m *store.Material) {
		m.EntityRecognitionResult = &resultStr
		m.EntityRecognitionTriggered = true
	}); err != nil {
		return nil, err
	}
	updated, err := o.transition(ctx, m.ID, statemachine.ActionConfirmEntities, func(m *store.Material) {
		m.EntityRecognitionConfirmed = true
		if err := m.SetEntityEdits(edits); err != nil {
			o.logger.Error("serialize entity edits", "material", m.ID, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}

	materialID := updated.ID
	return func() {
		if _, err := o.StartLLM(o.baseCtx, materialID); err != nil {
			o.logger.Warn("auto llm after deep entities failed", "material", materialID, "error", err)
		}
	}, nil
}

// recoverEntity falls the material back to translated so the user can
// continue without entities. entity_recognition_triggered stays set to stop
// auto-retry loops.
func (o *Orchestrator) recoverEntity(ctx context.Context, m *store.Material, cause error) error {
	updated, err := o.transition(ctx, m.ID, statemachine.ActionEntityRecoverable, func(m *store.Material) {
		m.EntityRecognitionTriggered = true
		m.SetEntityError(cause.Error())
	})
	if err != nil {
		return err
	}
	o.logger.Warn("entity recognition degraded", "material", updated.ID, "error", cause)
	return cause
}

func (o *Orchestrator) failEntity(ctx context.Context, m *store.Material, cause error) error {
	updated, err := o.transition(ctx, m.ID, statemachine.ActionEntityFatal, func(m *store.Material) {
		m.SetEntityError(cause.Error())
		m.SetError(cause.Error())
	})
	if err != nil {
		return err
	}
	o.publishError(updated, cause.Error())
	return cause
}

// editsFromEntities derives the confirmed edits payload from recognized
// entities, grouping translation guidance by entity type.
func editsFromEntities(entities []store.Entity) *store.EntityEdits {
	edits := &store.EntityEdits{
		Entities: entities,
		TranslationGuidance: store.Guidance{
			Persons:       []string{},
			Locations:     []string{},
			Organizations: []string{},
			Terms:         []string{},
		},
	}
	for _, e := range entities {
		entry := e.ChineseName
		if e.EnglishName != "" {
			entry = fmt.Sprintf("%s -> %s", e.ChineseName, e.EnglishName)
		}
		switch e.Type {
		case "person":
			edits.TranslationGuidance.Persons = append(edits.TranslationGuidance.Persons, entry)
		case "location":
			edits.TranslationGuidance.Locations = append(edits.TranslationGuidance.Locations, entry)
		case "organization", "org":
			edits.TranslationGuidance.Organizations = append(edits.TranslationGuidance.Organizations, entry)
		default:
			edits.TranslationGuidance.Terms = append(edits.TranslationGuidance.Terms, entry)
		}
	}
	return edits
}

// ConfirmEntities records the user's confirmed entities and releases the
// gate. For PDF pages the confirmation applies to every sibling page of the
// session in one transaction; LLM refinement chains for each released
// material. A material whose gate was already confirmed is a no-op.
func (o *Orchestrator) ConfirmEntities(ctx context.Context, materialID string, edits *store.EntityEdits) (*store.Material, []string, error) {
	m, err := o.store.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, nil, err
	}
	if !statemachine.CanTransition(m.ProcessingStep, statemachine.ActionConfirmEntities) {
		if m.EntityRecognitionConfirmed {
			// Sibling confirmation already covered this page.
			return m, nil, nil
		}
		return nil, nil, fmt.Errorf("confirm_entities from %q: %w", m.ProcessingStep, ErrInvalidTransition)
	}

	if edits == nil {
		edits = &store.EntityEdits{}
	}
	if edits.Entities == nil {
		edits.Entities = []store.Entity{}
	}
	edits.TranslationGuidance.EnsureLists()

	confirmed := []string{materialID}
	err = o.store.Transact(ctx, func(tx *store.Tx) error {
		confirmed = confirmed[:0]
		targets := []store.Material{*m}
		if m.PDFSessionID != "" {
			siblings, err := tx.ListSessionMaterials(ctx, m.PDFSessionID)
			if err != nil {
				return err
			}
			targets = siblings
		}
		for i := range targets {
			t := &targets[i]
			tr, ok := statemachine.Next(t.ProcessingStep, statemachine.ActionConfirmEntities)
			if !ok {
				continue
			}
			t.SetStep(tr.To)
			t.EntityRecognitionConfirmed = true
			if err := t.SetEntityEdits(edits); err != nil {
				return err
			}
			if err := tx.UpdateMaterial(ctx, t); err != nil {
				return err
			}
			confirmed = append(confirmed, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var chained []string
	for _, id := range confirmed {
		cm, err := o.store.GetMaterial(ctx, id)
		if err == nil {
			o.publishUpdated(cm)
		}
		if _, err := o.StartLLM(ctx, id); err != nil {
			o.logger.Warn("llm chain after confirm failed", "material", id, "error", err)
			continue
		}
		chained = append(chained, id)
	}

	result, err := o.store.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, chained, err
	}
	return result, chained, nil
}

// SkipEntities releases the gate without entities; the material returns to
// translated and the user may start LLM refinement manually.
func (o *Orchestrator) SkipEntities(ctx context.Context, materialID string) (*store.Material, error) {
	if !o.locks.TryAcquire(materialID) {
		return nil, fmt.Errorf("material %s: %w", materialID, ErrMaterialBusy)
	}
	defer o.locks.Release(materialID)
	return o.transition(ctx, materialID, statemachine.ActionSkipEntities, func(m *store.Material) {
		m.EntityRecognitionTriggered = true
	})
}
