package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/transdesk/transdesk/internal/events"
	"github.com/transdesk/transdesk/internal/imaging"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// maxOCRDimension mirrors the provider's pixel limit. Ingress downscales
// below it; anything larger at this point is a corrupt or foreign file.
const maxOCRDimension = 4096

// StartTranslation submits an OCR task for each eligible material. When
// materialIDs is empty every material of the client waiting in uploaded or
// split_completed is taken. Busy and ineligible materials are skipped; the
// IDs actually started are returned.
func (o *Orchestrator) StartTranslation(ctx context.Context, clientID string, materialIDs []string) ([]string, error) {
	if len(materialIDs) == 0 {
		list, err := o.store.ListMaterials(ctx, clientID)
		if err != nil {
			return nil, err
		}
		for _, m := range list {
			if statemachine.CanTransition(m.ProcessingStep, statemachine.ActionStartTranslate) {
				materialIDs = append(materialIDs, m.ID)
			}
		}
	}

	var started []string
	for _, id := range materialIDs {
		m, err := o.lockAndSubmit(ctx, id, statemachine.ActionStartTranslate, func(m *store.Material) {
			m.Progress = 10
			m.SetError("")
		}, "ocr", o.runOCRStage)
		if err != nil {
			o.logger.Warn("skipping material for translation", "material", id, "error", err)
			continue
		}
		o.hub.Publish(events.NewTranslationStarted(m.ClientID, m.ID))
		started = append(started, id)
	}
	return started, nil
}

// Retranslate wipes intermediate results and runs OCR again. Valid from any
// step, including failed and confirmed.
func (o *Orchestrator) Retranslate(ctx context.Context, materialID string) (*store.Material, error) {
	m, err := o.lockAndSubmit(ctx, materialID, statemachine.ActionRetranslate, func(m *store.Material) {
		m.Progress = 10
	}, "ocr", o.runOCRStage)
	if err != nil {
		return nil, err
	}
	o.hub.Publish(events.NewTranslationStarted(m.ClientID, m.ID))
	return m, nil
}

// runOCRStage reads the material's image, calls the translation provider,
// and lands the material in translated or failed. When entity recognition is
// enabled for the material, a recognition task is chained.
func (o *Orchestrator) runOCRStage(ctx context.Context, m *store.Material) (followup func()) {
	// The deadline bounds the provider exchange only; outcome writes must
	// still land after a timeout.
	callCtx, cancel := context.WithTimeout(ctx, ocrDeadline)
	defer cancel()

	data, err := os.ReadFile(o.home.Resolve(m.FilePath))
	if err != nil {
		o.failOCR(ctx, m, fmt.Sprintf("read image: %v", err))
		return nil
	}
	info, err := imaging.Validate(data)
	if err != nil {
		o.failOCR(ctx, m, fmt.Sprintf("invalid image: %v", err))
		return nil
	}
	if info.Width > maxOCRDimension || info.Height > maxOCRDimension {
		o.failOCR(ctx, m, fmt.Sprintf("image %dx%d exceeds %d px limit", info.Width, info.Height, maxOCRDimension))
		return nil
	}

	res, err := o.ocr.Translate(callCtx, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("translation timed out: %w", providers.ErrTimeout)
		}
		o.failOCR(ctx, m, err.Error())
		return nil
	}

	translationInfo := buildTranslationInfo(res)
	updated, err := o.transition(ctx, m.ID, statemachine.ActionOCRSuccess, func(m *store.Material) {
		m.Progress = 100
		m.SetError("")
		if err := m.SetTranslationInfo(translationInfo); err != nil {
			o.logger.Error("serialize translation info", "material", m.ID, "error", err)
		}
	})
	if err != nil {
		o.logger.Error("record ocr success", "material", m.ID, "error", err)
		return nil
	}
	o.hub.Publish(events.NewTranslationCompleted(updated.ClientID, updated.ID, updated.Status))

	if updated.EntityRecognitionEnabled && !updated.EntityRecognitionTriggered {
		materialID, mode := updated.ID, updated.EntityRecognitionMode
		return func() {
			if err := o.RecognizeEntities(o.baseCtx, materialID, mode); err != nil {
				o.logger.Warn("auto entity recognition failed", "material", materialID, "error", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) failOCR(ctx context.Context, m *store.Material, msg string) {
	updated, err := o.transition(ctx, m.ID, statemachine.ActionOCRFail, func(m *store.Material) {
		m.SetError(msg)
	})
	if err != nil {
		o.logger.Error("record ocr failure", "material", m.ID, "error", err)
		return
	}
	o.publishError(updated, msg)
}

func buildTranslationInfo(res *providers.OCRResult) *store.TranslationInfo {
	info := &store.TranslationInfo{
		Regions:    res.Regions,
		SourceLang: res.SourceLang,
		TargetLang: res.TargetLang,
	}
	info.Statistics.RegionCount = len(res.Regions)
	for _, r := range res.Regions {
		info.Statistics.SrcCharacters += utf8.RuneCountInString(r.Src)
		info.Statistics.DstCharacters += utf8.RuneCountInString(r.Dst)
	}
	return info
}
