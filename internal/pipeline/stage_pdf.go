package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/transdesk/transdesk/internal/pdfutil"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

const rasterDPI = 150

// IngestPDF stores the uploaded document and creates one material per page,
// all in splitting, before returning. Rasterization happens in the
// background; each page flips to split_completed as its image lands. Pages
// share a session ID so entity confirmation and confirm apply across the
// whole document.
func (o *Orchestrator) IngestPDF(ctx context.Context, clientID, filename string, data []byte, entityEnabled bool, entityMode string) ([]*store.Material, error) {
	if _, err := o.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	pdfPath := o.home.UploadPath(sessionID + ".pdf")
	if err := os.WriteFile(pdfPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("store PDF: %w", err)
	}

	total, err := pdfutil.PageCount(pdfPath)
	if err != nil {
		os.Remove(pdfPath)
		return nil, fmt.Errorf("read PDF: %w", err)
	}

	mode := string(providers.NormalizeEntityMode(entityMode))
	pages := make([]*store.Material, 0, total)
	for page := 1; page <= total; page++ {
		m := &store.Material{
			ID:                       uuid.NewString(),
			ClientID:                 clientID,
			Kind:                     store.KindPDF,
			OriginalFilename:         fmt.Sprintf("%s (p.%d)", filename, page),
			PDFSessionID:             sessionID,
			PDFPageNumber:            page,
			PDFTotalPages:            total,
			PDFOriginalFile:          filename,
			OriginalPDFPath:          o.home.Rel(pdfPath),
			EntityRecognitionEnabled: entityEnabled,
			EntityRecognitionMode:    mode,
		}
		m.SetStep(statemachine.StepSplitting)
		if err := o.store.InsertMaterial(ctx, m); err != nil {
			return nil, err
		}
		pages = append(pages, m)
	}

	// One split task owns every page of the session.
	locked := make([]string, 0, len(pages))
	for _, p := range pages {
		if !o.locks.TryAcquire(p.ID) {
			for _, id := range locked {
				o.locks.Release(id)
			}
			return nil, fmt.Errorf("material %s: %w", p.ID, ErrMaterialBusy)
		}
		locked = append(locked, p.ID)
	}
	ok := o.pool.Submit(o.baseCtx, "pdfsplit", func(taskCtx context.Context) {
		defer func() {
			for _, id := range locked {
				o.locks.Release(id)
			}
		}()
		o.runSplitStage(taskCtx, sessionID, pdfPath, pages)
	})
	if !ok {
		for _, id := range locked {
			o.locks.Release(id)
		}
		return nil, fmt.Errorf("stage queue unavailable for session %s", sessionID)
	}
	return pages, nil
}

// runSplitStage rasterizes the document and completes each page material in
// order. A rasterization failure fails every page of the session.
func (o *Orchestrator) runSplitStage(ctx context.Context, sessionID, pdfPath string, pages []*store.Material) {
	callCtx, cancel := context.WithTimeout(ctx, splitDeadline)
	defer cancel()

	prefix := filepath.Join(o.home.UploadsDir(), sessionID)
	images, err := pdfutil.RasterizePages(callCtx, pdfPath, prefix, rasterDPI)
	if err != nil {
		for _, p := range pages {
			o.failMaterial(ctx, p.ID, fmt.Sprintf("rasterize PDF: %v", err))
		}
		return
	}
	if len(images) != len(pages) {
		msg := fmt.Sprintf("rasterized %d pages, expected %d", len(images), len(pages))
		for _, p := range pages {
			o.failMaterial(ctx, p.ID, msg)
		}
		return
	}

	for i, p := range pages {
		image := images[i]
		if _, err := o.transition(ctx, p.ID, statemachine.ActionSplitDone, func(m *store.Material) {
			m.FilePath = o.home.Rel(image)
		}); err != nil {
			o.logger.Error("record page split", "material", p.ID, "error", err)
		}
	}
	o.logger.Info("pdf split complete", "session", sessionID, "pages", len(pages))
}

// RecognizeSessionEntities runs entity recognition across a whole PDF
// session: every page's regions feed one provider call and the merged result
// lands on each page, so the user confirms once.
func (o *Orchestrator) RecognizeSessionEntities(ctx context.Context, sessionID, mode string) error {
	pages, err := o.store.ListSessionMaterials(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return fmt.Errorf("pdf session %s: %w", sessionID, store.ErrNotFound)
	}

	// Lock every page up front; a busy sibling aborts the session run.
	locked := make([]string, 0, len(pages))
	release := func() {
		for _, id := range locked {
			o.locks.Release(id)
		}
		locked = locked[:0]
	}
	for _, p := range pages {
		if !o.locks.TryAcquire(p.ID) {
			release()
			return fmt.Errorf("material %s: %w", p.ID, ErrMaterialBusy)
		}
		locked = append(locked, p.ID)
	}
	defer release()

	normalized := providers.NormalizeEntityMode(mode)

	var texts []string
	eligible := make([]*store.Material, 0, len(pages))
	for i := range pages {
		p := &pages[i]
		if !statemachine.CanTransition(p.ProcessingStep, statemachine.ActionStartEntityRecognize) {
			continue
		}
		info, err := p.TranslationInfoData()
		if err != nil || info == nil {
			continue
		}
		for _, r := range info.Regions {
			texts = append(texts, r.Src)
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 || len(texts) == 0 {
		return fmt.Errorf("no translated pages in session: %w", ErrInvalidTransition)
	}

	for _, p := range eligible {
		if _, err := o.transition(ctx, p.ID, statemachine.ActionStartEntityRecognize, func(m *store.Material) {
			m.EntityRecognitionMode = string(normalized)
			m.EntityRecognitionEnabled = true
			m.SetEntityError("")
		}); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, entityDeadline)
	defer cancel()
	res, err := o.entity.Recognize(callCtx, texts, normalized)
	if err != nil {
		for _, p := range eligible {
			if providers.IsRecoverable(err) {
				o.recoverEntity(ctx, p, err)
			} else {
				o.failEntity(ctx, p, err)
			}
		}
		return err
	}

	entities := res.Entities
	if normalized == providers.ModeFast {
		o.backfillEnglishNames(callCtx, entities)
	}
	resultJSON, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("serialize entities: %w", err)
	}
	resultStr := string(resultJSON)

	var followups []func()
	for _, p := range eligible {
		if normalized == providers.ModeDeep {
			followup, err := o.autoConfirmEntities(ctx, p, entities, resultStr)
			if err != nil {
				return err
			}
			if followup != nil {
				followups = append(followups, followup)
			}
			continue
		}
		if _, err := o.transition(ctx, p.ID, statemachine.ActionEntitySuccess, func(m *store.Material) {
			m.EntityRecognitionResult = &resultStr
			m.EntityRecognitionTriggered = true
		}); err != nil {
			return err
		}
	}

	release()
	for _, f := range followups {
		f()
	}
	return nil
}
