package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/transdesk/transdesk/internal/imaging"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// Result selection values recorded in selected_result. "api" is the edited
// region overlay path, "latex" the LLM document rendering.
const (
	SelectedAPI   = "api"
	SelectedLaTeX = "latex"
)

// IngestImage normalizes an uploaded image and creates its material in
// uploaded. EXIF orientation is baked in and oversized images are downscaled
// before the bytes land on disk.
func (o *Orchestrator) IngestImage(ctx context.Context, clientID, filename string, data []byte, entityEnabled bool, entityMode string) (*store.Material, error) {
	if _, err := o.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}

	data, err := imaging.AutoOrient(data)
	if err != nil {
		return nil, fmt.Errorf("normalize image: %w", err)
	}
	data, err = imaging.Downscale(data)
	if err != nil {
		return nil, fmt.Errorf("downscale image: %w", err)
	}
	info, err := imaging.Validate(data)
	if err != nil {
		return nil, fmt.Errorf("invalid image: %w", err)
	}

	id := uuid.NewString()
	ext := "." + info.Format
	if info.Format == "jpeg" {
		ext = ".jpg"
	}
	path := o.home.UploadPath(id + ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	m := &store.Material{
		ID:                       id,
		ClientID:                 clientID,
		Kind:                     store.KindImage,
		FilePath:                 o.home.Rel(path),
		OriginalFilename:         filename,
		EntityRecognitionEnabled: entityEnabled,
		EntityRecognitionMode:    string(providers.NormalizeEntityMode(entityMode)),
	}
	m.SetStep(statemachine.StepUploaded)
	if err := o.store.InsertMaterial(ctx, m); err != nil {
		return nil, err
	}
	o.publishUpdated(m)
	return m, nil
}

// Confirm locks in a material's reviewed result, recording which rendering
// the confirmation covers. For PDF pages the whole session confirms in one
// transaction.
func (o *Orchestrator) Confirm(ctx context.Context, materialID, translationType string) (*store.Material, error) {
	switch translationType {
	case "", SelectedAPI, SelectedLaTeX:
	default:
		return nil, fmt.Errorf("unknown translation_type %q", translationType)
	}
	return o.applySessionWide(ctx, materialID, func(m *store.Material) error {
		if translationType != "" {
			m.SelectedResult = translationType
		}
		if m.ProcessingStep == statemachine.StepConfirmed {
			// Re-confirming is a no-op, not an error.
			return nil
		}
		if !statemachine.CanTransition(m.ProcessingStep, statemachine.ActionConfirm) {
			return fmt.Errorf("confirm from %q: %w", m.ProcessingStep, ErrInvalidTransition)
		}
		m.SetStep(statemachine.StepConfirmed)
		return nil
	})
}

// Unconfirm rolls a confirmed material back for further review. The target
// step depends on whether an LLM result exists. Edited regions, the final
// composite, and the selection survive the rollback.
func (o *Orchestrator) Unconfirm(ctx context.Context, materialID string) (*store.Material, error) {
	return o.applySessionWide(ctx, materialID, func(m *store.Material) error {
		if !statemachine.CanTransition(m.ProcessingStep, statemachine.ActionUnconfirm) {
			return fmt.Errorf("unconfirm from %q: %w", m.ProcessingStep, ErrInvalidTransition)
		}
		hasLLM := m.LLMTranslationResult != nil && *m.LLMTranslationResult != ""
		m.SetStep(statemachine.RollbackTarget(hasLLM))
		return nil
	})
}

// applySessionWide mutates the material and, when it belongs to a PDF
// session, every sibling page in one transaction. The named material's
// validation error aborts; siblings that fail validation are skipped.
func (o *Orchestrator) applySessionWide(ctx context.Context, materialID string, mutate func(m *store.Material) error) (*store.Material, error) {
	if !o.locks.TryAcquire(materialID) {
		return nil, fmt.Errorf("material %s: %w", materialID, ErrMaterialBusy)
	}
	defer o.locks.Release(materialID)

	m, err := o.store.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	if err := mutate(m); err != nil {
		return nil, err
	}

	var updatedIDs []string
	err = o.store.Transact(ctx, func(tx *store.Tx) error {
		updatedIDs = updatedIDs[:0]
		targets := []store.Material{*m}
		if m.PDFSessionID != "" {
			siblings, err := tx.ListSessionMaterials(ctx, m.PDFSessionID)
			if err != nil {
				return err
			}
			targets = targets[:0]
			for i := range siblings {
				s := &siblings[i]
				if s.ID == materialID {
					targets = append(targets, *m)
					continue
				}
				if err := mutate(s); err != nil {
					continue
				}
				targets = append(targets, *s)
			}
		}
		for i := range targets {
			if err := tx.UpdateMaterial(ctx, &targets[i]); err != nil {
				return err
			}
			updatedIDs = append(updatedIDs, targets[i].ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var result *store.Material
	for _, id := range updatedIDs {
		um, err := o.store.GetMaterial(ctx, id)
		if err != nil {
			continue
		}
		o.publishUpdated(um)
		if id == materialID {
			result = um
		}
	}
	if result == nil {
		return o.store.GetMaterial(ctx, materialID)
	}
	return result, nil
}

// Rotate turns the source image 90 degrees clockwise in place and resets the
// material to uploaded, wiping everything derived from the old orientation.
func (o *Orchestrator) Rotate(ctx context.Context, materialID string) (*store.Material, error) {
	if !o.locks.TryAcquire(materialID) {
		return nil, fmt.Errorf("material %s: %w", materialID, ErrMaterialBusy)
	}
	defer o.locks.Release(materialID)

	m, err := o.store.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	if !statemachine.CanTransition(m.ProcessingStep, statemachine.ActionRotate) {
		return nil, fmt.Errorf("rotate from %q: %w", m.ProcessingStep, ErrInvalidTransition)
	}
	if m.FilePath == "" {
		return nil, fmt.Errorf("material %s has no source image", materialID)
	}

	path := o.home.Resolve(m.FilePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	rotated, err := imaging.Rotate90(data)
	if err != nil {
		return nil, fmt.Errorf("rotate image: %w", err)
	}
	if err := os.WriteFile(path, rotated, 0o644); err != nil {
		return nil, fmt.Errorf("store rotated image: %w", err)
	}

	return o.transition(ctx, materialID, statemachine.ActionRotate, func(m *store.Material) {
		m.Progress = 0
	})
}

// SaveEditedRegions persists user region edits verbatim, marks the edited
// version present, and selects the overlay rendering. The processing step
// does not change.
func (o *Orchestrator) SaveEditedRegions(ctx context.Context, materialID string, regions []byte) (*store.Material, error) {
	m, err := o.update(ctx, materialID, func(m *store.Material) error {
		m.SetEditedRegionsRaw(regions)
		m.HasEditedVersion = len(regions) > 0
		if m.HasEditedVersion {
			m.SelectedResult = SelectedAPI
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publishUpdated(m)
	return m, nil
}

// SaveFinalImage stores the browser-rendered composite. It becomes the
// authoritative export artifact for the material.
func (o *Orchestrator) SaveFinalImage(ctx context.Context, materialID string, data []byte) (*store.Material, error) {
	if _, err := o.store.GetMaterial(ctx, materialID); err != nil {
		return nil, err
	}
	path := o.home.FinalImagePath(materialID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("store final image: %w", err)
	}
	m, err := o.update(ctx, materialID, func(m *store.Material) error {
		m.FinalImagePath = o.home.Rel(path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publishUpdated(m)
	return m, nil
}

// DeleteMaterial removes the material row and its files under the home
// directory. Row deletion comes first so a file cleanup failure never leaves
// a dangling record.
func (o *Orchestrator) DeleteMaterial(ctx context.Context, materialID string) error {
	if !o.locks.TryAcquire(materialID) {
		return fmt.Errorf("material %s: %w", materialID, ErrMaterialBusy)
	}
	defer o.locks.Release(materialID)

	m, err := o.store.GetMaterial(ctx, materialID)
	if err != nil {
		return err
	}
	if err := o.store.DeleteMaterial(ctx, materialID); err != nil {
		return err
	}

	for _, rel := range []string{m.FilePath, m.TranslatedImagePath, m.FinalImagePath} {
		if rel == "" {
			continue
		}
		abs := o.home.Resolve(rel)
		if !strings.HasPrefix(filepath.Clean(abs), o.home.Path()) {
			continue
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("remove material file", "path", rel, "error", err)
		}
	}
	return nil
}
