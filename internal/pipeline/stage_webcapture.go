package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/transdesk/transdesk/internal/imaging"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// IngestWebpage creates a webpage material and captures it in the
// background. The material surfaces in uploaded once the screenshot lands;
// capture failures move it to failed.
func (o *Orchestrator) IngestWebpage(ctx context.Context, clientID, url string, entityEnabled bool, entityMode string) (*store.Material, error) {
	if _, err := o.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}

	m := &store.Material{
		ID:                       uuid.NewString(),
		ClientID:                 clientID,
		Kind:                     store.KindWebpage,
		URL:                      url,
		OriginalFilename:         url,
		EntityRecognitionEnabled: entityEnabled,
		EntityRecognitionMode:    string(providers.NormalizeEntityMode(entityMode)),
	}
	m.SetStep(statemachine.StepUploaded)
	if err := o.store.InsertMaterial(ctx, m); err != nil {
		return nil, err
	}

	if !o.locks.TryAcquire(m.ID) {
		return nil, fmt.Errorf("material %s: %w", m.ID, ErrMaterialBusy)
	}
	ok := o.pool.Submit(o.baseCtx, "webcapture", func(taskCtx context.Context) {
		defer o.locks.Release(m.ID)
		o.runCaptureStage(taskCtx, m)
	})
	if !ok {
		o.locks.Release(m.ID)
		return nil, fmt.Errorf("stage queue unavailable for material %s", m.ID)
	}
	return m, nil
}

// runCaptureStage renders the page three ways: a screenshot that feeds the
// translation pipeline, the original page printed to PDF, and the translated
// view printed to PDF. The two PDFs are the reviewable pair.
func (o *Orchestrator) runCaptureStage(ctx context.Context, m *store.Material) {
	callCtx, cancel := context.WithTimeout(ctx, captureDeadline)
	defer cancel()

	data, err := o.capturedBytes(callCtx, m.URL)
	if err != nil {
		o.failMaterial(ctx, m.ID, fmt.Sprintf("capture webpage: %v", err))
		return
	}

	data, err = imaging.Downscale(data)
	if err != nil {
		o.failMaterial(ctx, m.ID, fmt.Sprintf("prepare capture: %v", err))
		return
	}

	path := o.home.UploadPath(m.ID + ".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		o.failMaterial(ctx, m.ID, fmt.Sprintf("store capture: %v", err))
		return
	}

	origPDF, err := o.browser.CapturePDF(callCtx, m.URL, false)
	if err != nil {
		o.failMaterial(ctx, m.ID, fmt.Sprintf("capture original pdf: %v", err))
		return
	}
	origPath := o.home.UploadPath(m.ID + "_original.pdf")
	if err := os.WriteFile(origPath, origPDF, 0o644); err != nil {
		o.failMaterial(ctx, m.ID, fmt.Sprintf("store original pdf: %v", err))
		return
	}

	transPDF, err := o.translatedPDFBytes(callCtx, m.URL)
	if err != nil {
		o.failMaterial(ctx, m.ID, fmt.Sprintf("capture translated pdf: %v", err))
		return
	}
	transPath := o.home.UploadPath(m.ID + "_translated.pdf")
	if err := os.WriteFile(transPath, transPDF, 0o644); err != nil {
		o.failMaterial(ctx, m.ID, fmt.Sprintf("store translated pdf: %v", err))
		return
	}

	updated, err := o.update(ctx, m.ID, func(m *store.Material) error {
		m.FilePath = o.home.Rel(path)
		m.OriginalPDFPath = o.home.Rel(origPath)
		m.TranslatedImagePath = o.home.Rel(transPath)
		return nil
	})
	if err != nil {
		o.logger.Error("record capture", "material", m.ID, "error", err)
		return
	}
	o.publishUpdated(updated)
}

func urlCacheKey(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// capturedBytes serves the screenshot from the URL-keyed cache when
// available, otherwise renders and caches it.
func (o *Orchestrator) capturedBytes(ctx context.Context, url string) ([]byte, error) {
	cachePath := o.home.WebCacheDir() + "/" + urlCacheKey(url) + ".png"

	if data, err := os.ReadFile(cachePath); err == nil {
		o.logger.Debug("serving cached capture", "url", url)
		return data, nil
	}

	data, err := o.browser.Capture(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(cachePath, data, 0o644); err != nil {
		o.logger.Warn("cache capture failed", "error", err)
	}
	return data, nil
}

// translatedPDFBytes serves the translated rendering from the URL-keyed
// cache when available, otherwise prints and caches it.
func (o *Orchestrator) translatedPDFBytes(ctx context.Context, url string) ([]byte, error) {
	cachePath := o.home.WebCacheDir() + "/" + urlCacheKey(url) + ".pdf"

	if data, err := os.ReadFile(cachePath); err == nil {
		o.logger.Debug("serving cached translated pdf", "url", url)
		return data, nil
	}

	data, err := o.browser.CapturePDF(ctx, url, true)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(cachePath, data, 0o644); err != nil {
		o.logger.Warn("cache translated pdf failed", "error", err)
	}
	return data, nil
}
