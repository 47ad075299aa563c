package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/transdesk/transdesk/internal/events"
	"github.com/transdesk/transdesk/internal/home"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

type testEnv struct {
	orch    *Orchestrator
	store   *store.Store
	home    *home.Dir
	ocr     *providers.MockOCR
	entity  *providers.MockEntity
	llm     *providers.MockLLM
	browser *providers.MockBrowser
	client  *store.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New: %v", err)
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	st, err := store.Open(dir.DatabasePath())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	env := &testEnv{
		store: st,
		home:  dir,
		ocr: &providers.MockOCR{
			TranslateFunc: func(ctx context.Context, image []byte) (*providers.OCRResult, error) {
				return &providers.OCRResult{
					Regions: []store.Region{
						{ID: 0, Src: "源文本", Dst: "source text"},
					},
					SourceLang: "zh",
					TargetLang: "en",
				}, nil
			},
		},
		entity: &providers.MockEntity{
			RecognizeFunc: func(ctx context.Context, texts []string, mode providers.EntityMode) (*providers.EntityResult, error) {
				return &providers.EntityResult{}, nil
			},
		},
		llm:     &providers.MockLLM{},
		browser: &providers.MockBrowser{},
	}

	env.orch = New(Config{
		Store:     st,
		Hub:       events.NewHub(logger),
		Home:      dir,
		OCR:       env.ocr,
		Entity:    env.entity,
		LLM:       env.llm,
		Browser:   env.browser,
		Logger:    logger,
		Workers:   2,
		QueueSize: 16,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.orch.Start(ctx, 2)

	env.client = &store.Client{ID: uuid.NewString(), Name: "acme"}
	if err := st.InsertClient(context.Background(), env.client); err != nil {
		t.Fatalf("InsertClient: %v", err)
	}
	return env
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// seedMaterial inserts a material at the given step with a stored source
// image and, for steps past translating, a translation result.
func (e *testEnv) seedMaterial(t *testing.T, step statemachine.Step) *store.Material {
	t.Helper()
	id := uuid.NewString()
	path := e.home.UploadPath(id + ".jpg")
	if err := os.WriteFile(path, encodeJPEG(t, 32, 24), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	m := &store.Material{
		ID:               id,
		ClientID:         e.client.ID,
		Kind:             store.KindImage,
		FilePath:         e.home.Rel(path),
		OriginalFilename: "page.jpg",
	}
	m.SetStep(step)
	switch step {
	case statemachine.StepUploaded, statemachine.StepTranslating:
	default:
		info := &store.TranslationInfo{
			Regions: []store.Region{{ID: 0, Src: "源文本", Dst: "source text"}},
		}
		info.Statistics.RegionCount = 1
		if err := m.SetTranslationInfo(info); err != nil {
			t.Fatalf("SetTranslationInfo: %v", err)
		}
	}
	if err := e.store.InsertMaterial(context.Background(), m); err != nil {
		t.Fatalf("InsertMaterial: %v", err)
	}
	return m
}

// mutate applies fn to the stored row directly, bypassing the orchestrator.
func (e *testEnv) mutate(t *testing.T, materialID string, fn func(m *store.Material) error) {
	t.Helper()
	ctx := context.Background()
	m, err := e.store.GetMaterial(ctx, materialID)
	if err != nil {
		t.Fatalf("GetMaterial: %v", err)
	}
	if err := fn(m); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := e.store.UpdateMaterial(ctx, m); err != nil {
		t.Fatalf("UpdateMaterial: %v", err)
	}
}

func (e *testEnv) waitForStep(t *testing.T, materialID string, want statemachine.Step) *store.Material {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := e.store.GetMaterial(context.Background(), materialID)
		if err != nil {
			t.Fatalf("GetMaterial: %v", err)
		}
		if m.ProcessingStep == want {
			return m
		}
		if time.Now().After(deadline) {
			t.Fatalf("material %s stuck at %q, want %q", materialID, m.ProcessingStep, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartTranslation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepUploaded)

	started, err := env.orch.StartTranslation(ctx, env.client.ID, nil)
	if err != nil {
		t.Fatalf("StartTranslation: %v", err)
	}
	if len(started) != 1 || started[0] != m.ID {
		t.Fatalf("started = %v, want [%s]", started, m.ID)
	}

	done := env.waitForStep(t, m.ID, statemachine.StepTranslated)
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if done.Status != "翻译完成" {
		t.Errorf("status = %q", done.Status)
	}
	info, err := done.TranslationInfoData()
	if err != nil || info == nil {
		t.Fatalf("TranslationInfoData: %v", err)
	}
	if info.Statistics.RegionCount != 1 || info.Statistics.SrcCharacters != 3 {
		t.Errorf("stats = %+v", info.Statistics)
	}
}

func TestStartTranslationSkipsIneligible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepConfirmed)

	started, err := env.orch.StartTranslation(ctx, env.client.ID, []string{m.ID, "missing"})
	if err != nil {
		t.Fatalf("StartTranslation: %v", err)
	}
	if len(started) != 0 {
		t.Fatalf("started = %v, want none", started)
	}
}

func TestOCRFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ocr.TranslateFunc = func(ctx context.Context, image []byte) (*providers.OCRResult, error) {
		return nil, fmt.Errorf("image too large: %w", providers.ErrFatal)
	}
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepUploaded)

	if _, err := env.orch.StartTranslation(ctx, env.client.ID, []string{m.ID}); err != nil {
		t.Fatalf("StartTranslation: %v", err)
	}
	failed := env.waitForStep(t, m.ID, statemachine.StepFailed)
	if failed.TranslationError == nil || !strings.Contains(*failed.TranslationError, "too large") {
		t.Errorf("translation_error = %v", failed.TranslationError)
	}
}

func TestEntityRecognitionFastFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var gotMode providers.EntityMode
	env.entity.RecognizeFunc = func(ctx context.Context, texts []string, mode providers.EntityMode) (*providers.EntityResult, error) {
		gotMode = mode
		return &providers.EntityResult{Entities: []store.Entity{
			{ChineseName: "张伟", Type: "person"},
		}}, nil
	}
	env.llm.EntityEnglishNamesFunc = func(ctx context.Context, names []string) (map[string]string, error) {
		return map[string]string{"张伟": "Zhang Wei"}, nil
	}

	m := env.seedMaterial(t, statemachine.StepTranslated)
	if err := env.orch.RecognizeEntities(ctx, m.ID, "standard"); err != nil {
		t.Fatalf("RecognizeEntities: %v", err)
	}
	if gotMode != providers.ModeFast {
		t.Errorf("mode = %q, want fast", gotMode)
	}

	pending := env.waitForStep(t, m.ID, statemachine.StepEntityPendingConfirm)
	if !pending.EntityRecognitionTriggered {
		t.Error("entity_recognition_triggered not set")
	}
	if pending.EntityRecognitionResult == nil || !strings.Contains(*pending.EntityRecognitionResult, "Zhang Wei") {
		t.Errorf("result = %v, want backfilled english name", pending.EntityRecognitionResult)
	}

	edits := &store.EntityEdits{
		Entities:            []store.Entity{{ChineseName: "张伟", EnglishName: "Zhang Wei", Type: "person"}},
		TranslationGuidance: store.Guidance{Persons: []string{"张伟 -> Zhang Wei"}},
	}
	_, chained, err := env.orch.ConfirmEntities(ctx, m.ID, edits)
	if err != nil {
		t.Fatalf("ConfirmEntities: %v", err)
	}
	if len(chained) != 1 {
		t.Fatalf("chained = %v, want one", chained)
	}

	final := env.waitForStep(t, m.ID, statemachine.StepLLMTranslated)
	if !final.EntityRecognitionConfirmed {
		t.Error("entity_recognition_confirmed not set")
	}
	got, err := final.LLMTranslations()
	if err != nil || len(got) != 1 {
		t.Fatalf("LLMTranslations = %v, %v", got, err)
	}
}

func TestEntityRecognitionRecoverable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.entity.RecognizeFunc = func(ctx context.Context, texts []string, mode providers.EntityMode) (*providers.EntityResult, error) {
		return nil, fmt.Errorf("service unavailable: %w", providers.ErrRecoverable)
	}

	m := env.seedMaterial(t, statemachine.StepTranslated)
	err := env.orch.RecognizeEntities(ctx, m.ID, "fast")
	if !providers.IsRecoverable(err) {
		t.Fatalf("err = %v, want recoverable", err)
	}

	back := env.waitForStep(t, m.ID, statemachine.StepTranslated)
	if !back.EntityRecognitionTriggered {
		t.Error("entity_recognition_triggered not set")
	}
	if back.EntityRecognitionError == nil {
		t.Error("entity_recognition_error not set")
	}
}

func TestEntityRecognitionDeepAutoConfirms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.entity.RecognizeFunc = func(ctx context.Context, texts []string, mode providers.EntityMode) (*providers.EntityResult, error) {
		if mode != providers.ModeDeep {
			t.Errorf("mode = %q, want deep", mode)
		}
		return &providers.EntityResult{Entities: []store.Entity{
			{ChineseName: "上海", EnglishName: "Shanghai", Type: "location", Source: "web"},
		}}, nil
	}

	m := env.seedMaterial(t, statemachine.StepTranslated)
	if err := env.orch.RecognizeEntities(ctx, m.ID, "analyze"); err != nil {
		t.Fatalf("RecognizeEntities: %v", err)
	}

	final := env.waitForStep(t, m.ID, statemachine.StepLLMTranslated)
	if !final.EntityRecognitionConfirmed {
		t.Error("deep mode should auto-confirm")
	}
	edits, err := final.EntityEditsData()
	if err != nil || edits == nil {
		t.Fatalf("EntityEditsData: %v", err)
	}
	if len(edits.TranslationGuidance.Locations) != 1 {
		t.Errorf("guidance = %+v", edits.TranslationGuidance)
	}
}

func TestSkipEntities(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepEntityPendingConfirm)

	updated, err := env.orch.SkipEntities(ctx, m.ID)
	if err != nil {
		t.Fatalf("SkipEntities: %v", err)
	}
	if updated.ProcessingStep != statemachine.StepTranslated {
		t.Errorf("step = %q", updated.ProcessingStep)
	}
	if !updated.EntityRecognitionTriggered {
		t.Error("entity_recognition_triggered not set")
	}
}

func TestMaterialBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepTranslated)

	if !env.orch.locks.TryAcquire(m.ID) {
		t.Fatal("could not take lock")
	}
	defer env.orch.locks.Release(m.ID)

	if _, err := env.orch.StartLLM(ctx, m.ID); !errors.Is(err, ErrMaterialBusy) {
		t.Fatalf("err = %v, want ErrMaterialBusy", err)
	}
	if !env.orch.Busy(m.ID) {
		t.Error("Busy = false while lock held")
	}
}

func TestInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepUploaded)

	if _, err := env.orch.StartLLM(ctx, m.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmAndUnconfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("rolls back to llm result when present", func(t *testing.T) {
		m := env.seedMaterial(t, statemachine.StepLLMTranslated)
		env.mutate(t, m.ID, func(m *store.Material) error {
			m.HasEditedVersion = true
			return m.SetLLMTranslations([]store.LLMTranslation{{ID: 0, Translation: "refined"}})
		})

		confirmed, err := env.orch.Confirm(ctx, m.ID, SelectedLaTeX)
		if err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if confirmed.ProcessingStep != statemachine.StepConfirmed || confirmed.SelectedResult != SelectedLaTeX {
			t.Errorf("step = %q selected = %q", confirmed.ProcessingStep, confirmed.SelectedResult)
		}

		back, err := env.orch.Unconfirm(ctx, m.ID)
		if err != nil {
			t.Fatalf("Unconfirm: %v", err)
		}
		if back.ProcessingStep != statemachine.StepLLMTranslated {
			t.Errorf("rollback step = %q, want llm_translated", back.ProcessingStep)
		}
		if !back.HasEditedVersion || back.SelectedResult != SelectedLaTeX {
			t.Error("unconfirm must preserve edit state and selection")
		}
	})

	t.Run("rolls back to translated without llm result", func(t *testing.T) {
		m := env.seedMaterial(t, statemachine.StepTranslated)
		if _, err := env.orch.Confirm(ctx, m.ID, ""); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		back, err := env.orch.Unconfirm(ctx, m.ID)
		if err != nil {
			t.Fatalf("Unconfirm: %v", err)
		}
		if back.ProcessingStep != statemachine.StepTranslated {
			t.Errorf("rollback step = %q, want translated", back.ProcessingStep)
		}
	})

	t.Run("re-confirming is a no-op", func(t *testing.T) {
		m := env.seedMaterial(t, statemachine.StepTranslated)
		first, err := env.orch.Confirm(ctx, m.ID, SelectedAPI)
		if err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		again, err := env.orch.Confirm(ctx, m.ID, "")
		if err != nil {
			t.Fatalf("second Confirm: %v", err)
		}
		if again.ProcessingStep != statemachine.StepConfirmed {
			t.Errorf("step = %q, want confirmed", again.ProcessingStep)
		}
		if again.SelectedResult != first.SelectedResult {
			t.Errorf("selected = %q, want %q preserved", again.SelectedResult, first.SelectedResult)
		}
	})

	t.Run("rejects unknown translation type", func(t *testing.T) {
		m := env.seedMaterial(t, statemachine.StepTranslated)
		if _, err := env.orch.Confirm(ctx, m.ID, "draft"); err == nil {
			t.Fatal("expected error for unknown translation_type")
		}
	})

	t.Run("confirms whole session", func(t *testing.T) {
		session := uuid.NewString()
		var pages []*store.Material
		for i := 1; i <= 2; i++ {
			m := env.seedMaterial(t, statemachine.StepTranslated)
			env.mutate(t, m.ID, func(m *store.Material) error {
				m.Kind = store.KindPDF
				m.PDFSessionID = session
				m.PDFPageNumber = i
				m.PDFTotalPages = 2
				return nil
			})
			pages = append(pages, m)
		}
		if _, err := env.orch.Confirm(ctx, pages[0].ID, SelectedAPI); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		for _, p := range pages {
			got, err := env.store.GetMaterial(ctx, p.ID)
			if err != nil {
				t.Fatalf("GetMaterial: %v", err)
			}
			if got.ProcessingStep != statemachine.StepConfirmed {
				t.Errorf("page %d step = %q, want confirmed", got.PDFPageNumber, got.ProcessingStep)
			}
		}
	})
}

func TestRotateResetsMaterial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepTranslated)

	updated, err := env.orch.Rotate(ctx, m.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if updated.ProcessingStep != statemachine.StepUploaded {
		t.Errorf("step = %q, want uploaded", updated.ProcessingStep)
	}
	if updated.TranslationTextInfo != nil {
		t.Error("rotate should clear the translation result")
	}
	if updated.Progress != 0 {
		t.Errorf("progress = %d, want 0", updated.Progress)
	}
}

func TestSaveRegionsAndFinalImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepLLMTranslated)

	regions := []byte(`[{"id":0,"text":"edited","fontSize":14}]`)
	updated, err := env.orch.SaveEditedRegions(ctx, m.ID, regions)
	if err != nil {
		t.Fatalf("SaveEditedRegions: %v", err)
	}
	if !updated.HasEditedVersion || updated.SelectedResult != SelectedAPI {
		t.Errorf("has_edited=%v selected=%q", updated.HasEditedVersion, updated.SelectedResult)
	}
	if updated.ProcessingStep != statemachine.StepLLMTranslated {
		t.Errorf("step changed to %q", updated.ProcessingStep)
	}
	if got := updated.EditedRegionsRaw(); !bytes.Equal(got, regions) {
		t.Errorf("regions = %s", got)
	}

	final, err := env.orch.SaveFinalImage(ctx, m.ID, encodePNG(t, 20, 20))
	if err != nil {
		t.Fatalf("SaveFinalImage: %v", err)
	}
	if final.FinalImagePath == "" {
		t.Fatal("final_image_path not set")
	}
	if _, err := os.Stat(env.home.Resolve(final.FinalImagePath)); err != nil {
		t.Errorf("final image missing: %v", err)
	}
}

func TestIngestImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m, err := env.orch.IngestImage(ctx, env.client.ID, "scan.png", encodePNG(t, 40, 30), true, "deep")
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}
	if m.ProcessingStep != statemachine.StepUploaded || m.Kind != store.KindImage {
		t.Errorf("step = %q kind = %q", m.ProcessingStep, m.Kind)
	}
	if m.EntityRecognitionMode != "deep" || !m.EntityRecognitionEnabled {
		t.Errorf("entity fields = %q enabled=%v", m.EntityRecognitionMode, m.EntityRecognitionEnabled)
	}
	if _, err := os.Stat(env.home.Resolve(m.FilePath)); err != nil {
		t.Errorf("stored image missing: %v", err)
	}
}

func TestIngestImageUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.IngestImage(context.Background(), "nope", "a.png", encodePNG(t, 8, 8), false, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIngestWebpageCachesCaptures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var captures, translatedCaptures atomic.Int64
	shot := encodePNG(t, 64, 48)
	env.browser.CaptureFunc = func(ctx context.Context, url string) ([]byte, error) {
		captures.Add(1)
		return shot, nil
	}
	env.browser.CapturePDFFunc = func(ctx context.Context, url string, translated bool) ([]byte, error) {
		if translated {
			translatedCaptures.Add(1)
		}
		return []byte("%PDF-1.4\n%%EOF\n"), nil
	}

	first, err := env.orch.IngestWebpage(ctx, env.client.ID, "https://example.com/a", false, "")
	if err != nil {
		t.Fatalf("IngestWebpage: %v", err)
	}
	waitForFile(t, env, first.ID)

	got, err := env.store.GetMaterial(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetMaterial: %v", err)
	}
	if got.OriginalPDFPath == "" || got.TranslatedImagePath == "" {
		t.Fatalf("pdf pair missing: original = %q translated = %q",
			got.OriginalPDFPath, got.TranslatedImagePath)
	}
	for _, rel := range []string{got.OriginalPDFPath, got.TranslatedImagePath} {
		if _, err := os.Stat(env.home.Resolve(rel)); err != nil {
			t.Errorf("pdf not on disk: %v", err)
		}
	}

	second, err := env.orch.IngestWebpage(ctx, env.client.ID, "https://example.com/a", false, "")
	if err != nil {
		t.Fatalf("IngestWebpage: %v", err)
	}
	waitForFile(t, env, second.ID)

	if n := captures.Load(); n != 1 {
		t.Errorf("browser captures = %d, want 1 (second should hit cache)", n)
	}
	if n := translatedCaptures.Load(); n != 1 {
		t.Errorf("translated pdf captures = %d, want 1 (second should hit cache)", n)
	}
}

func waitForFile(t *testing.T, env *testEnv, materialID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := env.store.GetMaterial(context.Background(), materialID)
		if err != nil {
			t.Fatalf("GetMaterial: %v", err)
		}
		if m.FilePath != "" {
			return
		}
		if m.ProcessingStep == statemachine.StepFailed {
			t.Fatalf("material failed: %v", m.TranslationError)
		}
		if time.Now().After(deadline) {
			t.Fatal("capture never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfirmEntitiesSessionWide(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := uuid.NewString()

	var pages []*store.Material
	for i := 1; i <= 2; i++ {
		m := env.seedMaterial(t, statemachine.StepEntityPendingConfirm)
		env.mutate(t, m.ID, func(m *store.Material) error {
			m.Kind = store.KindPDF
			m.PDFSessionID = session
			m.PDFPageNumber = i
			m.PDFTotalPages = 2
			return nil
		})
		pages = append(pages, m)
	}

	edits := &store.EntityEdits{TranslationGuidance: store.Guidance{Terms: []string{"术语 -> term"}}}
	_, chained, err := env.orch.ConfirmEntities(ctx, pages[0].ID, edits)
	if err != nil {
		t.Fatalf("ConfirmEntities: %v", err)
	}
	if len(chained) != 2 {
		t.Fatalf("chained = %v, want both pages", chained)
	}
	for _, p := range pages {
		final := env.waitForStep(t, p.ID, statemachine.StepLLMTranslated)
		if !final.EntityRecognitionConfirmed {
			t.Errorf("page %d unconfirmed", final.PDFPageNumber)
		}
	}

	// Confirming again is a no-op.
	if _, _, err := env.orch.ConfirmEntities(ctx, pages[0].ID, edits); err != nil {
		t.Fatalf("repeat ConfirmEntities: %v", err)
	}
}

func TestConfirmEntitiesFillsGuidanceLists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepEntityPendingConfirm)

	// Guidance omitted entirely, as a client confirming without edits sends.
	edits := &store.EntityEdits{Entities: []store.Entity{{ChineseName: "张伟"}}}
	if _, _, err := env.orch.ConfirmEntities(ctx, m.ID, edits); err != nil {
		t.Fatalf("ConfirmEntities: %v", err)
	}

	got := env.waitForStep(t, m.ID, statemachine.StepLLMTranslated)
	if got.EntityUserEdits == nil {
		t.Fatal("entity_user_edits not stored")
	}
	for _, key := range []string{`"persons":[]`, `"locations":[]`, `"organizations":[]`, `"terms":[]`} {
		if !strings.Contains(*got.EntityUserEdits, key) {
			t.Errorf("stored edits missing %s:\n%s", key, *got.EntityUserEdits)
		}
	}
}

func TestDeleteMaterialRemovesFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.seedMaterial(t, statemachine.StepTranslated)
	abs := env.home.Resolve(m.FilePath)

	if err := env.orch.DeleteMaterial(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMaterial: %v", err)
	}
	if _, err := env.store.GetMaterial(ctx, m.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("row still present: %v", err)
	}
	if _, err := os.Stat(abs); !os.IsNotExist(err) {
		t.Errorf("source file still present: %v", err)
	}
}
