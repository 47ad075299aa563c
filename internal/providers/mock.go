package providers

import (
	"context"

	"github.com/transdesk/transdesk/internal/store"
)

// MockOCR is a function-backed OCR for tests.
type MockOCR struct {
	TranslateFunc func(ctx context.Context, image []byte) (*OCRResult, error)
}

func (m *MockOCR) Translate(ctx context.Context, image []byte) (*OCRResult, error) {
	return m.TranslateFunc(ctx, image)
}

// MockEntity is a function-backed Entity for tests.
type MockEntity struct {
	RecognizeFunc func(ctx context.Context, texts []string, mode EntityMode) (*EntityResult, error)
}

func (m *MockEntity) Recognize(ctx context.Context, texts []string, mode EntityMode) (*EntityResult, error) {
	return m.RecognizeFunc(ctx, texts, mode)
}

// MockLLM is a function-backed LLM for tests. Nil funcs answer with empty
// results.
type MockLLM struct {
	RefineFunc             func(ctx context.Context, regions []store.Region, guidance *store.Guidance) ([]store.LLMTranslation, error)
	EntityEnglishNamesFunc func(ctx context.Context, names []string) (map[string]string, error)
	TranslateFilenameFunc  func(ctx context.Context, name string) (string, error)
}

func (m *MockLLM) Refine(ctx context.Context, regions []store.Region, guidance *store.Guidance) ([]store.LLMTranslation, error) {
	if m.RefineFunc == nil {
		out := make([]store.LLMTranslation, len(regions))
		for i, r := range regions {
			out[i] = store.LLMTranslation{ID: r.ID, Translation: r.Dst, Original: r.Dst}
		}
		return out, nil
	}
	return m.RefineFunc(ctx, regions, guidance)
}

func (m *MockLLM) EntityEnglishNames(ctx context.Context, names []string) (map[string]string, error) {
	if m.EntityEnglishNamesFunc == nil {
		return map[string]string{}, nil
	}
	return m.EntityEnglishNamesFunc(ctx, names)
}

func (m *MockLLM) TranslateFilename(ctx context.Context, name string) (string, error) {
	if m.TranslateFilenameFunc == nil {
		return name, nil
	}
	return m.TranslateFilenameFunc(ctx, name)
}

// MockBrowser is a function-backed Browser for tests. A nil CapturePDFFunc
// answers with a minimal PDF.
type MockBrowser struct {
	CaptureFunc    func(ctx context.Context, url string) ([]byte, error)
	CapturePDFFunc func(ctx context.Context, url string, translated bool) ([]byte, error)
}

func (m *MockBrowser) Capture(ctx context.Context, url string) ([]byte, error) {
	return m.CaptureFunc(ctx, url)
}

func (m *MockBrowser) CapturePDF(ctx context.Context, url string, translated bool) ([]byte, error) {
	if m.CapturePDFFunc == nil {
		return []byte("%PDF-1.4\n%%EOF\n"), nil
	}
	return m.CapturePDFFunc(ctx, url, translated)
}

var (
	_ OCR     = (*MockOCR)(nil)
	_ Entity  = (*MockEntity)(nil)
	_ LLM     = (*MockLLM)(nil)
	_ Browser = (*MockBrowser)(nil)
)
