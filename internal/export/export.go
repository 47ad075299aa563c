// Package export packages a client's confirmed materials into a single ZIP
// archive: original files paired with their translated artifacts, merged
// per-session PDFs, and a list.txt manifest of name pairs.
package export

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/transdesk/transdesk/internal/home"
	"github.com/transdesk/transdesk/internal/pdfutil"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// Packager builds export archives.
type Packager struct {
	store  *store.Store
	home   *home.Dir
	llm    providers.LLM
	logger *slog.Logger
}

// New creates a packager. llm may be nil; translated filenames then keep the
// source name.
func New(st *store.Store, dir *home.Dir, llm providers.LLM, logger *slog.Logger) *Packager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{store: st, home: dir, llm: llm, logger: logger}
}

// manifestEntry is one original/translated name pair in list.txt.
type manifestEntry struct {
	original   string
	translated string
}

// Export archives every confirmed material of the client and returns the
// archive path under the exports directory. No confirmed materials is an
// error.
func (p *Packager) Export(ctx context.Context, clientID string) (string, error) {
	client, err := p.store.GetClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	materials, err := p.store.ListMaterials(ctx, clientID)
	if err != nil {
		return "", err
	}

	var singles []store.Material
	sessions := map[string][]store.Material{}
	for _, m := range materials {
		if statemachine.Normalize(m.ProcessingStep) != statemachine.StepConfirmed {
			continue
		}
		if m.Kind == store.KindPDF && m.PDFSessionID != "" {
			sessions[m.PDFSessionID] = append(sessions[m.PDFSessionID], m)
			continue
		}
		singles = append(singles, m)
	}
	if len(singles) == 0 && len(sessions) == 0 {
		return "", fmt.Errorf("client %s has no confirmed materials", clientID)
	}

	archivePath := filepath.Join(p.home.ExportsDir(),
		fmt.Sprintf("%s_%s.zip", client.Name, time.Now().Format("20060102_1504")))
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	var manifest []manifestEntry
	for _, m := range singles {
		entry, err := p.addMaterial(ctx, zw, &m)
		if err != nil {
			p.logger.Warn("skipping material in export", "material", m.ID, "error", err)
			continue
		}
		manifest = append(manifest, entry)
	}

	sessionIDs := make([]string, 0, len(sessions))
	for id := range sessions {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)
	for _, id := range sessionIDs {
		entry, err := p.addSession(zw, sessions[id])
		if err != nil {
			p.logger.Warn("skipping pdf session in export", "session", id, "error", err)
			continue
		}
		manifest = append(manifest, entry)
	}

	if len(manifest) == 0 {
		zw.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("no exportable artifacts for client %s", clientID)
	}
	if err := writeManifest(zw, manifest); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	return archivePath, nil
}

// addMaterial writes the original file and the translated artifact of one
// non-PDF material.
func (p *Packager) addMaterial(ctx context.Context, zw *zip.Writer, m *store.Material) (manifestEntry, error) {
	if m.FilePath == "" {
		return manifestEntry{}, fmt.Errorf("no source file")
	}
	translatedPath := p.translatedArtifact(m)
	if translatedPath == "" {
		return manifestEntry{}, fmt.Errorf("no translated artifact")
	}

	base := baseName(m.OriginalFilename, m.FilePath)
	srcExt := filepath.Ext(m.FilePath)
	originalName := fmt.Sprintf("%s_原文%s", base, srcExt)
	translatedName := fmt.Sprintf("%s_translated%s", p.translateName(ctx, base), filepath.Ext(translatedPath))

	if err := addFile(zw, originalName, p.home.Resolve(m.FilePath)); err != nil {
		return manifestEntry{}, err
	}
	if err := addFile(zw, translatedName, p.home.Resolve(translatedPath)); err != nil {
		return manifestEntry{}, err
	}
	return manifestEntry{original: originalName, translated: translatedName}, nil
}

// addSession writes the original PDF plus a merged PDF built from each
// page's final composite, in page order. Pages without a composite are
// skipped with a warning.
func (p *Packager) addSession(zw *zip.Writer, pages []store.Material) (manifestEntry, error) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].PDFPageNumber < pages[j].PDFPageNumber })
	anchor := pages[0]
	if anchor.OriginalPDFPath == "" {
		return manifestEntry{}, fmt.Errorf("no original PDF")
	}

	var images []string
	for _, page := range pages {
		if page.FinalImagePath == "" {
			p.logger.Warn("page has no final composite, skipping",
				"session", page.PDFSessionID, "page", page.PDFPageNumber)
			continue
		}
		images = append(images, p.home.Resolve(page.FinalImagePath))
	}
	if len(images) == 0 {
		return manifestEntry{}, fmt.Errorf("no composited pages")
	}

	merged := filepath.Join(p.home.ExportsDir(), anchor.PDFSessionID+"_translated.pdf")
	if err := pdfutil.MergeImagesToPDF(images, merged); err != nil {
		return manifestEntry{}, fmt.Errorf("merge pages: %w", err)
	}
	defer os.Remove(merged)

	base := baseName(anchor.PDFOriginalFile, anchor.OriginalPDFPath)
	originalName := base + "_原文.pdf"
	translatedName := base + "_translated.pdf"
	if err := addFile(zw, originalName, p.home.Resolve(anchor.OriginalPDFPath)); err != nil {
		return manifestEntry{}, err
	}
	if err := addFile(zw, translatedName, merged); err != nil {
		return manifestEntry{}, err
	}
	return manifestEntry{original: originalName, translated: translatedName}, nil
}

// translatedArtifact picks the export artifact for a material: the final
// composite when present, else the rendered translation, else the translated
// web snapshot.
func (p *Packager) translatedArtifact(m *store.Material) string {
	if m.FinalImagePath != "" {
		return m.FinalImagePath
	}
	if m.TranslatedImagePath != "" {
		return m.TranslatedImagePath
	}
	return ""
}

// translateName renders the source name in the target language, keeping the
// source name when the helper is unavailable or fails.
func (p *Packager) translateName(ctx context.Context, base string) string {
	if p.llm == nil {
		return base
	}
	translated, err := p.llm.TranslateFilename(ctx, base)
	if err != nil || translated == "" {
		p.logger.Warn("filename translation failed", "name", base, "error", err)
		return base
	}
	return sanitizeName(translated)
}

func baseName(original, path string) string {
	name := original
	if name == "" {
		name = filepath.Base(path)
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return sanitizeName(name)
}

// sanitizeName strips characters that break archive entry names.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
}

func addFile(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// writeManifest emits list.txt: one original/translated pair per block,
// blocks separated by blank lines.
func writeManifest(zw *zip.Writer, entries []manifestEntry) error {
	w, err := zw.Create("list.txt")
	if err != nil {
		return err
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.original)
		b.WriteString("\n")
		b.WriteString(e.translated)
		b.WriteString("\n")
	}
	_, err = io.WriteString(w, b.String())
	return err
}
