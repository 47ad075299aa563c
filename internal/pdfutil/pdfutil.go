// Package pdfutil wraps the PDF operations the pipeline needs: page
// counting, rasterizing pages to images, and assembling translated pages
// back into a document.
package pdfutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount returns the number of pages in the PDF at path.
func PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open PDF %s: %w", path, err)
	}
	defer f.Close()

	count, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("count pages in %s: %w", path, err)
	}
	return count, nil
}

// RasterizePages renders every page of the PDF to a JPEG using pdftoppm
// (poppler-utils). Output files are written next to prefix as
// {prefix}_page_NNN.jpg and returned in page order.
//
// pdfcpu cannot render page content, so this shells out the same way the
// audio pipeline shells out to ffmpeg.
func RasterizePages(ctx context.Context, pdfPath, outputPrefix string, dpi int) ([]string, error) {
	if dpi <= 0 {
		dpi = 150
	}
	if err := os.MkdirAll(filepath.Dir(outputPrefix), 0o755); err != nil {
		return nil, fmt.Errorf("create raster output dir: %w", err)
	}

	// -jpeg: JPEG output
	// -r: render DPI
	// pdftoppm appends -N (page number) to the prefix on its own.
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-jpeg",
		"-r", fmt.Sprintf("%d", dpi),
		pdfPath,
		outputPrefix,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w\nOutput: %s", err, string(output))
	}

	pages, err := collectRasterPages(outputPrefix)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages for %s", pdfPath)
	}

	// Rename pdftoppm's -N suffix to the canonical _page_NNN form.
	renamed := make([]string, 0, len(pages))
	for i, src := range pages {
		dst := fmt.Sprintf("%s_page_%03d.jpg", outputPrefix, i+1)
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("rename raster page: %w", err)
		}
		renamed = append(renamed, dst)
	}
	return renamed, nil
}

// collectRasterPages finds pdftoppm output files for the prefix, sorted by
// page number. pdftoppm zero-pads page numbers to a uniform width, so
// lexicographic order is page order.
func collectRasterPages(outputPrefix string) ([]string, error) {
	matches, err := filepath.Glob(outputPrefix + "-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("glob raster pages: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// MergeImagesToPDF assembles image files into a single PDF, one page per
// image, in the given order.
func MergeImagesToPDF(imagePaths []string, outputPath string) error {
	if len(imagePaths) == 0 {
		return fmt.Errorf("no images to merge")
	}
	for _, p := range imagePaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("missing page image %s: %w", p, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create merge output dir: %w", err)
	}
	if err := api.ImportImagesFile(imagePaths, outputPath, nil, nil); err != nil {
		return fmt.Errorf("assemble PDF %s: %w", outputPath, err)
	}
	return nil
}

// IsPDF reports whether the filename carries a .pdf extension.
func IsPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
