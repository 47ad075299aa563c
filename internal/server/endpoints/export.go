package endpoints

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// ExportEndpoint handles GET /api/clients/{client_id}/export. Packages the
// client's confirmed materials into a ZIP and streams it back as an
// attachment.
type ExportEndpoint struct{}

var _ api.Endpoint = (*ExportEndpoint)(nil)

func (e *ExportEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/clients/{client_id}/export", e.handler
}

func (e *ExportEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	exporter := svcctx.ExporterFrom(r.Context())
	archivePath, err := exporter.Export(r.Context(), r.PathValue("client_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer os.Remove(archivePath)

	f, err := os.Open(archivePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to open archive: %v", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(archivePath)))
	http.ServeContent(w, r, filepath.Base(archivePath), time.Now(), f)
}

func (e *ExportEndpoint) Command(getServerURL func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <client-id>",
		Short: "Download a ZIP of a client's confirmed materials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + "_export.zip"
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()

			client := api.NewClient(getServerURL())
			if err := client.Download(cmd.Context(), "/api/clients/"+args[0]+"/export", f); err != nil {
				os.Remove(output)
				return err
			}
			fmt.Printf("Saved export to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path")
	return cmd
}
