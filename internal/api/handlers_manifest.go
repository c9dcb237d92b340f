package api

import (
	"fmt"
	"net/http"
	"strings"

	"taskhub/internal/manifest"
)

// maxManifestBytes bounds an uploaded manifest.
const maxManifestBytes = 8 << 20

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := manifest.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=taskhub.%s", format))
	if err := manifest.Encode(w, s.host.Export(), format); err != nil {
		s.logger.Error("export manifest", "err", err)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	format, err := importFormat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	doc, err := manifest.Decode(http.MaxBytesReader(w, r.Body, maxManifestBytes), format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_manifest", err.Error())
		return
	}
	res, err := s.host.Apply(r.Context(), doc)
	if err != nil {
		s.writeHostError(w, err, "import manifest")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// importFormat prefers ?format= and falls back to the request content type.
func importFormat(r *http.Request) (manifest.Format, error) {
	if v := r.URL.Query().Get("format"); v != "" {
		return manifest.ParseFormat(v)
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "yaml") {
		return manifest.FormatYAML, nil
	}
	return manifest.FormatJSON, nil
}
