package handler

import (
	"io"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/studyaide/internal/i18n"
)

const exportFilename = "study-aide-exams.json"

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := h.catalog.Export()
	if err != nil {
		slog.Error("failed to export catalog", "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrExportFailed", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFilename+`"`)
	if _, err := w.Write(data); err != nil {
		slog.Error("failed to write export", "error", err)
	}
}

// handleImport replaces the whole catalog with the posted blob. On failure
// the catalog is left untouched.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody", nil)
		return
	}
	if !h.catalog.Import(data) {
		writeError(w, r, http.StatusBadRequest, "ErrImportFailed", nil)
		return
	}

	count := len(h.catalog.State().Exams)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": appI18n.Tp(r.Context(), "ImportedExams", count),
	})
}
