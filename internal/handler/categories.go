package handler

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": h.catalog.Categories()})
}

func (h *Handler) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || slices.Contains(h.catalog.Categories(), name) {
		writeError(w, r, http.StatusBadRequest, "ErrCategoryRejected", nil)
		return
	}
	h.catalog.AddCategory(name)
	writeJSON(w, http.StatusCreated, map[string]any{"categories": h.catalog.Categories()})
}

func (h *Handler) handleRenameCategory(w http.ResponseWriter, r *http.Request) {
	oldName := chi.URLParam(r, "name")
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	cats := h.catalog.Categories()
	if !slices.Contains(cats, oldName) {
		writeError(w, r, http.StatusNotFound, "ErrCategoryNotFound", map[string]any{"Name": oldName})
		return
	}
	newName := strings.TrimSpace(req.Name)
	if newName == "" || slices.Contains(cats, newName) {
		writeError(w, r, http.StatusBadRequest, "ErrCategoryRejected", nil)
		return
	}
	h.catalog.UpdateCategory(oldName, newName)
	writeJSON(w, http.StatusOK, map[string]any{"categories": h.catalog.Categories()})
}

func (h *Handler) handleRemoveCategory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !slices.Contains(h.catalog.Categories(), name) {
		writeError(w, r, http.StatusNotFound, "ErrCategoryNotFound", map[string]any{"Name": name})
		return
	}
	h.catalog.RemoveCategory(name)
	writeJSON(w, http.StatusOK, map[string]any{"categories": h.catalog.Categories()})
}
