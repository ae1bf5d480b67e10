package catalog

import (
	"log/slog"

	"github.com/pavelanni/studyaide/internal/model"
)

// Export serializes the current state to its transportable form.
func (c *Catalog) Export() ([]byte, error) {
	return model.EncodeState(c.State())
}

// Import replaces the whole state with a previously exported blob. It
// reports false and leaves the state untouched when the blob cannot be
// parsed.
func (c *Catalog) Import(data []byte) bool {
	state, err := model.DecodeState(data)
	if err != nil {
		slog.Error("failed to import exams", "error", err)
		return false
	}
	c.update(func(s *model.State) { *s = state })
	slog.Info("imported exams", "exams", len(state.Exams), "categories", len(state.Categories))
	return true
}
