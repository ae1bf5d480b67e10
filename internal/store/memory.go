package store

import (
	"sync"

	"github.com/pavelanni/studyaide/internal/model"
)

// Memory keeps the encoded catalog in process memory. Nothing survives a
// restart.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load() (model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return model.Normalize(model.State{}), nil
	}
	return model.DecodeState(m.data)
}

func (m *Memory) Save(state model.State) error {
	data, err := model.EncodeState(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}
