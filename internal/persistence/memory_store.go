package persistence

import (
	"ladder-futures-bot/internal/models"
	"sync"
)

// MemoryStore keeps the ledger in process memory. Used by backtests and tests.
type MemoryStore struct {
	mu     sync.Mutex
	ledger *models.Ledger
	risk   *models.RiskState
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadLedger() (*models.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger == nil {
		return &models.Ledger{}, nil
	}
	return m.ledger.Clone(), nil
}

func (m *MemoryStore) SaveLedger(ledger *models.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ledger == nil {
		m.ledger = nil
		return nil
	}
	m.ledger = ledger.Clone()
	return nil
}

func (m *MemoryStore) LoadRiskState() (*models.RiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRisk(m.risk), nil
}

func (m *MemoryStore) SaveRiskState(state *models.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.risk = cloneRisk(state)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneRisk(s *models.RiskState) *models.RiskState {
	out := models.NewRiskState()
	if s == nil {
		return out
	}
	for k, v := range s.Cooldowns {
		out.Cooldowns[k] = v
	}
	for k, v := range s.HighWaterMarks {
		out.HighWaterMarks[k] = v
	}
	out.LastUpdateTime = s.LastUpdateTime
	return out
}
