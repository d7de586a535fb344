package persistence

import "ladder-futures-bot/internal/models"

// LedgerStore defines the interface for ledger and risk state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the strategy and reconciliation code. Reads and writes are wholesale:
// exactly one cycle runs at a time, so no row-level locking is needed.
type LedgerStore interface {
	// LoadLedger returns the persisted buy and sell rows.
	// An empty ledger is returned when nothing has been saved yet.
	LoadLedger() (*models.Ledger, error)

	// SaveLedger atomically replaces both row sets.
	SaveLedger(ledger *models.Ledger) error

	// LoadRiskState returns cooldowns and high-water marks.
	// An initialized empty state is returned when nothing has been saved yet.
	LoadRiskState() (*models.RiskState, error)

	// SaveRiskState atomically replaces every cooldown and HWM document.
	SaveRiskState(state *models.RiskState) error

	// Close gracefully closes the connection to the database.
	Close() error
}
