package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"ladder-futures-bot/internal/models"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var (
	buyLedgerKey  = []byte("ledger/buy")
	sellLedgerKey = []byte("ledger/sell")
	riskMetaKey   = []byte("risk/meta")
	cooldownPfx   = "cooldown/"
	hwmPfx        = "hwm/"
)

// badgerStore is the BadgerDB implementation of the LedgerStore.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates and returns a new store connected to a BadgerDB database.
func NewBadgerStore(dbPath string) (LedgerStore, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryBadgerStore opens a badger instance that never touches disk.
func NewInMemoryBadgerStore() (LedgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (LedgerStore, error) {
	// Badger's own logging is disabled to keep the app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

// SaveLedger marshals both row sets to JSON and writes them in one transaction.
func (r *badgerStore) SaveLedger(ledger *models.Ledger) error {
	if ledger == nil {
		ledger = &models.Ledger{}
	}
	buys, err := json.Marshal(ledger.Buys)
	if err != nil {
		return err
	}
	sells, err := json.Marshal(ledger.Sells)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(buyLedgerKey, buys); err != nil {
			return err
		}
		return txn.Set(sellLedgerKey, sells)
	})
}

// LoadLedger reads both row sets. Missing keys yield empty row sets.
func (r *badgerStore) LoadLedger() (*models.Ledger, error) {
	ledger := &models.Ledger{}

	err := r.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, buyLedgerKey, &ledger.Buys); err != nil {
			return fmt.Errorf("buy ledger: %w", err)
		}
		if err := getJSON(txn, sellLedgerKey, &ledger.Sells); err != nil {
			return fmt.Errorf("sell ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// SaveRiskState stores each cooldown and HWM under its own market key.
// Stale keys of markets no longer present are removed in the same transaction.
func (r *badgerStore) SaveRiskState(state *models.RiskState) error {
	if state == nil {
		state = models.NewRiskState()
	}

	return r.db.Update(func(txn *badger.Txn) error {
		for _, pfx := range []string{cooldownPfx, hwmPfx} {
			keys, err := keysWithPrefix(txn, pfx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}

		for market, c := range state.Cooldowns {
			if err := setJSON(txn, []byte(cooldownPfx+market), c); err != nil {
				return err
			}
		}
		for market, hwm := range state.HighWaterMarks {
			if err := setJSON(txn, []byte(hwmPfx+market), hwm); err != nil {
				return err
			}
		}
		return setJSON(txn, riskMetaKey, state.LastUpdateTime)
	})
}

// LoadRiskState assembles the per-market cooldown and HWM documents.
func (r *badgerStore) LoadRiskState() (*models.RiskState, error) {
	state := models.NewRiskState()

	err := r.db.View(func(txn *badger.Txn) error {
		if err := scanPrefix(txn, cooldownPfx, func(market string, val []byte) error {
			var c models.CooldownState
			if err := json.Unmarshal(val, &c); err != nil {
				return fmt.Errorf("cooldown %s: %w", market, err)
			}
			state.Cooldowns[market] = c
			return nil
		}); err != nil {
			return err
		}
		if err := scanPrefix(txn, hwmPfx, func(market string, val []byte) error {
			var hwm float64
			if err := json.Unmarshal(val, &hwm); err != nil {
				return fmt.Errorf("hwm %s: %w", market, err)
			}
			state.HighWaterMarks[market] = hwm
			return nil
		}); err != nil {
			return err
		}
		var ts time.Time
		if err := getJSON(txn, riskMetaKey, &ts); err != nil {
			return err
		}
		state.LastUpdateTime = ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerStore) Close() error {
	return r.db.Close()
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// getJSON decodes the value at key into v. A missing key leaves v untouched.
func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("value is empty in database")
		}
		return json.Unmarshal(val, v)
	})
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(suffix string, val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	pfx := []byte(prefix)
	for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
		item := it.Item()
		suffix := strings.TrimPrefix(string(item.Key()), prefix)
		if err := item.Value(func(val []byte) error {
			return fn(suffix, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

func keysWithPrefix(txn *badger.Txn, prefix string) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	pfx := []byte(prefix)
	for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}
