package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"traffic-violation-service/internal/domain/violation"
)

// LedgerHeader is the first row of every ledger file.
var LedgerHeader = []string{"Timestamp", "Vehicle Type", "Lane ID", "Image Path", "License Plate"}

// Ledger is the append-only CSV record of violations. Appends are serialised.
type Ledger struct {
	path string
	mu   sync.Mutex
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) Path() string { return l.path }

// Append writes records in order, creating the file with a header row when
// it does not exist or is empty.
func (l *Ledger) Append(records ...violation.Record) error {
	if len(records) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(LedgerHeader); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
	}
	for _, r := range records {
		if err := w.Write(ledgerRow(r)); err != nil {
			return fmt.Errorf("write ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	return f.Sync()
}

func ledgerRow(r violation.Record) []string {
	return []string{
		r.Timestamp,
		r.VehicleType,
		strconv.Itoa(r.LaneID),
		r.ImagePath,
		r.LicensePlate,
	}
}
