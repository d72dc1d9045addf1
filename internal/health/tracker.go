// Package health tracks which accounts are unusable for the rest of
// the current UTC day (quota exhausted or invalid tokens).
package health

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

type healthFile struct {
	Accounts  []string `json:"accounts"`
	LastReset string   `json:"lastReset"` // YYYY-MM-DD, UTC
}

// Tracker maintains the failed-account set with a UTC-day reset
// boundary, persisted as one JSON file.
type Tracker struct {
	path string

	mu        sync.Mutex
	failed    map[string]struct{}
	lastReset string
	saves     int

	now func() time.Time
}

// NewTracker loads the failed-accounts file at path; a missing or
// unreadable file starts the tracker empty.
func NewTracker(path string) *Tracker {
	t := &Tracker{
		path:   path,
		failed: make(map[string]struct{}),
		now:    time.Now,
	}
	t.lastReset = utcDate(t.now())

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ Failed to read failed-accounts file %s: %v", path, err)
		}
		return t
	}
	var f healthFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("⚠️ Ignoring malformed failed-accounts file %s: %v", path, err)
		return t
	}
	for _, id := range f.Accounts {
		t.failed[id] = struct{}{}
	}
	if f.LastReset != "" {
		t.lastReset = f.LastReset
	}
	return t
}

// ResetIfNewDay clears the failed set the first time any operation
// observes a UTC date different from the stored one.
func (t *Tracker) ResetIfNewDay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewDayLocked()
}

func (t *Tracker) resetIfNewDayLocked() {
	today := utcDate(t.now())
	if today == t.lastReset {
		return
	}
	if len(t.failed) > 0 {
		log.Printf("🌅 UTC day rollover: clearing %d failed account(s)", len(t.failed))
	}
	t.failed = make(map[string]struct{})
	t.lastReset = today
	t.persistLocked()
}

// MarkFailed adds the account to the failed set. Idempotent; persists
// only on actual change.
func (t *Tracker) MarkFailed(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewDayLocked()
	if _, ok := t.failed[accountID]; ok {
		return
	}
	t.failed[accountID] = struct{}{}
	log.Printf("🚫 Account %q marked failed until next UTC day", accountID)
	t.persistLocked()
}

// IsFailed reports whether the account is currently marked failed.
func (t *Tracker) IsFailed(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewDayLocked()
	_, ok := t.failed[accountID]
	return ok
}

// HealthyAccounts returns allIDs minus the failed set, preserving order.
func (t *Tracker) HealthyAccounts(allIDs []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewDayLocked()

	healthy := make([]string, 0, len(allIDs))
	for _, id := range allIDs {
		if _, ok := t.failed[id]; !ok {
			healthy = append(healthy, id)
		}
	}
	return healthy
}

// FailedAccounts returns the sorted failed account ids.
func (t *Tracker) FailedAccounts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewDayLocked()

	ids := make([]string, 0, len(t.failed))
	for id := range t.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) persistLocked() {
	ids := make([]string, 0, len(t.failed))
	for id := range t.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(healthFile{Accounts: ids, LastReset: t.lastReset}, "", "  ")
	if err != nil {
		log.Printf("⚠️ Failed to encode failed-accounts file: %v", err)
		return
	}
	if err := os.WriteFile(t.path, data, 0o600); err != nil {
		log.Printf("⚠️ Failed to write failed-accounts file %s: %v", t.path, err)
		return
	}
	t.saves++
}

func utcDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
