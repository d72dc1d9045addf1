// Package usage accounts per-account request counts and daily token
// consumption, persisted with debounced writes.
package usage

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// saveInterval is the debounce window between ledger writes.
const saveInterval = 60 * time.Second

// TokenUsageEntry is one day of accumulated token consumption for an
// account. The history is append-only and never reset.
type TokenUsageEntry struct {
	Date         string `json:"date"` // YYYY-MM-DD, UTC
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

type ledgerFile struct {
	LastResetDate string                       `json:"lastResetDate"`
	Requests      map[string]int64             `json:"requests"`
	TokenUsage    map[string][]TokenUsageEntry `json:"tokenUsage"`
}

// Ledger counts requests (reset on UTC rollover) and token usage
// (cumulative) per account. Saves are debounced: at most one write per
// saveInterval, with at most one pending timer at a time.
type Ledger struct {
	path string

	mu        sync.Mutex
	data      ledgerFile
	lastSave  time.Time
	saveTimer *time.Timer
	saves     int

	interval time.Duration
	now      func() time.Time
}

// NewLedger loads the ledger file at path; a missing or malformed file
// starts the ledger empty.
func NewLedger(path string) *Ledger {
	l := &Ledger{
		path:     path,
		interval: saveInterval,
		now:      time.Now,
	}
	l.data = ledgerFile{
		Requests:   make(map[string]int64),
		TokenUsage: make(map[string][]TokenUsageEntry),
	}
	l.data.LastResetDate = utcDate(l.now())

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ Failed to read usage ledger %s: %v", path, err)
		}
		return l
	}
	var f ledgerFile
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Printf("⚠️ Ignoring malformed usage ledger %s: %v", path, err)
		return l
	}
	if f.Requests != nil {
		l.data.Requests = f.Requests
	}
	if f.TokenUsage != nil {
		l.data.TokenUsage = f.TokenUsage
	}
	if f.LastResetDate != "" {
		l.data.LastResetDate = f.LastResetDate
	}
	return l
}

// IncrementRequestCount adds one to the account's daily request count.
func (l *Ledger) IncrementRequestCount(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()
	l.data.Requests[accountID]++
	l.scheduleSaveLocked()
}

// RecordTokenUsage accumulates token consumption into today's entry
// for the account.
func (l *Ledger) RecordTokenUsage(accountID string, inputTokens, outputTokens int64) {
	if inputTokens == 0 && outputTokens == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()

	today := utcDate(l.now())
	entries := l.data.TokenUsage[accountID]
	if n := len(entries); n > 0 && entries[n-1].Date == today {
		entries[n-1].InputTokens += inputTokens
		entries[n-1].OutputTokens += outputTokens
	} else {
		entries = append(entries, TokenUsageEntry{
			Date:         today,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		})
	}
	l.data.TokenUsage[accountID] = entries
	l.scheduleSaveLocked()
}

// RequestCount returns the in-memory daily counter for the account. It
// never blocks on disk.
func (l *Ledger) RequestCount(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()
	return l.data.Requests[accountID]
}

// TokenUsage returns a copy of the account's daily usage history.
func (l *Ledger) TokenUsage(accountID string) []TokenUsageEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.data.TokenUsage[accountID]
	out := make([]TokenUsageEntry, len(entries))
	copy(out, entries)
	return out
}

// Snapshot returns a deep copy of the ledger state for read-outs.
func (l *Ledger) Snapshot() (lastReset string, requests map[string]int64, tokenUsage map[string][]TokenUsageEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()

	requests = make(map[string]int64, len(l.data.Requests))
	for id, n := range l.data.Requests {
		requests[id] = n
	}
	tokenUsage = make(map[string][]TokenUsageEntry, len(l.data.TokenUsage))
	for id, entries := range l.data.TokenUsage {
		cp := make([]TokenUsageEntry, len(entries))
		copy(cp, entries)
		tokenUsage[id] = cp
	}
	return l.data.LastResetDate, requests, tokenUsage
}

// Flush cancels any pending debounced save and writes immediately.
// Called on shutdown so pending counts are not lost.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.saveTimer != nil {
		l.saveTimer.Stop()
		l.saveTimer = nil
	}
	return l.saveLocked()
}

// resetIfNewDayLocked clears request counts on UTC rollover. Token
// usage history is never cleared.
func (l *Ledger) resetIfNewDayLocked() {
	today := utcDate(l.now())
	if today == l.data.LastResetDate {
		return
	}
	l.data.Requests = make(map[string]int64)
	l.data.LastResetDate = today
	l.scheduleSaveLocked()
}

// scheduleSaveLocked saves immediately when the last save is old
// enough, otherwise defers one write to fire exactly interval after the
// last save, coalescing further updates into it.
func (l *Ledger) scheduleSaveLocked() {
	if l.saveTimer != nil {
		return
	}
	elapsed := l.now().Sub(l.lastSave)
	if elapsed >= l.interval {
		if err := l.saveLocked(); err != nil {
			log.Printf("⚠️ Failed to save usage ledger: %v", err)
		}
		return
	}
	l.saveTimer = time.AfterFunc(l.interval-elapsed, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.saveTimer = nil
		if err := l.saveLocked(); err != nil {
			log.Printf("⚠️ Failed to save usage ledger: %v", err)
		}
	})
}

func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return err
	}
	l.lastSave = l.now()
	l.saves++
	return nil
}

func utcDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
