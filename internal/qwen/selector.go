package qwen

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
)

type candidate struct {
	accountID   string
	cred        *auth.Credential
	minutesLeft float64
}

// bestAccount picks the healthy, non-excluded account whose token has
// the most minutes left (stable account-id order breaks ties). Expired
// candidates are refreshed on demand; a refresh failure skips the
// candidate without marking it failed, since a refresh failure alone
// is not a quota or ban signal.
func (c *Client) bestAccount(ctx context.Context, exclude map[string]struct{}) (*candidate, error) {
	creds := c.store.LoadAll()

	ids := make([]string, 0, len(creds))
	for id := range creds {
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	healthy := c.tracker.HealthyAccounts(ids)

	now := time.Now()
	candidates := make([]candidate, 0, len(healthy))
	for _, id := range healthy {
		if _, skip := exclude[id]; skip {
			continue
		}
		cred, ok := creds[id]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			accountID:   id,
			cred:        cred,
			minutesLeft: cred.MinutesLeft(now),
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoAccountsAvailable
	}

	// Freshest first; the slice is already in account-id order, so a
	// stable sort keeps that order for equal expiry times.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].minutesLeft > candidates[j].minutesLeft
	})

	for i := range candidates {
		cand := candidates[i]
		if auth.IsValid(cand.cred) {
			return &cand, nil
		}
		refreshed, err := c.manager.Refresh(ctx, cand.accountID)
		if err != nil {
			log.Printf("⚠️ Skipping account %q: refresh failed: %v", cand.accountID, err)
			continue
		}
		cand.cred = refreshed
		return &cand, nil
	}
	return nil, ErrNoAccountsAvailable
}
