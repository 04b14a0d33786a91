// Package account validates the user configuration file and owns per-account
// identity and enable state. Everything downstream learns about accounts via
// pm.* events.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"quantflow/internal/events"
)

// Account is one validated user entry. Credentials live in memory only and
// are never logged or persisted.
type Account struct {
	UserID       string
	Name         string
	APIKey       string
	APISecret    string
	StrategyName string
	Testnet      bool
	Enabled      bool
}

// Entries decode individually so one malformed account (say, a string
// testnet) is skipped with a reason instead of failing the batch.
type accountFile struct {
	Users map[string]json.RawMessage `json:"users"`
}

type accountEntry struct {
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Strategy  string `json:"strategy"`
	Testnet   *bool  `json:"testnet"`
}

// Registry owns all account state.
type Registry struct {
	bus *events.Bus
	log *zap.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
	failed   map[string]string
}

func NewRegistry(bus *events.Bus, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		bus:      bus,
		log:      log.Named("pm"),
		accounts: make(map[string]*Account),
		failed:   make(map[string]string),
	}
}

// LoadFile reads and loads the account configuration from disk.
func (r *Registry) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read account config: %w", err)
	}
	var cfg accountFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return 0, fmt.Errorf("parse account config: %w", err)
	}
	if cfg.Users == nil {
		return 0, fmt.Errorf("account config missing users section")
	}
	return r.load(cfg.Users), nil
}

// load validates each entry, publishes pm.account.loaded for the valid ones
// and pm.load.failed for the rest, then pm.manager.ready with the batch
// summary. Entries are processed in sorted order so event order is stable.
func (r *Registry) load(users map[string]json.RawMessage) int {
	userIDs := make([]string, 0, len(users))
	for id := range users {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	loaded := 0
	var loadedIDs []string
	for _, userID := range userIDs {
		var entry accountEntry
		if err := json.Unmarshal(users[userID], &entry); err != nil {
			r.recordFailure(userID, "malformed entry: "+err.Error())
			continue
		}
		if reason := validate(entry); reason != "" {
			r.recordFailure(userID, reason)
			continue
		}

		acct := &Account{
			UserID:       userID,
			Name:         entry.Name,
			APIKey:       entry.APIKey,
			APISecret:    entry.APISecret,
			StrategyName: entry.Strategy,
			Enabled:      true,
		}
		if entry.Testnet != nil {
			acct.Testnet = *entry.Testnet
		}

		r.mu.Lock()
		r.accounts[userID] = acct
		r.mu.Unlock()

		loaded++
		loadedIDs = append(loadedIDs, userID)
		r.log.Info("account loaded",
			zap.String("user", userID), zap.String("name", acct.Name),
			zap.String("strategy", acct.StrategyName), zap.Bool("testnet", acct.Testnet))

		_ = r.bus.Publish(events.NewFrom(events.PMAccountLoaded, events.Data{
			"user_id":       userID,
			"name":          acct.Name,
			"api_key":       acct.APIKey,
			"api_secret":    acct.APISecret,
			"strategy_name": acct.StrategyName,
			"testnet":       acct.Testnet,
		}, "pm"))
	}

	r.mu.RLock()
	failedCount := len(r.failed)
	r.mu.RUnlock()

	_ = r.bus.Publish(events.NewFrom(events.PMManagerReady, events.Data{
		"loaded_count": loaded,
		"failed_count": failedCount,
		"user_ids":     loadedIDs,
	}, "pm"))
	r.log.Info("account batch complete",
		zap.Int("loaded", loaded), zap.Int("failed", failedCount))
	return loaded
}

func validate(e accountEntry) string {
	checks := []struct {
		field string
		value string
	}{
		{"name", e.Name},
		{"api_key", e.APIKey},
		{"api_secret", e.APISecret},
		{"strategy", e.Strategy},
	}
	for _, c := range checks {
		if c.value == "" {
			return "missing or empty field: " + c.field
		}
	}
	return ""
}

func (r *Registry) recordFailure(userID, reason string) {
	r.mu.Lock()
	r.failed[userID] = reason
	r.mu.Unlock()

	r.log.Warn("account rejected", zap.String("user", userID), zap.String("reason", reason))
	_ = r.bus.Publish(events.NewFrom(events.PMLoadFailed, events.Data{
		"user_id": userID,
		"error":   reason,
	}, "pm"))
}

// Get returns the account and whether it exists.
func (r *Registry) Get(userID string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[userID]
	return a, ok
}

// UserIDs lists loaded accounts in sorted order.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FailedAccounts returns the rejection reasons recorded during Load.
func (r *Registry) FailedAccounts() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

// Enable flips the account on and announces it.
func (r *Registry) Enable(userID string) error {
	return r.setEnabled(userID, true, events.PMAccountEnabled)
}

// Disable flips the account off and announces it.
func (r *Registry) Disable(userID string) error {
	return r.setEnabled(userID, false, events.PMAccountDisabled)
}

func (r *Registry) setEnabled(userID string, enabled bool, subject string) error {
	r.mu.Lock()
	acct, ok := r.accounts[userID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown account: %s", userID)
	}
	acct.Enabled = enabled
	r.mu.Unlock()

	return r.bus.Publish(events.NewFrom(subject, events.Data{
		"user_id": userID,
	}, "pm"))
}

// Shutdown announces the registry is going away.
func (r *Registry) Shutdown() {
	_ = r.bus.Publish(events.NewFrom(events.PMManagerShutdown, events.Data{}, "pm"))
}
