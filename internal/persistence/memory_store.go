package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"DepositEngine/internal/event"
	"DepositEngine/internal/state"
	"DepositEngine/internal/wallet"
)

type openKey struct {
	accountID string
	purpose   state.Purpose
}

type eventKey struct {
	eventType event.EventType
	key       string
}

// MemoryStore implements the same contract as PostgresStore in process. A
// single mutex linearizes every write, and the open-deposit index plays the
// role of the partial unique index.
type MemoryStore struct {
	mu sync.RWMutex

	deposits map[uuid.UUID]*state.Deposit
	open     map[openKey]uuid.UUID

	events    []*event.Envelope
	eventKeys map[eventKey]struct{}

	assets      map[state.AssetKey]state.AssetConfig
	assignments []wallet.Assignment
	accounts    map[string]state.Account
	processed   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits:  make(map[uuid.UUID]*state.Deposit),
		open:      make(map[openKey]uuid.UUID),
		eventKeys: make(map[eventKey]struct{}),
		assets:    make(map[state.AssetKey]state.AssetConfig),
		accounts:  make(map[string]state.Account),
		processed: make(map[string]string),
	}
}

// --- Seeding ---

func (m *MemoryStore) PutAsset(cfg state.AssetConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[cfg.Key()] = cfg
}

func (m *MemoryStore) AddAssignment(a wallet.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := state.NormalizeAssetKey(a.Currency, a.Network)
	a.Currency, a.Network = key.Currency, key.Network
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.assignments = append(m.assignments, a)
}

func (m *MemoryStore) PutAccount(a state.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

// --- Deposits ---

func (m *MemoryStore) CreateDeposit(_ context.Context, d *state.Deposit, events []*event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deposits[d.ID]; exists {
		return state.ErrVersionConflict
	}
	if d.IsOpen() {
		k := openKey{d.AccountID, d.Purpose}
		if existing, taken := m.open[k]; taken {
			return &state.DuplicateOpenDepositError{ExistingID: existing, AccountID: d.AccountID, Purpose: d.Purpose}
		}
		m.open[k] = d.ID
	}

	m.deposits[d.ID] = d.Clone()
	m.appendEventsLocked(events)
	return nil
}

func (m *MemoryStore) UpdateDeposit(_ context.Context, d *state.Deposit, expectedVersion int64, events []*event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deposits[d.ID]
	if !ok {
		return state.ErrDepositNotFound
	}
	if cur.Version != expectedVersion {
		return state.ErrVersionConflict
	}
	// Same rule as the terminal guard trigger
	if cur.Status.IsTerminal() && !(cur.Status == state.StatusCompleted && d.Status == state.StatusReversed) {
		return state.ErrIllegalTransition
	}

	if cur.IsOpen() && !d.IsOpen() {
		delete(m.open, openKey{cur.AccountID, cur.Purpose})
	}

	next := cur.Clone()
	next.Confirmations = d.Confirmations
	next.Status = d.Status
	next.FailureReason = d.FailureReason
	next.HoldReason = d.HoldReason
	next.UpdatedAt = d.UpdatedAt
	next.ConfirmedAt = d.ConfirmedAt
	next.CompletedAt = d.CompletedAt
	next.ResolvedAt = d.ResolvedAt
	next.Version = expectedVersion + 1
	m.deposits[d.ID] = next.Clone()

	m.appendEventsLocked(events)
	d.Version = next.Version
	return nil
}

func (m *MemoryStore) appendEventsLocked(events []*event.Envelope) {
	for _, e := range events {
		k := eventKey{e.EventType, e.IdempotencyKey}
		if _, dup := m.eventKeys[k]; dup {
			continue
		}
		m.eventKeys[k] = struct{}{}
		c := *e
		m.events = append(m.events, &c)
	}
}

func (m *MemoryStore) GetDeposit(_ context.Context, id uuid.UUID) (*state.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[id]
	if !ok {
		return nil, state.ErrDepositNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) FindOpenDeposit(_ context.Context, accountID string, purpose state.Purpose) (*state.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.open[openKey{accountID, purpose}]
	if !ok {
		return nil, state.ErrDepositNotFound
	}
	return m.deposits[id].Clone(), nil
}

func (m *MemoryStore) FindOpenByDestination(_ context.Context, key state.AssetKey, address, memo string) ([]*state.Deposit, error) {
	return m.filter(func(d *state.Deposit) bool {
		return d.IsOpen() && d.Currency == key.Currency && d.Network == key.Network &&
			d.Destination.Address == address && d.Destination.Memo == memo
	}, func(a, b *state.Deposit) bool { return a.CreatedAt.Before(b.CreatedAt) }, 0), nil
}

func (m *MemoryStore) ListAccountDeposits(_ context.Context, accountID string, limit int) ([]*state.Deposit, error) {
	return m.filter(func(d *state.Deposit) bool {
		return d.AccountID == accountID
	}, func(a, b *state.Deposit) bool { return a.CreatedAt.After(b.CreatedAt) }, limit), nil
}

func (m *MemoryStore) ListStaleOpen(_ context.Context, before time.Time, limit int) ([]*state.Deposit, error) {
	return m.filter(func(d *state.Deposit) bool {
		return d.IsOpen() && d.UpdatedAt.Before(before)
	}, func(a, b *state.Deposit) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

func (m *MemoryStore) filter(keep func(*state.Deposit) bool, less func(a, b *state.Deposit) bool, limit int) []*state.Deposit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*state.Deposit
	for _, d := range m.deposits {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// --- Events / outbox ---

func (m *MemoryStore) DepositEvents(_ context.Context, depositID uuid.UUID) ([]*event.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*event.Envelope
	for _, e := range m.events {
		if e.DepositID == depositID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) FetchUnpublished(_ context.Context, limit int) ([]*event.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*event.Envelope
	for _, e := range m.events {
		if e.PublishedAt != nil {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, ids []uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, e := range m.events {
		if _, ok := want[e.EventID]; ok && e.PublishedAt == nil {
			t := at
			e.PublishedAt = &t
		}
	}
	return nil
}

func (m *MemoryStore) RecordPublishFailure(context.Context, uuid.UUID) error {
	return nil
}

// --- Reference data ---

func (m *MemoryStore) GetAssetConfig(_ context.Context, key state.AssetKey) (*state.AssetConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.assets[key]
	if !ok {
		return nil, state.ErrUnsupportedAsset
	}
	return &cfg, nil
}

func (m *MemoryStore) UserAssignments(_ context.Context, key state.AssetKey, userID string) ([]wallet.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []wallet.Assignment
	for _, a := range m.assignments {
		if a.Currency == key.Currency && a.Network == key.Network && a.UserID != "" && a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) SharedAssignments(_ context.Context, key state.AssetKey) ([]wallet.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []wallet.Assignment
	for _, a := range m.assignments {
		if a.Currency == key.Currency && a.Network == key.Network && a.UserID == "" {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, accountID string) (*state.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, state.ErrAccountNotFound
	}
	return &a, nil
}

// --- Inbound dedup ---

func (m *MemoryStore) IsDuplicate(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[key]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, key, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[key]; !ok {
		m.processed[key] = outcome
	}
	return nil
}
