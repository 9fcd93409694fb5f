// Package reltest provides an in-memory RepositoryManager for unit tests.
// It honors the same sentinel errors and uniqueness rules as the postgres
// implementation; WithTransaction snapshots state and restores it on error,
// so rollback semantics hold.
package reltest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// Manager is the in-memory store. The zero value is not usable; call New.
type Manager struct {
	mu sync.Mutex

	wallets  map[uuid.UUID]relationaldb.Wallet
	txs      map[uuid.UUID]relationaldb.Transaction
	txByRef  map[string]uuid.UUID
	partners map[uuid.UUID]relationaldb.Partner
	keys     map[string]relationaldb.APIKey // by hash
	profiles map[string]relationaldb.AMLRiskProfile
	alerts   map[uuid.UUID]relationaldb.AMLAlert

	// FailNextTransaction, when set, makes the next WithTransaction return
	// this error after running fn, exercising commit-failure paths.
	FailNextTransaction error
}

// New creates an empty in-memory store.
func New() *Manager {
	return &Manager{
		wallets:  make(map[uuid.UUID]relationaldb.Wallet),
		txs:      make(map[uuid.UUID]relationaldb.Transaction),
		txByRef:  make(map[string]uuid.UUID),
		partners: make(map[uuid.UUID]relationaldb.Partner),
		keys:     make(map[string]relationaldb.APIKey),
		profiles: make(map[string]relationaldb.AMLRiskProfile),
		alerts:   make(map[uuid.UUID]relationaldb.AMLAlert),
	}
}

func refKey(partnerID uuid.UUID, referenceID string) string {
	return partnerID.String() + "/" + referenceID
}

func profileKey(playerID, partnerID uuid.UUID) string {
	return playerID.String() + "/" + partnerID.String()
}

func (m *Manager) Open(ctx context.Context) error  { return nil }
func (m *Manager) Close(ctx context.Context) error { return nil }
func (m *Manager) Ping(ctx context.Context) error  { return nil }

func (m *Manager) Wallets() relationaldb.WalletRepository           { return (*walletRepo)(m) }
func (m *Manager) Transactions() relationaldb.TransactionRepository { return (*txRepo)(m) }
func (m *Manager) Partners() relationaldb.PartnerRepository         { return (*partnerRepo)(m) }
func (m *Manager) APIKeys() relationaldb.APIKeyRepository           { return (*keyRepo)(m) }
func (m *Manager) AML() relationaldb.AMLRepository                  { return (*amlRepo)(m) }

type fakeTxContext struct{ m *Manager }

func (t fakeTxContext) Commit(ctx context.Context) error   { return nil }
func (t fakeTxContext) Rollback(ctx context.Context) error { return nil }

func (t fakeTxContext) Wallets() relationaldb.WalletRepository           { return (*walletRepo)(t.m) }
func (t fakeTxContext) Transactions() relationaldb.TransactionRepository { return (*txRepo)(t.m) }
func (t fakeTxContext) AML() relationaldb.AMLRepository                  { return (*amlRepo)(t.m) }

// WithTransaction runs fn against the store, restoring the pre-transaction
// snapshot when fn fails or panics.
func (m *Manager) WithTransaction(ctx context.Context, fn func(relationaldb.TransactionContext) error) error {
	snapshot := m.snapshot()
	restore := func() {
		m.mu.Lock()
		snapshot.apply(m)
		m.mu.Unlock()
	}

	defer func() {
		if p := recover(); p != nil {
			restore()
			panic(p)
		}
	}()

	if err := fn(fakeTxContext{m}); err != nil {
		restore()
		return err
	}
	if err := m.FailNextTransaction; err != nil {
		m.FailNextTransaction = nil
		restore()
		return err
	}
	return nil
}

type state struct {
	wallets  map[uuid.UUID]relationaldb.Wallet
	txs      map[uuid.UUID]relationaldb.Transaction
	txByRef  map[string]uuid.UUID
	profiles map[string]relationaldb.AMLRiskProfile
	alerts   map[uuid.UUID]relationaldb.AMLAlert
}

func (m *Manager) snapshot() state {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state{
		wallets:  make(map[uuid.UUID]relationaldb.Wallet, len(m.wallets)),
		txs:      make(map[uuid.UUID]relationaldb.Transaction, len(m.txs)),
		txByRef:  make(map[string]uuid.UUID, len(m.txByRef)),
		profiles: make(map[string]relationaldb.AMLRiskProfile, len(m.profiles)),
		alerts:   make(map[uuid.UUID]relationaldb.AMLAlert, len(m.alerts)),
	}
	for k, v := range m.wallets {
		s.wallets[k] = v
	}
	for k, v := range m.txs {
		s.txs[k] = v
	}
	for k, v := range m.txByRef {
		s.txByRef[k] = v
	}
	for k, v := range m.profiles {
		s.profiles[k] = v
	}
	for k, v := range m.alerts {
		s.alerts[k] = v
	}
	return s
}

func (s state) apply(m *Manager) {
	m.wallets = s.wallets
	m.txs = s.txs
	m.txByRef = s.txByRef
	m.profiles = s.profiles
	m.alerts = s.alerts
}

// SeedWallet inserts a wallet directly, bypassing uniqueness checks.
func (m *Manager) SeedWallet(w relationaldb.Wallet) {
	m.mu.Lock()
	m.wallets[w.ID] = w
	m.mu.Unlock()
}

// SeedPartner inserts a partner directly.
func (m *Manager) SeedPartner(p relationaldb.Partner) {
	m.mu.Lock()
	m.partners[p.ID] = p
	m.mu.Unlock()
}

// SeedAPIKey inserts a credential directly.
func (m *Manager) SeedAPIKey(k relationaldb.APIKey) {
	m.mu.Lock()
	m.keys[k.KeyHash] = k
	m.mu.Unlock()
}

// TransactionCount reports how many transactions are stored.
func (m *Manager) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

type walletRepo Manager

func (r *walletRepo) find(playerID, partnerID uuid.UUID, currency string) (*relationaldb.Wallet, error) {
	for _, w := range r.wallets {
		if w.PlayerID == playerID && w.PartnerID == partnerID && w.Currency == currency {
			out := w
			return &out, nil
		}
	}
	return nil, relationaldb.ErrWalletNotFound
}

func (r *walletRepo) FindByPlayer(ctx context.Context, playerID, partnerID uuid.UUID, currency string) (*relationaldb.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(playerID, partnerID, currency)
}

func (r *walletRepo) FindForUpdate(ctx context.Context, playerID, partnerID uuid.UUID, currency string) (*relationaldb.Wallet, error) {
	return r.FindByPlayer(ctx, playerID, partnerID, currency)
}

func (r *walletRepo) GetByID(ctx context.Context, id uuid.UUID) (*relationaldb.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return nil, relationaldb.ErrWalletNotFound
	}
	out := w
	return &out, nil
}

func (r *walletRepo) Create(ctx context.Context, w *relationaldb.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.find(w.PlayerID, w.PartnerID, w.Currency); err == nil {
		return relationaldb.ErrDuplicateWallet
	}
	stored := *w
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.wallets[w.ID] = stored
	return nil
}

func (r *walletRepo) UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return relationaldb.ErrWalletNotFound
	}
	w.Balance = balance
	w.UpdatedAt = time.Now()
	r.wallets[id] = w
	return nil
}

type txRepo Manager

func (r *txRepo) FindByReference(ctx context.Context, partnerID uuid.UUID, referenceID string) (*relationaldb.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.txByRef[refKey(partnerID, referenceID)]
	if !ok {
		return nil, relationaldb.ErrTransactionNotFound
	}
	t := r.txs[id]
	return &t, nil
}

func (r *txRepo) Insert(ctx context.Context, t *relationaldb.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := refKey(t.PartnerID, t.ReferenceID)
	if _, ok := r.txByRef[key]; ok {
		return relationaldb.ErrDuplicateReference
	}
	r.txs[t.ID] = *t
	r.txByRef[key] = t.ID
	return nil
}

func (r *txRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status relationaldb.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[id]
	if !ok {
		return relationaldb.ErrTransactionNotFound
	}
	t.Status = status
	r.txs[id] = t
	return nil
}

func (r *txRepo) ListByPlayer(ctx context.Context, playerID, partnerID uuid.UUID, filter relationaldb.TransactionFilter) ([]relationaldb.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []relationaldb.Transaction
	for _, t := range r.txs {
		if t.PlayerID != playerID || t.PartnerID != partnerID {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && t.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !t.CreatedAt.Before(filter.Until) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

type partnerRepo Manager

func (r *partnerRepo) GetByID(ctx context.Context, id uuid.UUID) (*relationaldb.Partner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partners[id]
	if !ok {
		return nil, relationaldb.ErrPartnerNotFound
	}
	return &p, nil
}

func (r *partnerRepo) GetByCode(ctx context.Context, code string) (*relationaldb.Partner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.partners {
		if p.Code == code {
			out := p
			return &out, nil
		}
	}
	return nil, relationaldb.ErrPartnerNotFound
}

func (r *partnerRepo) Create(ctx context.Context, p *relationaldb.Partner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.partners {
		if existing.Code == p.Code {
			return relationaldb.NewConstraintError("create_partner", "partner code already exists", nil)
		}
	}
	r.partners[p.ID] = *p
	return nil
}

type keyRepo Manager

func (r *keyRepo) GetByHash(ctx context.Context, keyHash string) (*relationaldb.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyHash]
	if !ok {
		return nil, relationaldb.ErrAPIKeyNotFound
	}
	return &k, nil
}

func (r *keyRepo) Create(ctx context.Context, k *relationaldb.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[k.KeyHash]; ok {
		return relationaldb.NewConstraintError("create_api_key", "api key hash already exists", nil)
	}
	r.keys[k.KeyHash] = *k
	return nil
}

func (r *keyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, k := range r.keys {
		if k.ID == id {
			k.LastUsedAt = &at
			r.keys[hash] = k
			return nil
		}
	}
	return relationaldb.ErrAPIKeyNotFound
}

type amlRepo Manager

func (r *amlRepo) GetOrCreateProfile(ctx context.Context, playerID, partnerID uuid.UUID) (*relationaldb.AMLRiskProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := profileKey(playerID, partnerID)
	if p, ok := r.profiles[key]; ok {
		out := p
		out.RiskFactors = copyFactors(p.RiskFactors)
		return &out, nil
	}
	p := relationaldb.AMLRiskProfile{
		PlayerID:    playerID,
		PartnerID:   partnerID,
		RiskLevel:   relationaldb.RiskLow,
		RiskFactors: make(map[string]relationaldb.FactorHistory),
		CreatedAt:   time.Now(),
	}
	r.profiles[key] = p
	out := p
	out.RiskFactors = copyFactors(p.RiskFactors)
	return &out, nil
}

func (r *amlRepo) UpdateProfile(ctx context.Context, p *relationaldb.AMLRiskProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := profileKey(p.PlayerID, p.PartnerID)
	if _, ok := r.profiles[key]; !ok {
		return fmt.Errorf("risk profile does not exist")
	}
	stored := *p
	stored.RiskFactors = copyFactors(p.RiskFactors)
	stored.LastCalculatedAt = time.Now()
	r.profiles[key] = stored
	return nil
}

func (r *amlRepo) InsertAlert(ctx context.Context, a *relationaldb.AMLAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[a.ID] = *a
	return nil
}

func (r *amlRepo) GetAlert(ctx context.Context, id uuid.UUID) (*relationaldb.AMLAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, relationaldb.ErrAlertNotFound
	}
	return &a, nil
}

func (r *amlRepo) UpdateAlert(ctx context.Context, a *relationaldb.AMLAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[a.ID]; !ok {
		return relationaldb.ErrAlertNotFound
	}
	r.alerts[a.ID] = *a
	return nil
}

func (r *amlRepo) ListAlerts(ctx context.Context, filter relationaldb.AlertFilter) ([]relationaldb.AMLAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []relationaldb.AMLAlert
	for _, a := range r.alerts {
		if filter.PartnerID != uuid.Nil && a.PartnerID != filter.PartnerID {
			continue
		}
		if filter.PlayerID != uuid.Nil && a.PlayerID != filter.PlayerID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !a.CreatedAt.Before(filter.Until) {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func copyFactors(in map[string]relationaldb.FactorHistory) map[string]relationaldb.FactorHistory {
	out := make(map[string]relationaldb.FactorHistory, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
