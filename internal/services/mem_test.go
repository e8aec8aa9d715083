package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creatordeals/backend/internal/ledger"
	"github.com/creatordeals/backend/internal/models"
	"github.com/creatordeals/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory database. InTx holds one mutex for the whole unit of work, so
// transactions are serializable, and restores a snapshot when fn fails. The
// *Tx methods below run with that mutex held; the others take it themselves.
// ---------------------------------------------------------------------------

type memState struct {
	balances map[uuid.UUID]models.Balance
	txns     []models.Transaction
	invoices map[uuid.UUID]models.Invoice
	escrows  map[uuid.UUID]models.EscrowRecord
	deals    map[uuid.UUID]models.Deal
	disputes map[uuid.UUID]models.Dispute
}

func newMemState() *memState {
	return &memState{
		balances: map[uuid.UUID]models.Balance{},
		invoices: map[uuid.UUID]models.Invoice{},
		escrows:  map[uuid.UUID]models.EscrowRecord{},
		deals:    map[uuid.UUID]models.Deal{},
		disputes: map[uuid.UUID]models.Dispute{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.balances {
		c.balances[k] = v
	}
	c.txns = append([]models.Transaction(nil), s.txns...)
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.deals {
		c.deals[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	return c
}

type memDB struct {
	mu sync.Mutex
	st *memState

	// failEscrowUpdate, when set, is returned by the next escrow UpdateTx.
	failEscrowUpdate error
}

func newMemDB() *memDB { return &memDB{st: newMemState()} }

func (db *memDB) InTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	snap := db.st.clone()
	if err := fn(nil); err != nil {
		db.st = snap
		return err
	}
	return nil
}

func (db *memDB) read(fn func(st *memState)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.st)
}

// ---

type memLedger struct{ db *memDB }

var _ ledger.Store = memLedger{}

func (m memLedger) Reserve(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := m.db.st.balances[userID]
	if b.Available < amount {
		return nil, &ledger.InsufficientFundsError{Required: amount, Available: b.Available}
	}
	b.UserID = userID
	b.Available -= amount
	b.Reserved += amount
	m.db.st.balances[userID] = b
	return &b, nil
}

func (m memLedger) Release(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := m.db.st.balances[userID]
	b.UserID = userID
	b.Reserved = max(b.Reserved-amount, 0)
	m.db.st.balances[userID] = b
	return &b, nil
}

func (m memLedger) Credit(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := m.db.st.balances[userID]
	b.UserID = userID
	b.Available += amount
	m.db.st.balances[userID] = b
	return &b, nil
}

func (m memLedger) ReturnReserved(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	b := m.db.st.balances[userID]
	if b.Reserved < amount {
		return nil, ledger.ErrReservedShortfall
	}
	b.UserID = userID
	b.Reserved -= amount
	b.Available += amount
	m.db.st.balances[userID] = b
	return &b, nil
}

func (m memLedger) InsertTransaction(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	m.db.st.txns = append(m.db.st.txns, *t)
	return nil
}

func (m memLedger) GetBalance(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	var b models.Balance
	m.db.read(func(st *memState) { b = st.balances[userID] })
	b.UserID = userID
	return &b, nil
}

func (m memLedger) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	var out []*models.Transaction
	m.db.read(func(st *memState) {
		for i := len(st.txns) - 1; i >= 0 && len(out) < limit; i-- {
			if st.txns[i].UserID == userID {
				t := st.txns[i]
				out = append(out, &t)
			}
		}
	})
	return out, nil
}

// ---

type memInvoices struct{ db *memDB }

func (m memInvoices) CreateTx(_ context.Context, _ pgx.Tx, inv *models.Invoice) error {
	for _, other := range m.db.st.invoices {
		if other.InvoiceNumber == inv.InvoiceNumber {
			return repository.ErrDuplicate
		}
	}
	m.db.st.invoices[inv.ID] = *inv
	return nil
}

func (m memInvoices) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Invoice, error) {
	inv, ok := m.db.st.invoices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &inv, nil
}

func (m memInvoices) MarkPaidTx(_ context.Context, _ pgx.Tx, id, paidBy uuid.UUID, paidAt time.Time) error {
	inv, ok := m.db.st.invoices[id]
	if !ok || inv.Status != models.InvoiceStatusPending {
		return repository.ErrStale
	}
	inv.Status = models.InvoiceStatusPaid
	inv.PaidBy = &paidBy
	inv.PaidAt = &paidAt
	m.db.st.invoices[id] = inv
	return nil
}

func (m memInvoices) CountPendingTx(_ context.Context, _ pgx.Tx, dealID uuid.UUID) (int, error) {
	n := 0
	for _, inv := range m.db.st.invoices {
		if inv.DealID == dealID && inv.Status == models.InvoiceStatusPending {
			n++
		}
	}
	return n, nil
}

func (m memInvoices) ListByDeal(_ context.Context, dealID uuid.UUID) ([]*models.Invoice, error) {
	var out []*models.Invoice
	m.db.read(func(st *memState) {
		for _, inv := range st.invoices {
			if inv.DealID == dealID {
				cp := inv
				out = append(out, &cp)
			}
		}
	})
	return out, nil
}

// ---

type memEscrows struct{ db *memDB }

func (m memEscrows) CreateTx(_ context.Context, _ pgx.Tx, e *models.EscrowRecord) error {
	if e.InvoiceID != nil {
		for _, other := range m.db.st.escrows {
			if other.InvoiceID != nil && *other.InvoiceID == *e.InvoiceID {
				return repository.ErrDuplicate
			}
		}
	}
	m.db.st.escrows[e.ID] = *e
	return nil
}

func (m memEscrows) GetByID(_ context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	var (
		e  models.EscrowRecord
		ok bool
	)
	m.db.read(func(st *memState) { e, ok = st.escrows[id] })
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (m memEscrows) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.EscrowRecord, error) {
	e, ok := m.db.st.escrows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (m memEscrows) GetByMilestoneForUpdate(_ context.Context, _ pgx.Tx, milestoneID uuid.UUID) (*models.EscrowRecord, error) {
	for _, e := range m.db.st.escrows {
		if e.MilestoneID != nil && *e.MilestoneID == milestoneID {
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memEscrows) UpdateTx(_ context.Context, _ pgx.Tx, e *models.EscrowRecord, from models.EscrowState) error {
	if err := m.db.failEscrowUpdate; err != nil {
		m.db.failEscrowUpdate = nil
		return err
	}
	cur, ok := m.db.st.escrows[e.ID]
	if !ok || cur.State != from {
		return repository.ErrStale
	}
	m.db.st.escrows[e.ID] = *e
	return nil
}

func (m memEscrows) CountOpenTx(_ context.Context, _ pgx.Tx, dealID uuid.UUID) (int, error) {
	n := 0
	for _, e := range m.db.st.escrows {
		if e.DealID == dealID && !e.State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m memEscrows) ListByDeal(_ context.Context, dealID uuid.UUID) ([]*models.EscrowRecord, error) {
	var out []*models.EscrowRecord
	m.db.read(func(st *memState) {
		for _, e := range st.escrows {
			if e.DealID == dealID {
				cp := e
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// ---

type memDeals struct{ db *memDB }

func (m memDeals) GetByID(_ context.Context, id uuid.UUID) (*models.Deal, error) {
	var (
		d  models.Deal
		ok bool
	)
	m.db.read(func(st *memState) { d, ok = st.deals[id] })
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (m memDeals) GetByIDTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	d, ok := m.db.st.deals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (m memDeals) UpdateStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status string) error {
	d, ok := m.db.st.deals[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	m.db.st.deals[id] = d
	return nil
}

func (m memDeals) SetPublicationURLTx(_ context.Context, _ pgx.Tx, id uuid.UUID, url string) error {
	d, ok := m.db.st.deals[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.PublicationURL = &url
	m.db.st.deals[id] = d
	return nil
}

// ---

type memDisputes struct{ db *memDB }

func (m memDisputes) CreateTx(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	m.db.st.disputes[d.ID] = *d
	return nil
}

func (m memDisputes) ResolveOpenTx(_ context.Context, _ pgx.Tx, escrowID, resolvedBy uuid.UUID, resolution string, at time.Time) (*models.Dispute, error) {
	for id, d := range m.db.st.disputes {
		if d.EscrowID == escrowID && d.Status == models.DisputeStatusOpen {
			d.Status = models.DisputeStatusResolved
			d.Resolution = &resolution
			d.ResolvedBy = &resolvedBy
			d.ResolvedAt = &at
			m.db.st.disputes[id] = d
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ---------------------------------------------------------------------------
// Side-effect sinks
// ---------------------------------------------------------------------------

type recorder struct {
	mu        sync.Mutex
	audits    []models.AuditEntry
	notes     []models.Notification
	failAudit error
	failNote  error
}

func (r *recorder) Audit(_ context.Context, e models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAudit != nil {
		return r.failAudit
	}
	r.audits = append(r.audits, e)
	return nil
}

func (r *recorder) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNote != nil {
		return r.failNote
	}
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) ListByDeal(_ context.Context, dealID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.AuditEntry{}
	for _, a := range r.audits {
		if a.DealID == dealID && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.audits))
	for i, a := range r.audits {
		out[i] = a.Action
	}
	return out
}

func (r *recorder) notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.notes...)
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated []uuid.UUID
	err         error
}

func (c *fakeCache) Invalidate(_ context.Context, userIDs ...uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, userIDs...)
	return c.err
}

func (c *fakeCache) saw(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.invalidated {
		if got == id {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t      *testing.T
	db     *memDB
	ledger ledger.Service
	svc    *EscrowService
	fx     *recorder
	cache  *fakeCache
	now    time.Time

	advertiser models.Actor
	creator    models.Actor
	admin      models.Actor
	stranger   models.Actor
	deal       models.Deal
	toppedUp   int64
}

func newHarness(t *testing.T, advertiserFunds int64) *harness {
	t.Helper()
	db := newMemDB()
	h := &harness{
		t:          t,
		db:         db,
		fx:         &recorder{},
		cache:      &fakeCache{},
		now:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		advertiser: models.Actor{ID: uuid.New(), Role: models.RoleAdvertiser},
		creator:    models.Actor{ID: uuid.New(), Role: models.RoleCreator},
		admin:      models.Actor{ID: uuid.New(), Role: models.RoleAdmin},
		stranger:   models.Actor{ID: uuid.New(), Role: models.RoleAdvertiser},
	}
	h.ledger = ledger.NewService(memLedger{db}, db)
	h.svc = NewEscrowService(Deps{
		Ledger:     h.ledger,
		Tx:         db,
		Invoices:   memInvoices{db},
		Escrows:    memEscrows{db},
		Deals:      memDeals{db},
		Disputes:   memDisputes{db},
		Effects:    h.fx,
		Balances:   h.cache,
		AuditTrail: h.fx,
	}, DefaultFeeRate, nil)
	h.svc.nowFn = func() time.Time { return h.now }

	h.deal = models.Deal{
		ID:           uuid.New(),
		AdvertiserID: h.advertiser.ID,
		CreatorID:    h.creator.ID,
		Title:        "Spring campaign",
		Status:       models.DealStatusBriefing,
	}
	db.st.deals[h.deal.ID] = h.deal
	if advertiserFunds > 0 {
		h.topUp(h.advertiser.ID, advertiserFunds)
	}
	return h
}

func (h *harness) topUp(userID uuid.UUID, amount int64) {
	h.t.Helper()
	if _, err := h.ledger.TopUp(context.Background(), userID, amount); err != nil {
		h.t.Fatalf("TopUp: %v", err)
	}
	h.toppedUp += amount
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) balance(userID uuid.UUID) models.Balance {
	h.t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), userID)
	if err != nil {
		h.t.Fatalf("GetBalance: %v", err)
	}
	return *b
}

func (h *harness) escrow(id uuid.UUID) models.EscrowRecord {
	h.t.Helper()
	var (
		e  models.EscrowRecord
		ok bool
	)
	h.db.read(func(st *memState) { e, ok = st.escrows[id] })
	if !ok {
		h.t.Fatalf("escrow record %s not found", id)
	}
	return e
}

func (h *harness) dealStatus() string {
	var s string
	h.db.read(func(st *memState) { s = st.deals[h.deal.ID].Status })
	return s
}

func (h *harness) invoice(id uuid.UUID) models.Invoice {
	var inv models.Invoice
	h.db.read(func(st *memState) { inv = st.invoices[id] })
	return inv
}

func (h *harness) escrowCount() int {
	var n int
	h.db.read(func(st *memState) { n = len(st.escrows) })
	return n
}

// txSum totals the logged transactions of type for userID.
func (h *harness) txSum(userID uuid.UUID, txType string) (count int, total int64) {
	h.db.read(func(st *memState) {
		for _, t := range st.txns {
			if t.UserID == userID && t.Type == txType {
				count++
				total += t.Amount
			}
		}
	})
	return count, total
}

// issue creates an invoice from the creator.
func (h *harness) issue(amount int64) *models.Invoice {
	h.t.Helper()
	res, err := h.svc.CreateInvoice(context.Background(), h.creator, CreateInvoiceInput{DealID: h.deal.ID, Amount: amount})
	if err != nil {
		h.t.Fatalf("CreateInvoice: %v", err)
	}
	return res.Invoice
}

// fund issues and pays an invoice and returns the escrow record.
func (h *harness) fund(amount int64) *models.EscrowRecord {
	h.t.Helper()
	inv := h.issue(amount)
	res, err := h.svc.PayInvoice(context.Background(), h.advertiser, inv.ID)
	if err != nil {
		h.t.Fatalf("PayInvoice: %v", err)
	}
	return res.Escrow
}

// published funds a record and submits proof with the given duration.
func (h *harness) published(amount int64, days int) *models.EscrowRecord {
	h.t.Helper()
	rec := h.fund(amount)
	out, err := h.svc.SubmitProof(context.Background(), h.creator, rec.ID, SubmitProofInput{
		PublicationURL: "https://example.com/p/1",
		DurationDays:   days,
	})
	if err != nil {
		h.t.Fatalf("SubmitProof: %v", err)
	}
	return out
}

// checkConservation asserts that every unit topped up is either in a balance,
// withheld as a platform fee, or removed by an administrative release, and that
// the advertiser's reserved balance equals the funds held by open records.
func (h *harness) checkConservation() {
	h.t.Helper()
	var inBalances, fees, released, held int64
	h.db.read(func(st *memState) {
		for _, b := range st.balances {
			inBalances += b.Available + b.Reserved
		}
		for _, t := range st.txns {
			if t.Type == models.TransactionFee {
				fees += t.Amount
			}
		}
		for _, e := range st.escrows {
			switch {
			case e.ReleasedAt != nil:
				released += e.Amount
			case e.State.HoldsFunds():
				held += e.Amount
			}
		}
	})
	if got := inBalances + fees + released; got != h.toppedUp {
		h.t.Errorf("conservation: balances(%d) + fees(%d) + released(%d) = %d, topped up %d",
			inBalances, fees, released, got, h.toppedUp)
	}
	if r := h.balance(h.advertiser.ID).Reserved; r != held {
		h.t.Errorf("advertiser reserved %d, open escrow records hold %d", r, held)
	}
}

func assertErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
