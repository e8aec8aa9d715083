package services

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatordeals/backend/internal/ledger"
	"github.com/creatordeals/backend/internal/models"
)

// ---------------------------------------------------------------------------
// 1. Happy path: 5000 topped up, 2000 invoice, 7-day placement, payout.
// ---------------------------------------------------------------------------

func TestHappyPath_PlacementPeriodThenPayout(t *testing.T) {
	h := newHarness(t, 5000)
	ctx := context.Background()

	inv := h.issue(2000)
	if h.dealStatus() != models.DealStatusWaitingPayment {
		t.Errorf("deal status after invoice: got %s", h.dealStatus())
	}

	paid, err := h.svc.PayInvoice(ctx, h.advertiser, inv.ID)
	if err != nil {
		t.Fatalf("PayInvoice: %v", err)
	}
	if b := h.balance(h.advertiser.ID); b.Available != 3000 || b.Reserved != 2000 {
		t.Errorf("advertiser after pay: available %d reserved %d, want 3000/2000", b.Available, b.Reserved)
	}
	if paid.Escrow.State != models.EscrowFundsReserved {
		t.Errorf("escrow state: got %s", paid.Escrow.State)
	}
	if paid.Invoice.Status != models.InvoiceStatusPaid || h.invoice(inv.ID).Status != models.InvoiceStatusPaid {
		t.Error("invoice should be paid")
	}
	if h.dealStatus() != models.DealStatusInProgress {
		t.Errorf("deal status after pay: got %s", h.dealStatus())
	}
	if n, total := h.txSum(h.advertiser.ID, models.TransactionCharge); n != 1 || total != 2000 {
		t.Errorf("charge transactions: %d totalling %d", n, total)
	}

	rec, err := h.svc.SubmitProof(ctx, h.creator, paid.Escrow.ID, SubmitProofInput{
		PublicationURL: "https://example.com/post/42",
		DurationDays:   7,
	})
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if rec.State != models.EscrowActivePeriod {
		t.Fatalf("state after proof: got %s", rec.State)
	}
	if want := h.now.Add(7 * 24 * time.Hour); rec.ActiveEndsAt == nil || !rec.ActiveEndsAt.Equal(want) {
		t.Errorf("active_ends_at: got %v, want %v", rec.ActiveEndsAt, want)
	}

	_, err = h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrNotEligible)

	h.advance(7*24*time.Hour - time.Second)
	_, err = h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrNotEligible)

	h.advance(time.Second)
	out, err := h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	if err != nil {
		t.Fatalf("ExecutePayout: %v", err)
	}
	if out.State != models.EscrowPaidOut || *out.PlatformFee != 200 || *out.PayoutAmount != 1800 {
		t.Errorf("payout record: state %s fee %d payout %d", out.State, *out.PlatformFee, *out.PayoutAmount)
	}
	if b := h.balance(h.creator.ID); b.Available != 1800 {
		t.Errorf("creator available: got %d, want 1800", b.Available)
	}
	if b := h.balance(h.advertiser.ID); b.Available != 3000 || b.Reserved != 0 {
		t.Errorf("advertiser after payout: available %d reserved %d, want 3000/0", b.Available, b.Reserved)
	}
	if h.dealStatus() != models.DealStatusCompleted {
		t.Errorf("deal status after payout: got %s", h.dealStatus())
	}
	if n, total := h.txSum(h.creator.ID, models.TransactionPayout); n != 1 || total != 1800 {
		t.Errorf("payout transactions: %d totalling %d", n, total)
	}
	if n, total := h.txSum(h.creator.ID, models.TransactionFee); n != 1 || total != 200 {
		t.Errorf("fee transactions: %d totalling %d", n, total)
	}

	want := []string{"invoice created", "invoice paid", "publication submitted", "payout executed"}
	got := h.fx.actions()
	if len(got) != len(want) {
		t.Fatalf("audit actions: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
	if !h.cache.saw(h.advertiser.ID) || !h.cache.saw(h.creator.ID) {
		t.Error("payout should invalidate both cached balances")
	}
	h.checkConservation()
}

// ---------------------------------------------------------------------------
// 2. Immediate eligibility without a placement period.
// ---------------------------------------------------------------------------

func TestSubmitProof_NoDurationIsImmediatelyEligible(t *testing.T) {
	h := newHarness(t, 1000)
	rec := h.published(1000, 0)
	if rec.State != models.EscrowPayoutReady {
		t.Fatalf("state: got %s, want PAYOUT_READY", rec.State)
	}
	if rec.ActiveEndsAt != nil {
		t.Error("no placement period should be recorded")
	}
	if _, err := h.svc.ExecutePayout(context.Background(), h.advertiser, rec.ID); err != nil {
		t.Fatalf("ExecutePayout: %v", err)
	}
	if got := h.balance(h.creator.ID).Available; got != 900 {
		t.Errorf("creator available: got %d, want 900", got)
	}
}

func TestSubmitProof_Validation(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	rec := h.fund(1000)

	_, err := h.svc.SubmitProof(ctx, h.creator, rec.ID, SubmitProofInput{PublicationURL: "  "})
	assertErr(t, err, ErrInvalidInput)
	_, err = h.svc.SubmitProof(ctx, h.creator, rec.ID, SubmitProofInput{PublicationURL: "https://x", DurationDays: -1})
	assertErr(t, err, ErrInvalidInput)
	_, err = h.svc.SubmitProof(ctx, h.advertiser, rec.ID, SubmitProofInput{PublicationURL: "https://x"})
	assertErr(t, err, ErrUnauthorized)

	if _, err := h.svc.SubmitProof(ctx, h.creator, rec.ID, SubmitProofInput{PublicationURL: "https://x"}); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	_, err = h.svc.SubmitProof(ctx, h.creator, rec.ID, SubmitProofInput{PublicationURL: "https://x"})
	var se *StateError
	if !errors.As(err, &se) || se.Current != models.EscrowPayoutReady {
		t.Fatalf("second proof: expected StateError(PAYOUT_READY), got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 3. Payout is idempotent, sequentially and under concurrency.
// ---------------------------------------------------------------------------

func TestExecutePayout_Idempotent(t *testing.T) {
	h := newHarness(t, 45000)
	ctx := context.Background()
	rec := h.published(45000, 0)

	out, err := h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	if err != nil {
		t.Fatalf("ExecutePayout: %v", err)
	}
	if *out.PlatformFee != 4500 || *out.PayoutAmount != 40500 {
		t.Errorf("fee split: got %d/%d, want 4500/40500", *out.PlatformFee, *out.PayoutAmount)
	}
	creatorAfter := h.balance(h.creator.ID)

	_, err = h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrAlreadyPaidOut)
	if got := h.balance(h.creator.ID); got.Available != creatorAfter.Available {
		t.Errorf("second payout changed creator balance: %d -> %d", creatorAfter.Available, got.Available)
	}
	if n, _ := h.txSum(h.creator.ID, models.TransactionPayout); n != 1 {
		t.Errorf("payout transactions: got %d, want 1", n)
	}
	h.checkConservation()
}

func TestExecutePayout_ConcurrentCallsPayOnce(t *testing.T) {
	h := newHarness(t, 10000)
	rec := h.published(10000, 0)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(actor models.Actor) {
			defer wg.Done()
			_, err := h.svc.ExecutePayout(context.Background(), actor, rec.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyPaidOut):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}([]models.Actor{h.creator, h.advertiser, h.admin}[i%3])
	}
	wg.Wait()

	if successes != 1 || dupes != callers-1 {
		t.Errorf("successes %d, already-paid-out %d", successes, dupes)
	}
	if got := h.balance(h.creator.ID).Available; got != 9000 {
		t.Errorf("creator available: got %d, want 9000", got)
	}
	h.checkConservation()
}

func TestExecutePayout_Authorization(t *testing.T) {
	h := newHarness(t, 1000)
	rec := h.published(1000, 0)

	_, err := h.svc.ExecutePayout(context.Background(), h.stranger, rec.ID)
	assertErr(t, err, ErrUnauthorized)
	if _, err := h.svc.ExecutePayout(context.Background(), h.admin, rec.ID); err != nil {
		t.Fatalf("admin payout: %v", err)
	}
}

func TestExecutePayout_FundsReservedIsNotEligible(t *testing.T) {
	h := newHarness(t, 1000)
	rec := h.fund(1000)
	_, err := h.svc.ExecutePayout(context.Background(), h.creator, rec.ID)
	assertErr(t, err, ErrNotEligible)
	if h.escrow(rec.ID).State != models.EscrowFundsReserved {
		t.Error("rejected payout must not change state")
	}
}

// ---------------------------------------------------------------------------
// 4. Disputes block payout and are resolved administratively.
// ---------------------------------------------------------------------------

func TestLockDispute_BlocksPayout(t *testing.T) {
	h := newHarness(t, 3000)
	ctx := context.Background()
	rec := h.published(3000, 7)

	d, err := h.svc.LockDispute(ctx, h.advertiser, rec.ID, "post was removed after two days")
	if err != nil {
		t.Fatalf("LockDispute: %v", err)
	}
	if d.Status != models.DisputeStatusOpen || d.RaisedBy != h.advertiser.ID {
		t.Errorf("dispute: %+v", d)
	}
	if h.escrow(rec.ID).State != models.EscrowDisputeLocked {
		t.Fatalf("state: got %s", h.escrow(rec.ID).State)
	}
	if h.dealStatus() != models.DealStatusDisputed {
		t.Errorf("deal status: got %s", h.dealStatus())
	}

	h.advance(30 * 24 * time.Hour)
	_, err = h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrNotEligible)
	var se *StateError
	if !errors.As(err, &se) || se.Current != models.EscrowDisputeLocked {
		t.Fatalf("expected StateError(DISPUTE_LOCKED) inside %v", err)
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Error("disputed payout should also match ErrInvalidState")
	}
	if got := h.balance(h.creator.ID).Available; got != 0 {
		t.Errorf("creator must not be credited, got %d", got)
	}

	var opened bool
	for _, n := range h.fx.notifications() {
		if n.Title == "Dispute opened" && n.RecipientID == h.creator.ID {
			opened = true
		}
	}
	if !opened {
		t.Error("creator should be notified of the dispute")
	}
	h.checkConservation()
}

func TestLockDispute_Preconditions(t *testing.T) {
	h := newHarness(t, 2000)
	ctx := context.Background()
	rec := h.fund(1000)

	_, err := h.svc.LockDispute(ctx, h.advertiser, rec.ID, "")
	assertErr(t, err, ErrInvalidInput)

	_, err = h.svc.LockDispute(ctx, h.advertiser, rec.ID, "too early")
	var se *StateError
	if !errors.As(err, &se) || se.Current != models.EscrowFundsReserved {
		t.Fatalf("expected StateError(FUNDS_RESERVED), got %v", err)
	}

	ready := h.published(1000, 0)
	_, err = h.svc.LockDispute(ctx, h.creator, ready.ID, "creator cannot dispute")
	assertErr(t, err, ErrUnauthorized)
	if _, err := h.svc.LockDispute(ctx, h.advertiser, ready.ID, "wrong placement"); err != nil {
		t.Fatalf("LockDispute on PAYOUT_READY: %v", err)
	}
	_, err = h.svc.LockDispute(ctx, h.advertiser, ready.ID, "again")
	assertErr(t, err, ErrInvalidState)
}

func TestResolveDispute_Refund(t *testing.T) {
	h := newHarness(t, 3000)
	ctx := context.Background()
	rec := h.published(3000, 0)
	if _, err := h.svc.LockDispute(ctx, h.advertiser, rec.ID, "no publication"); err != nil {
		t.Fatalf("LockDispute: %v", err)
	}

	_, err := h.svc.ResolveDispute(ctx, h.advertiser, rec.ID, models.DisputeOutcomeRefund, "")
	assertErr(t, err, ErrUnauthorized)
	_, err = h.svc.ResolveDispute(ctx, h.admin, rec.ID, "split", "")
	assertErr(t, err, ErrInvalidInput)

	d, err := h.svc.ResolveDispute(ctx, h.admin, rec.ID, models.DisputeOutcomeRefund, "link was dead")
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if d.Status != models.DisputeStatusResolved || d.Resolution == nil || *d.Resolution != "refund: link was dead" {
		t.Errorf("dispute after resolve: %+v", d)
	}
	if h.escrow(rec.ID).State != models.EscrowRefunded {
		t.Errorf("state: got %s", h.escrow(rec.ID).State)
	}
	if b := h.balance(h.advertiser.ID); b.Available != 3000 || b.Reserved != 0 {
		t.Errorf("advertiser after refund: %d/%d", b.Available, b.Reserved)
	}
	if n, total := h.txSum(h.advertiser.ID, models.TransactionRefund); n != 1 || total != 3000 {
		t.Errorf("refund transactions: %d totalling %d", n, total)
	}
	if h.dealStatus() != models.DealStatusCompleted {
		t.Errorf("deal status: got %s", h.dealStatus())
	}
	_, err = h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrNotEligible)
	h.checkConservation()
}

func TestResolveDispute_ReleaseAllowsPayout(t *testing.T) {
	h := newHarness(t, 3000)
	ctx := context.Background()
	rec := h.published(3000, 0)
	if _, err := h.svc.LockDispute(ctx, h.advertiser, rec.ID, "late"); err != nil {
		t.Fatalf("LockDispute: %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, h.admin, rec.ID, models.DisputeOutcomeRelease, ""); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if h.escrow(rec.ID).State != models.EscrowPayoutReady {
		t.Fatalf("state: got %s", h.escrow(rec.ID).State)
	}
	if h.dealStatus() != models.DealStatusInProgress {
		t.Errorf("deal status: got %s", h.dealStatus())
	}
	if _, err := h.svc.ExecutePayout(ctx, h.creator, rec.ID); err != nil {
		t.Fatalf("ExecutePayout: %v", err)
	}
	_, err := h.svc.ResolveDispute(ctx, h.admin, rec.ID, models.DisputeOutcomeRelease, "")
	assertErr(t, err, ErrInvalidState)
	h.checkConservation()
}

// ---------------------------------------------------------------------------
// 5. Invoice payment: insufficient funds and concurrency.
// ---------------------------------------------------------------------------

func TestPayInvoice_InsufficientFunds(t *testing.T) {
	h := newHarness(t, 1000)
	inv := h.issue(2000)

	_, err := h.svc.PayInvoice(context.Background(), h.advertiser, inv.ID)
	var ife *ledger.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if ife.Required != 2000 || ife.Available != 1000 {
		t.Errorf("error amounts: required %d available %d", ife.Required, ife.Available)
	}
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Error("should match ErrInsufficientFunds")
	}
	if b := h.balance(h.advertiser.ID); b.Available != 1000 || b.Reserved != 0 {
		t.Errorf("balance changed: %d/%d", b.Available, b.Reserved)
	}
	if h.invoice(inv.ID).Status != models.InvoiceStatusPending {
		t.Error("invoice should stay pending")
	}
	if h.escrowCount() != 0 {
		t.Error("no escrow record should exist")
	}
	if n, _ := h.txSum(h.advertiser.ID, models.TransactionCharge); n != 0 {
		t.Error("no charge should be logged")
	}
}

func TestPayInvoice_Preconditions(t *testing.T) {
	h := newHarness(t, 5000)
	ctx := context.Background()
	inv := h.issue(1000)

	_, err := h.svc.PayInvoice(ctx, h.advertiser, uuid.New())
	assertErr(t, err, ErrInvoiceNotFound)
	_, err = h.svc.PayInvoice(ctx, h.creator, inv.ID)
	assertErr(t, err, ErrUnauthorized)

	if _, err := h.svc.PayInvoice(ctx, h.advertiser, inv.ID); err != nil {
		t.Fatalf("PayInvoice: %v", err)
	}
	_, err = h.svc.PayInvoice(ctx, h.advertiser, inv.ID)
	assertErr(t, err, ErrAlreadyPaid)
	if b := h.balance(h.advertiser.ID); b.Reserved != 1000 {
		t.Errorf("reserved: got %d, want 1000", b.Reserved)
	}
}

func TestPayInvoice_ConcurrentPaymentsReserveOnce(t *testing.T) {
	h := newHarness(t, 10000)
	inv := h.issue(4000)

	const callers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		paid int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.PayInvoice(context.Background(), h.advertiser, inv.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyPaid):
				paid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || paid != callers-1 {
		t.Errorf("successes %d, already-paid %d", ok, paid)
	}
	if b := h.balance(h.advertiser.ID); b.Available != 6000 || b.Reserved != 4000 {
		t.Errorf("advertiser: %d/%d, want 6000/4000", b.Available, b.Reserved)
	}
	if h.escrowCount() != 1 {
		t.Errorf("escrow records: got %d, want 1", h.escrowCount())
	}
	h.checkConservation()
}

func TestPayInvoice_CompetingInvoicesCannotOverdraw(t *testing.T) {
	h := newHarness(t, 5000)
	a, b := h.issue(3000), h.issue(3000)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, inv := range []*models.Invoice{a, b} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = h.svc.PayInvoice(context.Background(), h.advertiser, id)
		}(i, inv.ID)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Errorf("successes %d, insufficient %d", ok, short)
	}
	if bal := h.balance(h.advertiser.ID); bal.Available != 2000 || bal.Reserved != 3000 {
		t.Errorf("advertiser: %d/%d, want 2000/3000", bal.Available, bal.Reserved)
	}
	h.checkConservation()
}

// ---------------------------------------------------------------------------
// 6. Invoice creation.
// ---------------------------------------------------------------------------

func TestCreateInvoice(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	_, err := h.svc.CreateInvoice(ctx, h.advertiser, CreateInvoiceInput{DealID: h.deal.ID, Amount: 100})
	assertErr(t, err, ErrUnauthorized)
	_, err = h.svc.CreateInvoice(ctx, h.creator, CreateInvoiceInput{DealID: h.deal.ID, Amount: 0})
	assertErr(t, err, ErrInvalidInput)
	_, err = h.svc.CreateInvoice(ctx, h.creator, CreateInvoiceInput{DealID: uuid.New(), Amount: 100})
	assertErr(t, err, ErrDealNotFound)

	first, err := h.svc.CreateInvoice(ctx, h.creator, CreateInvoiceInput{DealID: h.deal.ID, Amount: 100, Comment: " Story "})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	second, err := h.svc.CreateInvoice(ctx, h.creator, CreateInvoiceInput{DealID: h.deal.ID, Amount: 200})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if first.PendingInvoices != 1 || second.PendingInvoices != 2 {
		t.Errorf("pending counts: %d, %d", first.PendingInvoices, second.PendingInvoices)
	}
	if first.Invoice.Comment != "Story" {
		t.Errorf("comment: got %q", first.Invoice.Comment)
	}
	pattern := regexp.MustCompile(`^INV-20260302-[0-9A-F]{8}$`)
	for _, r := range []*InvoiceResult{first, second} {
		if !pattern.MatchString(r.Invoice.InvoiceNumber) {
			t.Errorf("invoice number %q does not match %s", r.Invoice.InvoiceNumber, pattern)
		}
		if r.Invoice.Status != models.InvoiceStatusPending {
			t.Errorf("status: got %s", r.Invoice.Status)
		}
	}
	notes := h.fx.notifications()
	if len(notes) != 2 || notes[0].RecipientID != h.advertiser.ID {
		t.Errorf("advertiser should be notified of each invoice: %+v", notes)
	}
}

func TestCreateInvoice_RetriesNumberCollision(t *testing.T) {
	h := newHarness(t, 0)
	numbers := []string{"INV-20260302-AAAAAAAA", "INV-20260302-AAAAAAAA", "INV-20260302-BBBBBBBB"}
	next := 0
	h.svc.numberFn = func(time.Time) string {
		n := numbers[next]
		next++
		return n
	}
	h.issue(100)
	second := h.issue(100)
	if second.InvoiceNumber != "INV-20260302-BBBBBBBB" {
		t.Errorf("second invoice number: got %s", second.InvoiceNumber)
	}
}

// ---------------------------------------------------------------------------
// 7. Milestones: WAITING_INVOICE -> INVOICE_SENT -> FUNDS_RESERVED.
// ---------------------------------------------------------------------------

func TestMilestoneFlow(t *testing.T) {
	h := newHarness(t, 5000)
	ctx := context.Background()

	planned, err := h.svc.PlanMilestone(ctx, h.advertiser, h.deal.ID, "Reel #1", 1500)
	if err != nil {
		t.Fatalf("PlanMilestone: %v", err)
	}
	if planned.State != models.EscrowWaitingInvoice || planned.MilestoneID == nil {
		t.Fatalf("planned milestone: %+v", planned)
	}
	_, err = h.svc.PlanMilestone(ctx, h.stranger, h.deal.ID, "x", 1)
	assertErr(t, err, ErrUnauthorized)

	_, err = h.svc.CreateInvoice(ctx, h.creator, CreateInvoiceInput{DealID: h.deal.ID, Amount: 1400, MilestoneID: planned.MilestoneID})
	assertErr(t, err, ErrInvalidInput)

	res, err := h.svc.CreateInvoice(ctx, h.creator, CreateInvoiceInput{DealID: h.deal.ID, Amount: 1500, MilestoneID: planned.MilestoneID})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	sent := h.escrow(planned.ID)
	if sent.State != models.EscrowInvoiceSent || sent.InvoiceID == nil || *sent.InvoiceID != res.Invoice.ID {
		t.Fatalf("after invoice: %+v", sent)
	}

	_, err = h.svc.CreateInvoice(ctx, h.creator, CreateInvoiceInput{DealID: h.deal.ID, Amount: 1500, MilestoneID: planned.MilestoneID})
	assertErr(t, err, ErrInvalidState)

	paid, err := h.svc.PayInvoice(ctx, h.advertiser, res.Invoice.ID)
	if err != nil {
		t.Fatalf("PayInvoice: %v", err)
	}
	if paid.Escrow.ID != planned.ID || paid.Escrow.State != models.EscrowFundsReserved || paid.Escrow.ReservedAt == nil {
		t.Errorf("milestone should be reserved in place: %+v", paid.Escrow)
	}
	if h.escrowCount() != 1 {
		t.Errorf("escrow records: got %d, want 1", h.escrowCount())
	}
	h.checkConservation()
}

// ---------------------------------------------------------------------------
// 8. Administrative release and refund.
// ---------------------------------------------------------------------------

func TestReleaseEscrow(t *testing.T) {
	h := newHarness(t, 4000)
	ctx := context.Background()
	rec := h.published(4000, 0)

	_, err := h.svc.ReleaseEscrow(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrUnauthorized)

	out, err := h.svc.ReleaseEscrow(ctx, h.admin, rec.ID)
	if err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if out.State != models.EscrowPayoutReady || out.ReleasedAt == nil || *out.ReleasedBy != h.admin.ID {
		t.Errorf("released record: %+v", out)
	}
	if b := h.balance(h.advertiser.ID); b.Available != 0 || b.Reserved != 0 {
		t.Errorf("advertiser after release: %d/%d, want 0/0", b.Available, b.Reserved)
	}
	if got := h.balance(h.creator.ID).Available; got != 0 {
		t.Errorf("release must not credit the creator, got %d", got)
	}

	_, err = h.svc.ExecutePayout(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrNotEligible)
	_, err = h.svc.ReleaseEscrow(ctx, h.advertiser, rec.ID)
	assertErr(t, err, ErrInvalidState)
	h.checkConservation()
}

func TestRefundEscrow(t *testing.T) {
	h := newHarness(t, 3000)
	ctx := context.Background()
	rec := h.fund(2500)

	_, err := h.svc.RefundEscrow(ctx, h.advertiser, rec.ID)
	assertErr(t, err, ErrUnauthorized)

	out, err := h.svc.RefundEscrow(ctx, h.admin, rec.ID)
	if err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}
	if out.State != models.EscrowRefunded {
		t.Errorf("state: got %s", out.State)
	}
	if b := h.balance(h.advertiser.ID); b.Available != 3000 || b.Reserved != 0 {
		t.Errorf("advertiser after refund: %d/%d", b.Available, b.Reserved)
	}
	_, err = h.svc.RefundEscrow(ctx, h.admin, rec.ID)
	assertErr(t, err, ErrInvalidState)

	active := h.published(500, 3)
	_, err = h.svc.RefundEscrow(ctx, h.admin, active.ID)
	var se *StateError
	if !errors.As(err, &se) || se.Current != models.EscrowActivePeriod {
		t.Errorf("refund of ACTIVE_PERIOD: got %v", err)
	}
	h.checkConservation()
}

// ---------------------------------------------------------------------------
// 9. Atomicity and side effects.
// ---------------------------------------------------------------------------

func TestExecutePayout_FailedWriteRollsBack(t *testing.T) {
	h := newHarness(t, 2000)
	rec := h.published(2000, 0)
	auditsBefore := len(h.fx.actions())

	boom := errors.New("connection reset")
	h.db.failEscrowUpdate = boom
	_, err := h.svc.ExecutePayout(context.Background(), h.creator, rec.ID)
	assertErr(t, err, boom)

	if b := h.balance(h.advertiser.ID); b.Reserved != 2000 {
		t.Errorf("reserved after failed payout: got %d, want 2000", b.Reserved)
	}
	if got := h.balance(h.creator.ID).Available; got != 0 {
		t.Errorf("creator credited by a rolled back payout: %d", got)
	}
	if n, _ := h.txSum(h.creator.ID, models.TransactionPayout); n != 0 {
		t.Error("payout transaction survived rollback")
	}
	if h.escrow(rec.ID).State != models.EscrowPayoutReady {
		t.Errorf("state after rollback: %s", h.escrow(rec.ID).State)
	}
	if len(h.fx.actions()) != auditsBefore {
		t.Error("no side effects may be emitted for a rolled back operation")
	}

	if _, err := h.svc.ExecutePayout(context.Background(), h.creator, rec.ID); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	h.checkConservation()
}

func TestSideEffectFailuresDoNotAffectResult(t *testing.T) {
	h := newHarness(t, 2000)
	h.fx.failAudit = errors.New("audit queue down")
	h.fx.failNote = errors.New("broker down")
	h.cache.err = errors.New("redis down")

	rec := h.published(2000, 0)
	out, err := h.svc.ExecutePayout(context.Background(), h.creator, rec.ID)
	if err != nil {
		t.Fatalf("ExecutePayout: %v", err)
	}
	if out.State != models.EscrowPaidOut || h.escrow(rec.ID).State != models.EscrowPaidOut {
		t.Error("payout should be committed despite side effect failures")
	}
	h.checkConservation()
}

// ---------------------------------------------------------------------------
// 10. Conservation across a mixed sequence.
// ---------------------------------------------------------------------------

func TestConservationAcrossOperations(t *testing.T) {
	h := newHarness(t, 20000)
	ctx := context.Background()
	h.svc.feeRate = decimal.RequireFromString("0.15")

	paidOut := h.published(3333, 0)
	h.checkConservation()
	if _, err := h.svc.ExecutePayout(ctx, h.creator, paidOut.ID); err != nil {
		t.Fatalf("ExecutePayout: %v", err)
	}
	h.checkConservation()

	disputed := h.published(4000, 2)
	if _, err := h.svc.LockDispute(ctx, h.advertiser, disputed.ID, "wrong hashtag"); err != nil {
		t.Fatalf("LockDispute: %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, h.admin, disputed.ID, models.DisputeOutcomeRefund, ""); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	h.checkConservation()

	released := h.published(1000, 0)
	if _, err := h.svc.ReleaseEscrow(ctx, h.advertiser, released.ID); err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	h.checkConservation()

	h.topUp(h.creator.ID, 500)
	h.fund(2000)
	h.checkConservation()

	// 3333 * 0.15 = 499.95 -> 500
	if _, fees := h.txSum(h.creator.ID, models.TransactionFee); fees != 500 {
		t.Errorf("fees: got %d, want 500", fees)
	}
}

// ---------------------------------------------------------------------------
// 11. Read models.
// ---------------------------------------------------------------------------

func TestListEscrows_ReportsEligibility(t *testing.T) {
	h := newHarness(t, 3000)
	ctx := context.Background()
	h.published(1000, 0)
	h.published(1000, 5)

	views, err := h.svc.ListEscrows(ctx, h.creator, h.deal.ID)
	if err != nil {
		t.Fatalf("ListEscrows: %v", err)
	}
	eligible := 0
	for _, v := range views {
		if v.PayoutEligible {
			eligible++
		}
	}
	if len(views) != 2 || eligible != 1 {
		t.Errorf("views %d, eligible %d", len(views), eligible)
	}

	h.advance(5 * 24 * time.Hour)
	views, _ = h.svc.ListEscrows(ctx, h.admin, h.deal.ID)
	for _, v := range views {
		if !v.PayoutEligible {
			t.Errorf("record %s should be eligible after the period", v.ID)
		}
	}

	_, err = h.svc.ListEscrows(ctx, h.stranger, h.deal.ID)
	assertErr(t, err, ErrUnauthorized)
	_, err = h.svc.GetEscrow(ctx, h.creator, uuid.New())
	assertErr(t, err, ErrEscrowNotFound)
}

func TestListAudit(t *testing.T) {
	h := newHarness(t, 3000)
	ctx := context.Background()
	h.published(1000, 0)

	trail, err := h.svc.ListAudit(ctx, h.advertiser, h.deal.ID)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	want := []string{"invoice created", "invoice paid", "publication submitted"}
	if len(trail) != len(want) {
		t.Fatalf("trail has %d entries, want %d", len(trail), len(want))
	}
	for i, e := range trail {
		if e.Action != want[i] || e.DealID != h.deal.ID {
			t.Errorf("entry %d = %q on %s", i, e.Action, e.DealID)
		}
	}

	_, err = h.svc.ListAudit(ctx, h.stranger, h.deal.ID)
	assertErr(t, err, ErrUnauthorized)
	_, err = h.svc.ListAudit(ctx, h.admin, uuid.New())
	assertErr(t, err, ErrDealNotFound)
}

func TestConfirmPublication(t *testing.T) {
	h := newHarness(t, 3000)
	ctx := context.Background()

	funded := h.fund(1000)
	_, err := h.svc.ConfirmPublication(ctx, h.advertiser, funded.ID)
	var se *StateError
	if !errors.As(err, &se) || se.Current != models.EscrowFundsReserved {
		t.Fatalf("before proof: expected StateError(FUNDS_RESERVED), got %v", err)
	}

	rec := h.published(1000, 7)
	_, err = h.svc.ConfirmPublication(ctx, h.creator, rec.ID)
	assertErr(t, err, ErrUnauthorized)

	before := h.balance(h.advertiser.ID)
	got, err := h.svc.ConfirmPublication(ctx, h.advertiser, rec.ID)
	if err != nil {
		t.Fatalf("ConfirmPublication: %v", err)
	}
	if got.State != models.EscrowActivePeriod || h.escrow(rec.ID).State != models.EscrowActivePeriod {
		t.Errorf("state changed to %s", h.escrow(rec.ID).State)
	}
	if after := h.balance(h.advertiser.ID); after != before {
		t.Errorf("balance moved: %+v -> %+v", before, after)
	}
	actions := h.fx.actions()
	if actions[len(actions)-1] != "publication confirmed" {
		t.Errorf("last audit action = %q", actions[len(actions)-1])
	}
	notes := h.fx.notifications()
	if last := notes[len(notes)-1]; last.RecipientID != h.creator.ID {
		t.Errorf("notification went to %s, want creator", last.RecipientID)
	}
}
