// Package wallet implements the hierarchical credit wallet engine: two-phase
// reserve/settle with automatic refund, cross-wallet transfers, and cycle
// rollover. The in-memory state is authoritative; every mutation writes
// through to the store and appends journal entries via the ledger appender.
package wallet

import (
	"context"
	"slices"
	"sync"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/google/uuid"
)

// Journal appends audit entries. Implemented by ledger.Appender.
type Journal interface {
	Append(walletID string, kind gateway.EntryKind, amount gateway.Credits, refID string) gateway.LedgerEntry
}

// Store persists wallet and reservation state.
type Store interface {
	UpsertWallet(ctx context.Context, w *gateway.Wallet) error
	UpsertReservation(ctx context.Context, r *gateway.Reservation) error
}

// Config holds wallet engine policy.
type Config struct {
	ReservationTTL   time.Duration
	TransferDailyCap gateway.Credits // per user, 0 = unlimited
	TransferCooldown time.Duration   // min gap between a user's transfers
	RolloverPct      int             // percent of unused leaf balance moved to org reserve
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReservationTTL:   5 * time.Minute,
		TransferDailyCap: 500 * gateway.CreditScale,
		TransferCooldown: time.Minute,
		RolloverPct:      50,
	}
}

// node pairs a wallet with its lock. Conflicting writes to one wallet are
// serialized here; multi-wallet operations acquire locks in wallet-ID order.
type node struct {
	mu sync.Mutex
	w  gateway.Wallet
}

type transferWindow struct {
	day   string // UTC date of the running total
	total gateway.Credits
	last  time.Time
}

// Engine is the wallet service. All operations are linearizable per wallet.
type Engine struct {
	mu      sync.RWMutex // guards the maps, not wallet contents
	nodes   map[string]*node
	resMu   sync.Mutex
	res     map[string]*gateway.Reservation
	xferMu  sync.Mutex
	xfers   map[string]*transferWindow // by user ID
	journal Journal
	store   Store
	cfg     Config
	now     func() time.Time
}

// NewEngine builds an engine from hydrated wallet and open-reservation state.
func NewEngine(wallets []gateway.Wallet, open []gateway.Reservation, journal Journal, store Store, cfg Config) *Engine {
	e := &Engine{
		nodes:   make(map[string]*node, len(wallets)),
		res:     make(map[string]*gateway.Reservation, len(open)),
		xfers:   make(map[string]*transferWindow),
		journal: journal,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
	}
	for i := range wallets {
		e.nodes[wallets[i].ID] = &node{w: wallets[i]}
	}
	for i := range open {
		r := open[i]
		e.res[r.ID] = &r
	}
	return e
}

// Get returns a snapshot copy of a wallet.
func (e *Engine) Get(walletID string) (gateway.Wallet, error) {
	n := e.lookup(walletID)
	if n == nil {
		return gateway.Wallet{}, gateway.Ef(gateway.KindNotFound, "wallet %s not found", walletID)
	}
	n.mu.Lock()
	w := n.w
	n.mu.Unlock()
	return w, nil
}

func (e *Engine) lookup(id string) *node {
	e.mu.RLock()
	n := e.nodes[id]
	e.mu.RUnlock()
	return n
}

// chain returns the wallet and its ancestors, leaf first. The hierarchy is a
// tree with parent pointers; the depth bound keeps a corrupt store from
// spinning.
func (e *Engine) chain(id string) []*node {
	var out []*node
	for depth := 0; id != "" && depth < 16; depth++ {
		n := e.lookup(id)
		if n == nil {
			break
		}
		out = append(out, n)
		id = n.w.ParentID
	}
	return out
}

// lockOrdered locks the given nodes in wallet-ID order and returns an unlock
// function. Deterministic order across all multi-wallet operations prevents
// deadlock.
func lockOrdered(nodes []*node) func() {
	sorted := make([]*node, len(nodes))
	copy(sorted, nodes)
	slices.SortFunc(sorted, func(a, b *node) int {
		if a.w.ID < b.w.ID {
			return -1
		}
		if a.w.ID > b.w.ID {
			return 1
		}
		return 0
	})
	for _, n := range sorted {
		n.mu.Lock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].mu.Unlock()
		}
	}
}

// headroom returns how many credits the wallet can still reserve:
// balance - reserved, extended by the overdraft allowance.
func headroom(w *gateway.Wallet) gateway.Credits {
	return w.Available() + w.Overdraft()
}

// Reserve places a hold of amount against the wallet and its ancestor chain.
// The effective cap is the minimum headroom along the chain. On success one
// journal entry is written per affected wallet; on refusal a single refused
// entry records the attempt.
func (e *Engine) Reserve(ctx context.Context, walletID string, amount gateway.Credits, refID string) (string, error) {
	if amount < 0 {
		return "", gateway.E(gateway.KindInvalidRequest, "negative reservation amount")
	}
	chain := e.chain(walletID)
	if len(chain) == 0 {
		return "", gateway.Ef(gateway.KindNotFound, "wallet %s not found", walletID)
	}

	unlock := lockOrdered(chain)
	defer unlock()

	if chain[0].w.Retired {
		return "", gateway.Ef(gateway.KindForbidden, "wallet %s is retired", walletID)
	}

	// The effective cap never exceeds any ancestor's remaining headroom.
	available := headroom(&chain[0].w)
	for _, n := range chain[1:] {
		if h := headroom(&n.w); h < available {
			available = h
		}
	}
	if available < amount {
		e.journal.Append(walletID, gateway.EntryRefused, amount, refID)
		return "", gateway.ErrBudgetExhausted(amount-available, available)
	}

	res := &gateway.Reservation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		WalletID:       walletID,
		ReservedAmount: amount,
		CreatedAt:      e.now(),
		TTL:            e.cfg.ReservationTTL,
		State:          gateway.ReservationOpen,
	}

	for _, n := range chain {
		n.w.ReservedCredits += amount
		e.journal.Append(n.w.ID, gateway.EntryReserve, amount, res.ID)
		e.persistWallet(ctx, &n.w)
	}

	e.resMu.Lock()
	e.res[res.ID] = res
	e.resMu.Unlock()
	e.persistReservation(ctx, res)

	return res.ID, nil
}

// Settle finalizes a reservation with the actual consumed amount, clamped to
// [0, reserved]. The hold is released on every wallet in the chain and the
// actual amount is debited; any difference between the hold and the actual
// is thereby returned. Idempotent on reservation ID.
func (e *Engine) Settle(ctx context.Context, reservationID string, actual gateway.Credits) error {
	return e.close(ctx, reservationID, actual, gateway.ReservationSettled)
}

// Refund releases the entire hold without charging. Idempotent.
func (e *Engine) Refund(ctx context.Context, reservationID string) error {
	return e.close(ctx, reservationID, 0, gateway.ReservationRefunded)
}

func (e *Engine) close(ctx context.Context, reservationID string, actual gateway.Credits, final gateway.ReservationState) error {
	e.resMu.Lock()
	res, ok := e.res[reservationID]
	if !ok {
		e.resMu.Unlock()
		return gateway.Ef(gateway.KindNotFound, "reservation %s not found", reservationID)
	}
	if res.State != gateway.ReservationOpen {
		// Already closed; settling or refunding twice is a no-op.
		e.resMu.Unlock()
		return nil
	}
	res.State = final
	e.resMu.Unlock()

	if actual < 0 {
		actual = 0
	}
	if actual > res.ReservedAmount {
		actual = res.ReservedAmount
	}
	res.SettledAmount = actual

	chain := e.chain(res.WalletID)
	unlock := lockOrdered(chain)
	for _, n := range chain {
		n.w.ReservedCredits -= res.ReservedAmount
		if n.w.ReservedCredits < 0 {
			n.w.ReservedCredits = 0
		}
		n.w.BalanceCredits -= actual
		switch final {
		case gateway.ReservationSettled:
			e.journal.Append(n.w.ID, gateway.EntrySettle, actual, res.ID)
			if refund := res.ReservedAmount - actual; refund > 0 {
				e.journal.Append(n.w.ID, gateway.EntryRefund, refund, res.ID)
			}
		default:
			e.journal.Append(n.w.ID, gateway.EntryRefund, res.ReservedAmount, res.ID)
		}
		e.persistWallet(ctx, &n.w)
	}
	unlock()

	e.persistReservation(ctx, res)
	return nil
}

// Transfer moves credits between two wallets as a linked pair of journal
// entries under one atomic operation. userID identifies the initiating user
// for daily-cap and cooldown enforcement.
func (e *Engine) Transfer(ctx context.Context, fromID, toID string, amount gateway.Credits, userID, reason string) (string, error) {
	if amount <= 0 {
		return "", gateway.E(gateway.KindInvalidRequest, "transfer amount must be positive")
	}
	if fromID == toID {
		return "", gateway.E(gateway.KindInvalidRequest, "cannot transfer to the same wallet")
	}
	from := e.lookup(fromID)
	to := e.lookup(toID)
	if from == nil || to == nil {
		return "", gateway.E(gateway.KindNotFound, "wallet not found")
	}

	// The window lock is held through the commit so two concurrent transfers
	// by one user cannot both pass the cap check before either records.
	e.xferMu.Lock()
	defer e.xferMu.Unlock()
	if err := e.checkTransferLimitsLocked(userID, amount); err != nil {
		return "", err
	}

	unlock := lockOrdered([]*node{from, to})
	defer unlock()

	if from.w.Retired || to.w.Retired {
		return "", gateway.E(gateway.KindForbidden, "wallet is retired")
	}
	if avail := headroom(&from.w); avail < amount {
		return "", gateway.ErrBudgetExhausted(amount-avail, avail)
	}
	if to.w.BalanceCredits+amount > to.w.LimitCredits+to.w.Overdraft() {
		return "", gateway.E(gateway.KindTransferLimit, "transfer would exceed destination wallet cap")
	}

	transferID := uuid.Must(uuid.NewV7()).String()
	from.w.BalanceCredits -= amount
	to.w.BalanceCredits += amount
	e.journal.Append(fromID, gateway.EntryTransferDebit, amount, transferID)
	e.journal.Append(toID, gateway.EntryTransferCredit, amount, transferID)
	e.persistWallet(ctx, &from.w)
	e.persistWallet(ctx, &to.w)

	e.recordTransferLocked(userID, amount)
	_ = reason // surfaced in the audit API via RefID lookups; not part of the hash
	return transferID, nil
}

func (e *Engine) checkTransferLimitsLocked(userID string, amount gateway.Credits) error {
	now := e.now()
	win, ok := e.xfers[userID]
	if !ok {
		return nil
	}
	if e.cfg.TransferCooldown > 0 && now.Sub(win.last) < e.cfg.TransferCooldown {
		return gateway.E(gateway.KindTransferLimit, "transfer cooldown active").
			With("retry_after_seconds", (e.cfg.TransferCooldown - now.Sub(win.last)).Seconds())
	}
	day := now.UTC().Format("2006-01-02")
	if e.cfg.TransferDailyCap > 0 && win.day == day && win.total+amount > e.cfg.TransferDailyCap {
		return gateway.E(gateway.KindTransferLimit, "daily transfer cap exceeded").
			With("daily_cap", e.cfg.TransferDailyCap)
	}
	return nil
}

func (e *Engine) recordTransferLocked(userID string, amount gateway.Credits) {
	day := e.now().UTC().Format("2006-01-02")
	win, ok := e.xfers[userID]
	if !ok || win.day != day {
		win = &transferWindow{day: day}
		e.xfers[userID] = win
	}
	win.total += amount
	win.last = e.now()
}

// OpenReservations returns the number of reservations currently held open.
func (e *Engine) OpenReservations() int {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	n := 0
	for _, r := range e.res {
		if r.State == gateway.ReservationOpen {
			n++
		}
	}
	return n
}

// ExpireReservations refunds open reservations past their TTL. Called by the
// janitor worker; returns the number of reservations expired.
func (e *Engine) ExpireReservations(ctx context.Context) int {
	now := e.now()

	e.resMu.Lock()
	var expired []string
	for id, r := range e.res {
		if r.Expired(now) {
			expired = append(expired, id)
		}
	}
	e.resMu.Unlock()

	for _, id := range expired {
		_ = e.close(ctx, id, 0, gateway.ReservationExpired)
	}
	return len(expired)
}

// Rollover runs the cycle-boundary sweep: for every leaf wallet whose cycle
// has ended, the configured percentage of unused balance moves to the root
// org wallet and the leaf is re-initialized to its configured limit.
func (e *Engine) Rollover(ctx context.Context) int {
	now := e.now()

	e.mu.RLock()
	hasChild := make(map[string]bool, len(e.nodes))
	var ids []string
	for id, n := range e.nodes {
		ids = append(ids, id)
		if p := n.w.ParentID; p != "" {
			hasChild[p] = true
		}
	}
	e.mu.RUnlock()
	slices.Sort(ids)

	swept := 0
	for _, id := range ids {
		if hasChild[id] {
			continue // only leaves roll over
		}
		n := e.lookup(id)
		n.mu.Lock()
		due := !n.w.Retired && !n.w.CycleEnd.IsZero() && now.After(n.w.CycleEnd) && n.w.ParentID != ""
		n.mu.Unlock()
		if !due {
			continue
		}
		if e.rolloverLeaf(ctx, id) {
			swept++
		}
	}
	return swept
}

func (e *Engine) rolloverLeaf(ctx context.Context, leafID string) bool {
	chain := e.chain(leafID)
	root := chain[len(chain)-1]
	leaf := chain[0]
	if root == leaf {
		return false
	}

	unlock := lockOrdered([]*node{leaf, root})
	defer unlock()

	unused := leaf.w.Available()
	if unused < 0 {
		unused = 0
	}
	moved := gateway.Credits(int64(unused) * int64(e.cfg.RolloverPct) / 100)

	cycleLen := leaf.w.CycleEnd.Sub(leaf.w.CycleStart)
	leaf.w.CycleStart = leaf.w.CycleEnd
	leaf.w.CycleEnd = leaf.w.CycleEnd.Add(cycleLen)
	leaf.w.BalanceCredits = leaf.w.LimitCredits

	refID := uuid.Must(uuid.NewV7()).String()
	if moved > 0 {
		root.w.BalanceCredits += moved
		e.journal.Append(leaf.w.ID, gateway.EntryRollover, moved, refID)
		e.journal.Append(root.w.ID, gateway.EntryRollover, moved, refID)
		e.persistWallet(ctx, &root.w)
	}
	e.persistWallet(ctx, &leaf.w)
	return true
}

func (e *Engine) persistWallet(ctx context.Context, w *gateway.Wallet) {
	if e.store == nil {
		return
	}
	cp := *w
	if err := e.store.UpsertWallet(ctx, &cp); err != nil {
		logPersistError("wallet", w.ID, err)
	}
}

func (e *Engine) persistReservation(ctx context.Context, r *gateway.Reservation) {
	if e.store == nil {
		return
	}
	cp := *r
	if err := e.store.UpsertReservation(ctx, &cp); err != nil {
		logPersistError("reservation", r.ID, err)
	}
}
