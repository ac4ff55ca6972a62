package lead

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"leadflow/identity"
	"leadflow/notify"
	"leadflow/requirement"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// memStore backs the requirement store, the ledger and the outbox. Writes made
// through a fakeTx are staged and only become visible on Commit.
type memStore struct {
	mu           sync.Mutex
	requirements map[string]requirement.Requirement
	leads        map[string]Lead
	outbox       map[string]outboxRow
	seq          int
}

type outboxRow struct {
	leadID    string
	msg       notify.Message
	status    notify.Status
	attempts  int
	notBefore time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		requirements: map[string]requirement.Requirement{},
		leads:        map[string]Lead{},
		outbox:       map[string]outboxRow{},
	}
}

func (m *memStore) addRequirement(r requirement.Requirement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requirements[r.ID] = r
}

func (m *memStore) requirement(id string) requirement.Requirement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requirements[id]
}

func (m *memStore) lead(id string) Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leads[id]
}

func (m *memStore) leadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leads)
}

func (m *memStore) outboxRow(key string) (outboxRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[key]
	return row, ok
}

func stage(tx pgx.Tx, op func()) {
	tx.(*fakeTx).ops = append(tx.(*fakeTx).ops, op)
}

// RequirementStore

func (m *memStore) Get(_ context.Context, id string) (requirement.Requirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requirements[id]
	if !ok {
		return requirement.Requirement{}, requirement.ErrNotFound
	}
	return r, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (requirement.Requirement, error) {
	return m.Get(ctx, id)
}

func (m *memStore) UpdateStatus(_ context.Context, tx pgx.Tx, id string, status requirement.Status) error {
	stage(tx, func() {
		r := m.requirements[id]
		r.Status = status
		m.requirements[id] = r
	})
	return nil
}

func (m *memStore) CountByStatus(_ context.Context, status requirement.Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requirements {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

// Ledger, exposed through ledgerView so its method names do not clash with
// the requirement store.

type ledgerView struct{ m *memStore }

func (v ledgerView) Insert(_ context.Context, tx pgx.Tx, l Lead) error {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.leads {
		if existing.SellerID == l.SellerID && existing.RequirementID == l.RequirementID {
			return ErrAlreadyContacted
		}
	}
	m.seq++
	l.CreatedAt = time.Unix(int64(m.seq), 0)
	stage(tx, func() { m.leads[l.ID] = l })
	return nil
}

func (v ledgerView) Get(_ context.Context, id string) (Lead, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

func (v ledgerView) GetForUpdate(ctx context.Context, _ pgx.Tx, id, sellerID string) (Lead, error) {
	l, err := v.Get(ctx, id)
	if err != nil {
		return Lead{}, err
	}
	if l.SellerID != sellerID || l.Status != StatusProcessing {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

func (v ledgerView) UpdateStatus(_ context.Context, tx pgx.Tx, id string, status Status) error {
	m := v.m
	ftx := tx.(*fakeTx)
	if ftx.leadStatus == nil {
		ftx.leadStatus = map[string]Status{}
	}
	ftx.leadStatus[id] = status
	stage(tx, func() {
		l := m.leads[id]
		l.Status = status
		m.leads[id] = l
	})
	return nil
}

func (v ledgerView) CloseAllForRequirement(_ context.Context, tx pgx.Tx, requirementID string) (int64, error) {
	m := v.m
	m.mu.Lock()
	var ids []string
	for id, l := range m.leads {
		if l.RequirementID == requirementID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	stage(tx, func() {
		for _, id := range ids {
			l := m.leads[id]
			l.Status = StatusClosed
			m.leads[id] = l
		}
	})
	return int64(len(ids)), nil
}

// CountProcessingForRequirement sees the transaction's own staged status
// changes, as Postgres would.
func (v ledgerView) CountProcessingForRequirement(_ context.Context, tx pgx.Tx, requirementID string) (int, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := tx.(*fakeTx).leadStatus
	n := 0
	for id, l := range m.leads {
		status := l.Status
		if s, ok := staged[id]; ok {
			status = s
		}
		if l.RequirementID == requirementID && status == StatusProcessing {
			n++
		}
	}
	return n, nil
}

func (v ledgerView) CountProcessingBySeller(_ context.Context, sellerID string) (int, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leads {
		if l.SellerID == sellerID && l.Status == StatusProcessing {
			n++
		}
	}
	return n, nil
}

func (v ledgerView) ListContactedBySeller(_ context.Context, sellerID string) ([]ContactedRequirement, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ContactedRequirement{}
	for _, l := range m.leads {
		if l.SellerID != sellerID {
			continue
		}
		out = append(out, ContactedRequirement{
			Requirement:   m.requirements[l.RequirementID],
			LeadID:        l.ID,
			LeadStatus:    l.Status,
			LeadMessage:   l.Message,
			LeadCreatedAt: l.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeadCreatedAt.After(out[j].LeadCreatedAt) })
	return out, nil
}

// Outbox

type outboxView struct {
	m        *memStore
	markErr  error
	failures int
}

func (o *outboxView) Enqueue(_ context.Context, tx pgx.Tx, leadID string, msg notify.Message, notBefore time.Duration) error {
	m := o.m
	stage(tx, func() {
		m.outbox[msg.IdempotencyKey] = outboxRow{leadID: leadID, msg: msg, status: notify.StatusPending, notBefore: notBefore}
	})
	return nil
}

func (o *outboxView) MarkDelivered(_ context.Context, key string) error {
	if o.markErr != nil {
		return o.markErr
	}
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.outbox[key]
	row.status = notify.StatusDelivered
	row.attempts++
	m.outbox[key] = row
	return nil
}

func (o *outboxView) MarkFailed(_ context.Context, key string, _ error) (bool, error) {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	o.failures++
	row := m.outbox[key]
	row.attempts++
	m.outbox[key] = row
	return false, nil
}

// Transactions, following pgx.Tx.

type fakePool struct {
	store  *memStore
	txs    []*fakeTx
	begins int
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.begins++
	tx := &fakeTx{store: f.store}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) lastTx() *fakeTx {
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	store      *memStore
	ops        []func()
	leadStatus map[string]Status
	rolled     bool
	committed  bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, op := range f.ops {
		op()
	}
	f.ops = nil
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.ops = nil
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// Collaborators

type fakeVerifier struct {
	mu    sync.Mutex
	users map[string]identity.User
	err   error
	calls int
}

func (f *fakeVerifier) Lookup(_ context.Context, id string) (identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return identity.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return identity.User{}, identity.ErrUserNotFound
	}
	return u, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	err  error
	sent []notify.Message
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg notify.Message) (notify.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notify.Receipt{}, f.err
	}
	f.sent = append(f.sent, msg)
	return notify.Receipt{MessageID: "m-" + msg.IdempotencyKey}, nil
}
