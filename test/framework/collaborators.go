package framework

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/acnlabs/acn/pkg/escrow"
	"github.com/acnlabs/acn/pkg/payment"
	"github.com/acnlabs/acn/pkg/wallet"
)

// Wallet is an in-process credit ledger standing in for the wallet service.
// It satisfies tasks.Wallet so settlement flows run end to end without an
// external collaborator.
type Wallet struct {
	mu          sync.Mutex
	spent       map[string]decimal.Decimal
	received    map[string]decimal.Decimal
	earned      map[string]decimal.Decimal
	RefuseSpend bool
	FailEarn    bool
}

// NewWallet creates an empty wallet ledger.
func NewWallet() *Wallet {
	return &Wallet{
		spent:    make(map[string]decimal.Decimal),
		received: make(map[string]decimal.Decimal),
		earned:   make(map[string]decimal.Decimal),
	}
}

func (w *Wallet) Spend(ctx context.Context, agentID string, amount decimal.Decimal, desc string) (*wallet.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RefuseSpend {
		return &wallet.Result{Success: false, Error: "insufficient credits"}, nil
	}
	w.spent[agentID] = w.spent[agentID].Add(amount)
	return &wallet.Result{Success: true, Credits: amount.String()}, nil
}

func (w *Wallet) Receive(ctx context.Context, agentID string, amount decimal.Decimal, desc string) (*wallet.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.received[agentID] = w.received[agentID].Add(amount)
	return &wallet.Result{Success: true, Credits: amount.String()}, nil
}

func (w *Wallet) AddEarnings(ctx context.Context, agentID string, amount decimal.Decimal, desc string) (*wallet.EarningsResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.FailEarn {
		return nil, fmt.Errorf("wallet service unavailable")
	}
	w.earned[agentID] = w.earned[agentID].Add(amount)
	return &wallet.EarningsResult{Success: true, AgentAmount: amount.String(), OwnerAmount: "0"}, nil
}

// EarnedBy returns the total credited to an agent across all settlements.
func (w *Wallet) EarnedBy(agentID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.earned[agentID]
}

// SpentBy returns the total debited from an agent.
func (w *Wallet) SpentBy(agentID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spent[agentID]
}

// Escrow is an in-process escrow ledger standing in for the escrow service.
// It satisfies tasks.Escrow and tracks per-task lock, release and refund
// totals for assertions.
type Escrow struct {
	mu         sync.Mutex
	locked     map[string]decimal.Decimal
	released   map[string]decimal.Decimal
	refunded   map[string]decimal.Decimal
	RefuseLock bool
}

// NewEscrow creates an empty escrow ledger.
func NewEscrow() *Escrow {
	return &Escrow{
		locked:   make(map[string]decimal.Decimal),
		released: make(map[string]decimal.Decimal),
		refunded: make(map[string]decimal.Decimal),
	}
}

func (e *Escrow) Lock(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*escrow.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RefuseLock {
		return &escrow.Result{Success: false, Error: "balance too low"}, nil
	}
	e.locked[taskID] = e.locked[taskID].Add(amount)
	return &escrow.Result{Success: true}, nil
}

func (e *Escrow) Release(ctx context.Context, creatorUserID, agentOwnerUserID, taskID string, amount decimal.Decimal) (*escrow.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released[taskID] = e.released[taskID].Add(amount)
	return &escrow.Result{Success: true}, nil
}

func (e *Escrow) Refund(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*escrow.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refunded[taskID] = e.refunded[taskID].Add(amount)
	return &escrow.Result{Success: true}, nil
}

func (e *Escrow) MarkAccepted(ctx context.Context, taskID, participantID string) (*escrow.Result, error) {
	return &escrow.Result{Success: true}, nil
}

func (e *Escrow) MarkSubmitted(ctx context.Context, taskID, participantID string) (*escrow.Result, error) {
	return &escrow.Result{Success: true}, nil
}

// LockedFor returns the total locked for a task.
func (e *Escrow) LockedFor(taskID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked[taskID]
}

// ReleasedFor returns the total released for a task.
func (e *Escrow) ReleasedFor(taskID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released[taskID]
}

// RefundedFor returns the total refunded for a task.
func (e *Escrow) RefundedFor(taskID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refunded[taskID]
}

// Payments records payment-task mirror calls. It satisfies tasks.Payments.
type Payments struct {
	mu       sync.Mutex
	created  []*payment.CreateTaskRequest
	statuses map[string]string
}

// NewPayments creates an empty payment recorder.
func NewPayments() *Payments {
	return &Payments{statuses: make(map[string]string)}
}

func (p *Payments) CreateTask(ctx context.Context, req *payment.CreateTaskRequest) (*payment.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, req)
	return &payment.Task{ID: "pay-" + req.TaskID, Status: "pending"}, nil
}

func (p *Payments) UpdateTaskStatus(ctx context.Context, id, status string) (*payment.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[id] = status
	return &payment.Task{ID: id, Status: status}, nil
}

// CreatedCount returns how many payment tasks were mirrored.
func (p *Payments) CreatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}
