package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/escrow"
	"github.com/acnlabs/acn/pkg/payment"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
	"github.com/acnlabs/acn/pkg/wallet"
)

type fakeWallet struct {
	mu             sync.Mutex
	spent          map[string]decimal.Decimal
	received       map[string]decimal.Decimal
	earned         map[string]decimal.Decimal
	earnCalls      int
	refuseSpend    bool
	failEarnings   bool
	refuseEarnings bool
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		spent:    make(map[string]decimal.Decimal),
		received: make(map[string]decimal.Decimal),
		earned:   make(map[string]decimal.Decimal),
	}
}

func (f *fakeWallet) Spend(ctx context.Context, agentID string, amount decimal.Decimal, desc string) (*wallet.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuseSpend {
		return &wallet.Result{Success: false, Error: "insufficient credits"}, nil
	}
	f.spent[agentID] = f.spent[agentID].Add(amount)
	return &wallet.Result{Success: true, Credits: amount.String()}, nil
}

func (f *fakeWallet) Receive(ctx context.Context, agentID string, amount decimal.Decimal, desc string) (*wallet.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received[agentID] = f.received[agentID].Add(amount)
	return &wallet.Result{Success: true, Credits: amount.String()}, nil
}

func (f *fakeWallet) AddEarnings(ctx context.Context, agentID string, amount decimal.Decimal, desc string) (*wallet.EarningsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.earnCalls++
	if f.failEarnings {
		return nil, fmt.Errorf("wallet service unavailable")
	}
	if f.refuseEarnings {
		return &wallet.EarningsResult{Success: false, Error: "account frozen"}, nil
	}
	f.earned[agentID] = f.earned[agentID].Add(amount)
	return &wallet.EarningsResult{Success: true, AgentAmount: amount.String(), OwnerAmount: "0"}, nil
}

func (f *fakeWallet) earnedBy(agentID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.earned[agentID]
}

type fakeEscrow struct {
	mu         sync.Mutex
	locked     map[string]decimal.Decimal
	released   map[string]decimal.Decimal
	refunded   map[string]decimal.Decimal
	accepted   []string
	submitted  []string
	refuseLock bool
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{
		locked:   make(map[string]decimal.Decimal),
		released: make(map[string]decimal.Decimal),
		refunded: make(map[string]decimal.Decimal),
	}
}

func (f *fakeEscrow) Lock(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*escrow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuseLock {
		return &escrow.Result{Success: false, Error: "balance too low"}, nil
	}
	f.locked[taskID] = f.locked[taskID].Add(amount)
	return &escrow.Result{Success: true}, nil
}

func (f *fakeEscrow) Release(ctx context.Context, creatorUserID, agentOwnerUserID, taskID string, amount decimal.Decimal) (*escrow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[taskID] = f.released[taskID].Add(amount)
	return &escrow.Result{Success: true}, nil
}

func (f *fakeEscrow) Refund(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*escrow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded[taskID] = f.refunded[taskID].Add(amount)
	return &escrow.Result{Success: true}, nil
}

func (f *fakeEscrow) MarkAccepted(ctx context.Context, taskID, participantID string) (*escrow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, taskID+"/"+participantID)
	return &escrow.Result{Success: true}, nil
}

func (f *fakeEscrow) MarkSubmitted(ctx context.Context, taskID, participantID string) (*escrow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, taskID+"/"+participantID)
	return &escrow.Result{Success: true}, nil
}

func (f *fakeEscrow) lockedFor(taskID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[taskID]
}

func (f *fakeEscrow) refundedFor(taskID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunded[taskID]
}

func (f *fakeEscrow) releasedFor(taskID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[taskID]
}

type fakePayments struct {
	mu       sync.Mutex
	created  []*payment.CreateTaskRequest
	statuses map[string]string
	fail     bool
}

func newFakePayments() *fakePayments {
	return &fakePayments{statuses: make(map[string]string)}
}

func (f *fakePayments) CreateTask(ctx context.Context, req *payment.CreateTaskRequest) (*payment.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("payment service unavailable")
	}
	f.created = append(f.created, req)
	return &payment.Task{ID: "pay-" + req.TaskID, Status: "pending"}, nil
}

func (f *fakePayments) UpdateTaskStatus(ctx context.Context, id, status string) (*payment.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("payment service unavailable")
	}
	f.statuses[id] = status
	return &payment.Task{ID: id, Status: status}, nil
}

type taskFixture struct {
	svc      *Service
	store    storage.Store
	eph      storage.Ephemeral
	wallet   *fakeWallet
	escrow   *fakeEscrow
	payments *fakePayments
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &taskFixture{
		store:    store,
		eph:      storage.NewMemoryEphemeral(),
		wallet:   newFakeWallet(),
		escrow:   newFakeEscrow(),
		payments: newFakePayments(),
	}
	f.svc = New(store, f.eph, audit.NewRecorder(store, nil), f.wallet, f.escrow, f.payments)
	return f
}

func (f *taskFixture) addAgent(t *testing.T, id, owner string, skills ...string) {
	t.Helper()
	require.NoError(t, f.store.CreateAgent(&types.Agent{
		ID:           id,
		Name:         id,
		Owner:        owner,
		Skills:       skills,
		SubnetIDs:    []string{types.SubnetPublic},
		Status:       types.AgentStatusOnline,
		RegisteredAt: time.Now().UTC(),
	}))
}

func pointsTask(creatorID, reward string) *CreateInput {
	return &CreateInput{
		CreatorID:    creatorID,
		CreatorName:  "Creator",
		Title:        "label a dataset",
		RewardAmount: reward,
	}
}

func TestCreateDefaults(t *testing.T) {
	f := newTaskFixture(t)

	task, err := f.svc.Create(context.Background(), pointsTask("user-1", "5"))
	require.NoError(t, err)

	assert.Equal(t, types.TaskModeOpen, task.Mode)
	assert.Equal(t, types.TaskStatusOpen, task.Status)
	assert.Equal(t, types.CreatorTypeHuman, task.CreatorType)
	assert.Equal(t, CurrencyPoints, task.RewardCurrency)
	assert.Equal(t, types.RewardUnitCompletion, task.RewardUnit)
	assert.Equal(t, types.ApprovalManual, task.ApprovalType)
	assert.Equal(t, "5", task.TotalBudget)
	assert.Equal(t, "0", task.ReleasedAmount)

	assert.True(t, f.escrow.lockedFor(task.ID).Equal(decimal.NewFromInt(5)))
}

func TestCreateAssigneeImpliesAssignedMode(t *testing.T) {
	f := newTaskFixture(t)

	in := pointsTask("user-1", "5")
	in.AssigneeID = "agent-1"
	task, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, types.TaskModeAssigned, task.Mode)
	assert.Equal(t, "agent-1", task.AssigneeID)
}

func TestCreateBudgetCoversQuota(t *testing.T) {
	f := newTaskFixture(t)

	in := pointsTask("user-1", "5")
	in.IsMultiParticipant = true
	in.MaxCompletions = 4
	task, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "20", task.TotalBudget)
	assert.True(t, f.escrow.lockedFor(task.ID).Equal(decimal.NewFromInt(20)))
}

func TestCreateAgentCreatorSpendsWallet(t *testing.T) {
	f := newTaskFixture(t)

	in := pointsTask("agent-9", "7")
	in.CreatorType = types.CreatorTypeAgent
	task, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	f.wallet.mu.Lock()
	spent := f.wallet.spent["agent-9"]
	f.wallet.mu.Unlock()
	assert.True(t, spent.Equal(decimal.NewFromInt(7)))
	assert.True(t, f.escrow.lockedFor(task.ID).IsZero())
}

func TestCreateRefusedLockAborts(t *testing.T) {
	f := newTaskFixture(t)
	f.escrow.refuseLock = true

	_, err := f.svc.Create(context.Background(), pointsTask("user-1", "5"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.InsufficientBudget))
	assert.Equal(t, errs.CodeInsufficientBudget, errs.CodeOf(err))

	found, err := f.svc.Search(context.Background(), &storage.TaskQuery{CreatorID: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCreateRealCurrencyOpensPaymentTask(t *testing.T) {
	f := newTaskFixture(t)

	in := pointsTask("user-1", "25")
	in.RewardCurrency = "USDC"
	in.PaymentMethod = "erc20"
	in.PaymentNetwork = "base"
	task, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "pay-"+task.ID, task.ExternalPaymentID)
	require.Len(t, f.payments.created, 1)
	assert.Equal(t, "USDC", f.payments.created[0].Currency)
	assert.Equal(t, "erc20", f.payments.created[0].Method)
	assert.True(t, f.escrow.lockedFor(task.ID).IsZero(), "real currency must not lock escrow")
}

func TestCreateRealCurrencyPaymentFailureNonFatal(t *testing.T) {
	f := newTaskFixture(t)
	f.payments.fail = true

	in := pointsTask("user-1", "25")
	in.RewardCurrency = "USDC"
	task, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, task.ExternalPaymentID)
}

func TestCreateValidation(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, pointsTask("user-1", "not-a-number"))
	assert.True(t, errs.IsKind(err, errs.Validation))

	_, err = f.svc.Create(ctx, pointsTask("user-1", "-3"))
	assert.True(t, errs.IsKind(err, errs.Validation))

	in := pointsTask("user-1", "5")
	in.ApprovalType = types.ApprovalValidator
	_, err = f.svc.Create(ctx, in)
	assert.True(t, errs.IsKind(err, errs.Validation), "validator approval without validator id")

	in = pointsTask("user-1", "5")
	in.Title = ""
	_, err = f.svc.Create(ctx, in)
	assert.True(t, errs.IsKind(err, errs.Validation))
}

func TestCreateDeadline(t *testing.T) {
	f := newTaskFixture(t)

	in := pointsTask("user-1", "5")
	in.DeadlineHours = 48
	task, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, task.Deadline)
	assert.InDelta(t, 48*time.Hour, task.Deadline.Sub(task.CreatedAt), float64(time.Minute))
}

func TestSearchForAgent(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1", "user-2", "go", "sql")

	mk := func(title string, skills ...string) *types.Task {
		in := pointsTask("user-1", "1")
		in.Title = title
		in.RequiredSkills = skills
		task, err := f.svc.Create(ctx, in)
		require.NoError(t, err)
		return task
	}
	mk("go only", "go")
	mk("go and sql", "go", "sql")
	outside := mk("needs rust", "rust")
	accepted := mk("already taken", "go")
	_, _, err := f.svc.Accept(ctx, accepted.ID, "agent-1", "")
	require.NoError(t, err)

	found, err := f.svc.SearchForAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	// Newest first.
	assert.Equal(t, "go and sql", found[0].Title)
	assert.Equal(t, "go only", found[1].Title)
	for _, task := range found {
		assert.NotEqual(t, outside.ID, task.ID)
	}

	found, err = f.svc.SearchForAgent(ctx, "agent-1", 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestGetReportsActiveCount(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1", "user-2")

	in := pointsTask("user-1", "5")
	in.IsMultiParticipant = true
	in.MaxCompletions = 3
	task, err := f.svc.Create(ctx, in)
	require.NoError(t, err)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveParticipantsCount)
}
