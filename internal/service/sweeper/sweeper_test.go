// internal/service/sweeper/sweeper_test.go
package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"artifex-service/internal/domain/credit"
	"artifex-service/internal/domain/task"
	xerrors "artifex-service/internal/pkg/errors"
	"artifex-service/internal/provider/generation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTaskStore struct {
	tasks     map[string]*task.GenerationTask
	completed map[string]string
	failed    map[string]string
}

func newFakeTaskStore(tasks ...*task.GenerationTask) *fakeTaskStore {
	f := &fakeTaskStore{
		tasks:     map[string]*task.GenerationTask{},
		completed: map[string]string{},
		failed:    map[string]string{},
	}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTaskStore) ListStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]task.GenerationTask, error) {
	out := []task.GenerationTask{}
	for _, t := range f.tasks {
		if t.Status == task.StatusProcessing && t.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) MarkCompleted(ctx context.Context, id, resultURL string) error {
	t, ok := f.tasks[id]
	if !ok || t.Status != task.StatusProcessing {
		return xerrors.ErrNotFound
	}
	t.Status = task.StatusCompleted
	f.completed[id] = resultURL
	return nil
}

func (f *fakeTaskStore) MarkFailed(ctx context.Context, id, errorMessage string) error {
	t, ok := f.tasks[id]
	if !ok || t.Status != task.StatusProcessing {
		return xerrors.ErrNotFound
	}
	t.Status = task.StatusFailed
	f.failed[id] = errorMessage
	return nil
}

type fakeGenClient struct {
	statuses map[string]*generation.TaskStatus
	errs     map[string]error
}

func (f *fakeGenClient) GetTaskStatus(ctx context.Context, providerTaskID string) (*generation.TaskStatus, error) {
	if err, ok := f.errs[providerTaskID]; ok {
		return nil, err
	}
	if s, ok := f.statuses[providerTaskID]; ok {
		return s, nil
	}
	return nil, xerrors.ErrNotFound
}

type settleCall struct {
	userID      string
	amount      int64
	referenceID string
}

type fakeCredits struct {
	refs        map[string]bool
	unfreezes   []settleCall
	spends      []settleCall
	spendErr    error
	unfreezeErr error
}

func newFakeCredits() *fakeCredits {
	return &fakeCredits{refs: map[string]bool{}}
}

func (f *fakeCredits) Unfreeze(ctx context.Context, userID string, amount int64, reason, referenceID string) (*credit.Transaction, error) {
	if f.unfreezeErr != nil {
		return nil, f.unfreezeErr
	}
	if f.refs[referenceID] {
		return nil, nil
	}
	f.refs[referenceID] = true
	f.unfreezes = append(f.unfreezes, settleCall{userID, amount, referenceID})
	return &credit.Transaction{}, nil
}

func (f *fakeCredits) Spend(ctx context.Context, userID string, amount int64, source credit.Source, referenceID string, metadata map[string]interface{}) (*credit.Transaction, error) {
	if f.spendErr != nil {
		return nil, f.spendErr
	}
	if f.refs[referenceID] {
		return nil, nil
	}
	f.refs[referenceID] = true
	f.spends = append(f.spends, settleCall{userID, amount, referenceID})
	return &credit.Transaction{}, nil
}

type fakeApplier struct {
	applied int
	err     error
}

func (f *fakeApplier) ApplyDueScheduledChanges(ctx context.Context, now time.Time, limit int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.applied++
	return f.applied, nil
}

type fakeLocker struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if f.held {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeLocker) Release(ctx context.Context, name string) error {
	f.released++
	return nil
}

func stuckTask(id, providerID string, frozen int64) *task.GenerationTask {
	return &task.GenerationTask{
		ID:             id,
		UserID:         "u1",
		ProviderTaskID: providerID,
		Kind:           "image",
		Status:         task.StatusProcessing,
		FrozenCredits:  frozen,
		CreatedAt:      time.Now().Add(-time.Hour),
	}
}

func newTestSweeper(store *fakeTaskStore, client *fakeGenClient, credits *fakeCredits, locker *fakeLocker) *Sweeper {
	return New(store, client, credits, &fakeApplier{}, locker, zap.NewNop(),
		time.Minute, 10*time.Minute, 50)
}

func TestSweepSettlesCompletedTask(t *testing.T) {
	store := newFakeTaskStore(stuckTask("t1", "p1", 10))
	client := &fakeGenClient{statuses: map[string]*generation.TaskStatus{
		"p1": {Status: generation.StatusCompleted, ResultURL: "https://cdn/img.png"},
	}}
	credits := newFakeCredits()
	s := newTestSweeper(store, client, credits, &fakeLocker{})

	result, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	require.Len(t, credits.unfreezes, 1)
	assert.Equal(t, settleCall{"u1", 10, "unfreeze_t1"}, credits.unfreezes[0])
	require.Len(t, credits.spends, 1)
	assert.Equal(t, settleCall{"u1", 10, "spend_task_t1"}, credits.spends[0])
	assert.Equal(t, "https://cdn/img.png", store.completed["t1"])
}

func TestSweepReleasesFailedTaskWithoutCharging(t *testing.T) {
	store := newFakeTaskStore(stuckTask("t1", "p1", 10))
	client := &fakeGenClient{statuses: map[string]*generation.TaskStatus{
		"p1": {Status: generation.StatusFailed, Error: "gpu exploded"},
	}}
	credits := newFakeCredits()
	s := newTestSweeper(store, client, credits, &fakeLocker{})

	result, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	require.Len(t, credits.unfreezes, 1)
	assert.Empty(t, credits.spends)
	assert.Equal(t, "gpu exploded", store.failed["t1"])
}

func TestSweepLeavesStillProcessingAlone(t *testing.T) {
	store := newFakeTaskStore(stuckTask("t1", "p1", 10))
	client := &fakeGenClient{statuses: map[string]*generation.TaskStatus{
		"p1": {Status: generation.StatusProcessing},
	}}
	credits := newFakeCredits()
	s := newTestSweeper(store, client, credits, &fakeLocker{})

	result, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.StillProcessing)
	assert.Empty(t, credits.unfreezes)
	assert.Equal(t, task.StatusProcessing, store.tasks["t1"].Status)
}

func TestSweepFailsTaskLostByProvider(t *testing.T) {
	store := newFakeTaskStore(stuckTask("t1", "p_missing", 10))
	client := &fakeGenClient{}
	credits := newFakeCredits()
	s := newTestSweeper(store, client, credits, &fakeLocker{})

	result, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, credits.unfreezes, 1)
	assert.Equal(t, task.StatusFailed, store.tasks["t1"].Status)
}

func TestSweepIsolatesPerTaskErrors(t *testing.T) {
	store := newFakeTaskStore(
		stuckTask("t1", "p1", 10),
		stuckTask("t2", "p2", 20),
		stuckTask("t3", "p3", 30),
	)
	client := &fakeGenClient{
		statuses: map[string]*generation.TaskStatus{
			"p1": {Status: generation.StatusCompleted},
			"p3": {Status: generation.StatusFailed, Error: "boom"},
		},
		errs: map[string]error{"p2": errors.New("connection reset")},
	}
	credits := newFakeCredits()
	s := newTestSweeper(store, client, credits, &fakeLocker{})

	result, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Swept)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Errored)
	// The flaky task stays processing for the next cycle.
	assert.Equal(t, task.StatusProcessing, store.tasks["t2"].Status)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	store := newFakeTaskStore(stuckTask("t1", "p1", 10))
	client := &fakeGenClient{statuses: map[string]*generation.TaskStatus{
		"p1": {Status: generation.StatusCompleted},
	}}
	credits := newFakeCredits()
	s := newTestSweeper(store, client, credits, &fakeLocker{held: true})

	result, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Swept)
	assert.Empty(t, credits.spends)
}

func TestSweepRerunDoesNotDoubleCharge(t *testing.T) {
	tsk := stuckTask("t1", "p1", 10)
	store := newFakeTaskStore(tsk)
	client := &fakeGenClient{statuses: map[string]*generation.TaskStatus{
		"p1": {Status: generation.StatusCompleted},
	}}
	credits := newFakeCredits()
	s := newTestSweeper(store, client, credits, &fakeLocker{})

	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	// Simulate a crash before the status write: the task shows up stuck
	// again. Reference ids make the settlement a no-op.
	tsk.Status = task.StatusProcessing
	_, err = s.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, credits.unfreezes, 1)
	assert.Len(t, credits.spends, 1)
}

func TestSweepCompletesTaskDespiteInsufficientCredits(t *testing.T) {
	store := newFakeTaskStore(stuckTask("t1", "p1", 10))
	client := &fakeGenClient{statuses: map[string]*generation.TaskStatus{
		"p1": {Status: generation.StatusCompleted},
	}}
	credits := newFakeCredits()
	credits.spendErr = xerrors.ErrInsufficientCredits
	s := newTestSweeper(store, client, credits, &fakeLocker{})

	result, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	// The asset was already delivered; the user keeps it.
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, task.StatusCompleted, store.tasks["t1"].Status)
}

func TestSweepReleasesLock(t *testing.T) {
	locker := &fakeLocker{}
	s := newTestSweeper(newFakeTaskStore(), &fakeGenClient{}, newFakeCredits(), locker)

	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}
