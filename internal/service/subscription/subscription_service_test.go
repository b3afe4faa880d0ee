// internal/service/subscription/subscription_service_test.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"artifex-service/internal/catalog"
	"artifex-service/internal/domain/billing"
	"artifex-service/internal/domain/credit"
	"artifex-service/internal/domain/subscription"
	xerrors "artifex-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ledgerCall struct {
	userID      string
	amount      int64
	source      credit.Source
	referenceID string
}

// fakeLedger dedupes by reference id like the real ledger does.
type fakeLedger struct {
	refs          map[string]bool
	grants        []ledgerCall
	adjusts       []ledgerCall
	failNextGrant error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{refs: map[string]bool{}}
}

func (f *fakeLedger) Grant(ctx context.Context, userID string, amount int64, source credit.Source, referenceID string, metadata map[string]interface{}) (*credit.Transaction, error) {
	if f.failNextGrant != nil {
		err := f.failNextGrant
		f.failNextGrant = nil
		return nil, err
	}
	if f.refs[referenceID] {
		return nil, nil
	}
	f.refs[referenceID] = true
	f.grants = append(f.grants, ledgerCall{userID, amount, source, referenceID})
	return &credit.Transaction{Amount: amount, ReferenceID: referenceID}, nil
}

func (f *fakeLedger) Adjust(ctx context.Context, userID string, delta int64, source credit.Source, referenceID, description string) (*credit.Transaction, error) {
	if f.refs[referenceID] {
		return nil, nil
	}
	f.refs[referenceID] = true
	f.adjusts = append(f.adjusts, ledgerCall{userID, delta, source, referenceID})
	return &credit.Transaction{Amount: delta, ReferenceID: referenceID}, nil
}

func (f *fakeLedger) totalGranted() int64 {
	var sum int64
	for _, g := range f.grants {
		sum += g.amount
	}
	for _, a := range f.adjusts {
		sum += a.amount
	}
	return sum
}

type fakeStore struct {
	byProvider map[string]*subscription.Subscription
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{byProvider: map[string]*subscription.Subscription{}}
}

func (f *fakeStore) FindByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	if sub, ok := f.byProvider[providerSubID]; ok {
		return sub, nil
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeStore) FindCurrentByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	var latest *subscription.Subscription
	for _, sub := range f.byProvider {
		if sub.UserID != userID {
			continue
		}
		if sub.Status != subscription.StatusCanceled {
			return sub, nil
		}
		latest = sub
	}
	if latest == nil {
		return nil, xerrors.ErrNotFound
	}
	return latest, nil
}

func (f *fakeStore) ListNonCanceledByUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	out := []subscription.Subscription{}
	for _, sub := range f.byProvider {
		if sub.UserID == userID && sub.Status != subscription.StatusCanceled {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeStore) Create(ctx context.Context, sub *subscription.Subscription) error {
	f.nextID++
	sub.ID = f.nextID
	cp := *sub
	f.byProvider[sub.ProviderSubscriptionID] = &cp
	return nil
}

func (f *fakeStore) Update(ctx context.Context, sub *subscription.Subscription) error {
	if _, ok := f.byProvider[sub.ProviderSubscriptionID]; !ok {
		return xerrors.ErrNotFound
	}
	cp := *sub
	f.byProvider[sub.ProviderSubscriptionID] = &cp
	return nil
}

func (f *fakeStore) ListDueScheduledChanges(ctx context.Context, before time.Time, limit int) ([]subscription.Subscription, error) {
	out := []subscription.Subscription{}
	for _, sub := range f.byProvider {
		if sub.Status != subscription.StatusCanceled && sub.HasScheduledChange() && !sub.CurrentPeriodEnd.After(before) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func newTestService() (*Service, *fakeStore, *fakeLedger) {
	store := newFakeStore()
	ledger := newFakeLedger()
	svc := NewService(store, catalog.Default(), ledger, zap.NewNop())
	return svc, store, ledger
}

func activePayload(subID, productID string, periodStart time.Time) *billing.SubscriptionPayload {
	return &billing.SubscriptionPayload{
		SubscriptionID:     subID,
		CustomerID:         "cust_1",
		UserID:             "u1",
		ProductID:          productID,
		Status:             "active",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
	}
}

func TestCheckoutCreatesSubscriptionAndGrantsFull(t *testing.T) {
	svc, store, ledger := newTestService()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	err := svc.ApplyProviderUpdate(context.Background(), activePayload("sub_1", "prod_pro_monthly", start), "evt_1")
	require.NoError(t, err)

	sub := store.byProvider["sub_1"]
	require.NotNil(t, sub)
	assert.Equal(t, "pro", sub.PlanID)
	assert.Equal(t, subscription.IntervalMonth, sub.Interval)
	assert.Equal(t, subscription.StatusActive, sub.Status)

	require.Len(t, ledger.grants, 1)
	assert.Equal(t, int64(500), ledger.grants[0].amount)
	assert.Equal(t, "creem_sub_1_initial", ledger.grants[0].referenceID)
	assert.Equal(t, credit.SourceSubscription, ledger.grants[0].source)
}

func TestWebhookAndSyncRaceGrantsOnce(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Same snapshot delivered twice, as when the sync path and webhook race.
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_2"))

	assert.Equal(t, int64(500), ledger.totalGranted())
}

func TestUpgradeGrantsOnlyDelta(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))

	// Mid-period switch to the bigger plan.
	err := svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_max_monthly", start), "evt_2")
	require.NoError(t, err)

	sub := store.byProvider["sub_1"]
	assert.Equal(t, "max", sub.PlanID)
	assert.False(t, sub.HasScheduledChange())

	require.Len(t, ledger.adjusts, 1)
	assert.Equal(t, int64(400), ledger.adjusts[0].amount)
	assert.Equal(t, fmt.Sprintf("creem_sub_1_upgrade_%d", start.Unix()), ledger.adjusts[0].referenceID)
	assert.Equal(t, int64(900), ledger.totalGranted())
}

func TestDowngradeDefersToPeriodEnd(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_max_monthly", start), "evt_1"))
	grantedBefore := ledger.totalGranted()

	err := svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_2")
	require.NoError(t, err)

	sub := store.byProvider["sub_1"]
	// Entitlements stay on the bigger plan until the boundary.
	assert.Equal(t, "max", sub.PlanID)
	assert.True(t, sub.HasScheduledChange())
	assert.Equal(t, "pro", sub.ScheduledPlanID.String)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, sub.CurrentPeriodEnd, sub.ScheduledPeriodStart.Time)

	assert.Equal(t, grantedBefore, ledger.totalGranted())
}

func TestRenewalGrantsFullAmount(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	nextStart := start.AddDate(0, 1, 0)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", nextStart), "evt_2"))

	require.Len(t, ledger.grants, 2)
	assert.Equal(t, fmt.Sprintf("creem_sub_1_renewal_%d", nextStart.Unix()), ledger.grants[1].referenceID)
	assert.Equal(t, int64(1000), ledger.totalGranted())
}

func TestRedeliveredRenewalGrantsOnce(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	nextStart := start.AddDate(0, 1, 0)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", nextStart), "evt_2"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", nextStart), "evt_2_redelivery"))

	assert.Equal(t, int64(1000), ledger.totalGranted())
}

func TestScheduledChangeAppliesOnPeriodAdvance(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	nextStart := start.AddDate(0, 1, 0)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_max_monthly", start), "evt_1"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_2"))

	// First event of the new period triggers the deferred downgrade.
	err := svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", nextStart), "evt_3")
	require.NoError(t, err)

	sub := store.byProvider["sub_1"]
	assert.Equal(t, "pro", sub.PlanID)
	assert.False(t, sub.HasScheduledChange())
	assert.False(t, sub.CancelAtPeriodEnd)

	require.Len(t, ledger.grants, 2)
	assert.Equal(t, int64(500), ledger.grants[1].amount)
	assert.Equal(t, fmt.Sprintf("creem_sub_1_sched_%d", nextStart.Unix()), ledger.grants[1].referenceID)
}

func TestSweepBackstopAndWebhookShareReference(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	nextStart := start.AddDate(0, 1, 0)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_max_monthly", start), "evt_1"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_2"))

	// The renewal webhook never arrives; the sweep applies the change.
	applied, err := svc.ApplyDueScheduledChanges(ctx, nextStart.Add(time.Hour), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	sub := store.byProvider["sub_1"]
	assert.Equal(t, "pro", sub.PlanID)
	grantedAfterSweep := ledger.totalGranted()

	// The late webhook must not double-grant.
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", nextStart), "evt_late"))
	assert.Equal(t, grantedAfterSweep, ledger.totalGranted())
}

func TestTrialGrantsNothingUntilEnded(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	p := activePayload("sub_1", "prod_pro_monthly", start)
	p.Status = "trialing"
	require.NoError(t, svc.ApplyProviderUpdate(ctx, p, "evt_1"))
	assert.Empty(t, ledger.grants)
}

func TestTrialEndedGrantsExactlyOnce(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	p := activePayload("sub_1", "prod_pro_monthly", start)
	p.Status = "trialing"
	require.NoError(t, svc.ApplyProviderUpdate(ctx, p, "evt_1"))

	ended := activePayload("sub_1", "prod_pro_monthly", start)
	require.NoError(t, svc.HandleTrialEnded(ctx, ended, "evt_2"))
	require.NoError(t, svc.HandleTrialEnded(ctx, ended, "evt_2_redelivery"))

	sub := store.byProvider["sub_1"]
	assert.Equal(t, subscription.StatusActive, sub.Status)

	require.Len(t, ledger.grants, 1)
	assert.Equal(t, int64(500), ledger.grants[0].amount)
	assert.Equal(t, "creem_sub_1_trial_end", ledger.grants[0].referenceID)
}

func TestInitialGrantRetriedAfterTransientFailure(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	ledger.failNextGrant = errors.New("ledger unavailable")
	err := svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1")
	require.Error(t, err)
	// The failed event leaves no row behind, so the redelivery replays the
	// whole creation instead of landing in the grant-less update path.
	assert.NotContains(t, store.byProvider, "sub_1")

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1_redelivery"))

	require.Len(t, ledger.grants, 1)
	assert.Equal(t, "creem_sub_1_initial", ledger.grants[0].referenceID)
	assert.Equal(t, int64(500), ledger.totalGranted())
}

func TestTrialConversionGrantsOnceAcrossPaidAndEnded(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	paidStart := start.AddDate(0, 0, 7)

	p := activePayload("sub_1", "prod_pro_monthly", start)
	p.Status = "trialing"
	require.NoError(t, svc.ApplyProviderUpdate(ctx, p, "evt_1"))

	// At conversion the provider sends both the first paid invoice and the
	// trial-ended event; only the latter may credit.
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", paidStart), "evt_2"))
	require.NoError(t, svc.HandleTrialEnded(ctx, activePayload("sub_1", "prod_pro_monthly", paidStart), "evt_3"))

	assert.Equal(t, subscription.StatusActive, store.byProvider["sub_1"].Status)
	require.Len(t, ledger.grants, 1)
	assert.Equal(t, "creem_sub_1_trial_end", ledger.grants[0].referenceID)
	assert.Equal(t, int64(500), ledger.totalGranted())
}

func TestTrialEndedBeforePaidGrantsOnce(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	paidStart := start.AddDate(0, 0, 7)

	p := activePayload("sub_1", "prod_pro_monthly", start)
	p.Status = "trialing"
	require.NoError(t, svc.ApplyProviderUpdate(ctx, p, "evt_1"))

	require.NoError(t, svc.HandleTrialEnded(ctx, activePayload("sub_1", "prod_pro_monthly", paidStart), "evt_2"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", paidStart), "evt_3"))

	assert.Equal(t, int64(500), ledger.totalGranted())
}

func TestUnknownProductSyncsFieldsOnly(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_mystery", start), "evt_1"))

	sub := store.byProvider["sub_1"]
	assert.Equal(t, "prod_mystery", sub.PlanID)
	assert.Empty(t, ledger.grants)
}

func TestCancelClearsScheduledChange(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_max_monthly", start), "evt_1"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_2"))

	require.NoError(t, svc.MarkCanceled(ctx, "sub_1", "subscription.canceled"))

	sub := store.byProvider["sub_1"]
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
	assert.False(t, sub.HasScheduledChange())
	assert.True(t, sub.CanceledAt.Valid)

	// Idempotent.
	require.NoError(t, svc.MarkCanceled(ctx, "sub_1", "again"))
}

func TestPastDueCountsFailuresAndActiveResets(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))
	require.NoError(t, svc.MarkPastDue(ctx, "sub_1"))
	require.NoError(t, svc.MarkPastDue(ctx, "sub_1"))
	assert.Equal(t, 2, store.byProvider["sub_1"].PaymentFailureCount)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_2"))
	assert.Equal(t, 0, store.byProvider["sub_1"].PaymentFailureCount)
}

func TestDisputeFlagsWithoutClawback(t *testing.T) {
	svc, store, ledger := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))
	granted := ledger.totalGranted()

	require.NoError(t, svc.MarkDisputed(ctx, "sub_1"))
	assert.True(t, store.byProvider["sub_1"].Disputed)
	assert.Equal(t, granted, ledger.totalGranted())
}

func TestSecondSubscriptionCancelsFirst(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))
	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_2", "prod_max_monthly", start), "evt_2"))

	assert.Equal(t, subscription.StatusCanceled, store.byProvider["sub_1"].Status)
	assert.Equal(t, subscription.StatusActive, store.byProvider["sub_2"].Status)
}

func TestSignupBonusIdempotent(t *testing.T) {
	svc, _, ledger := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.GrantSignupBonus(ctx, "u1"))
	require.NoError(t, svc.GrantSignupBonus(ctx, "u1"))

	require.Len(t, ledger.grants, 1)
	assert.Equal(t, int64(30), ledger.grants[0].amount)
	assert.Equal(t, credit.SourceBonus, ledger.grants[0].source)
}

func TestCurrentForUser(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.CurrentForUser(ctx, "u1")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	require.NoError(t, svc.ApplyProviderUpdate(ctx, activePayload("sub_1", "prod_pro_monthly", start), "evt_1"))

	resp, err := svc.CurrentForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", resp.PlanID)
	assert.Equal(t, "Pro", resp.PlanName)
	assert.Equal(t, subscription.StatusActive, resp.Status)
}
