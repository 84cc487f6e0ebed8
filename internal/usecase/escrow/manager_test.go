package escrow

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"estatefund-escrow/internal/adapter/repository/mysql"
	"estatefund-escrow/internal/domain/audit"
	escrowDomain "estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/ledger"
	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/domain/uow"
	"estatefund-escrow/internal/infrastructure/metrics"
	"estatefund-escrow/internal/testutil/dbtest"
	"estatefund-escrow/internal/usecase/anomaly"
)

type fixture struct {
	db      *gorm.DB
	uow     *mysql.GormUoW
	mgr     *Manager
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		db:      db,
		uow:     mysql.NewGormUoW(db),
		mgr:     NewManager("EUR", nil, m, anomaly.NewReporter(nil, m)),
		metrics: m,
	}
}

func (f *fixture) inProject(t *testing.T, projectID string, fn func(r uow.Repos) error) error {
	t.Helper()
	return f.uow.WithinProjectTx(context.Background(), projectID, func(r uow.Repos, _ *project.Project) error {
		return fn(r)
	})
}

func TestRecordDeposit_CreatesAccountLazily(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProject(t, f.db, "P", "1000")
	require.Nil(t, dbtest.Account(t, f.db, "P"))

	var mv *Movement
	err := f.inProject(t, "P", func(r uow.Repos) (err error) {
		mv, err = f.mgr.RecordDeposit(context.Background(), r, "P", "pay-1", dbtest.D("250"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, mv.Before.IsZero())
	assert.True(t, mv.After.Equal(dbtest.D("250")))

	acc := dbtest.Account(t, f.db, "P")
	require.NotNil(t, acc)
	assert.Equal(t, "EUR", acc.Currency)
	entries := dbtest.Entries(t, f.db, "P")
	require.Len(t, entries, 1)
	assert.Equal(t, escrowDomain.EntryDeposit, entries[0].EntryType)
	assert.Equal(t, "pay-1", *entries[0].PaymentID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LedgerMovements.WithLabelValues("deposit")))
	dbtest.AssertBalanced(t, f.db, "P")
}

func TestRecordDeposit_RejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProject(t, f.db, "P", "1000")
	err := f.inProject(t, "P", func(r uow.Repos) error {
		_, err := f.mgr.RecordDeposit(context.Background(), r, "P", "pay-1", decimal.Zero)
		return err
	})
	assert.ErrorIs(t, err, escrowDomain.ErrInvalidAmount)
}

func TestRecordRelease_BalancePlusOneIsRejected(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedFunded(t, f.db, "P", "50000")

	err := f.inProject(t, "P", func(r uow.Repos) error {
		_, err := f.mgr.RecordRelease(context.Background(), r, "P", dbtest.D("50001"), escrowDomain.ReleasePartial)
		return err
	})
	require.ErrorIs(t, err, escrowDomain.ErrInsufficientBalance)
	var ib *escrowDomain.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.True(t, ib.Available.Equal(dbtest.D("50000")))

	assert.True(t, dbtest.Account(t, f.db, "P").Balance.Equal(dbtest.D("50000")))
	assert.Len(t, dbtest.Entries(t, f.db, "P"), 1)
}

func TestRecordRelease_ExactBalance(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedFunded(t, f.db, "P", "50000")

	err := f.inProject(t, "P", func(r uow.Repos) error {
		mv, err := f.mgr.RecordRelease(context.Background(), r, "P", dbtest.D("50000"), escrowDomain.ReleaseFull)
		if err == nil {
			assert.Equal(t, escrowDomain.ReleaseFull, mv.Entry.ReleaseType)
		}
		return err
	})
	require.NoError(t, err)
	assert.True(t, dbtest.Account(t, f.db, "P").Balance.IsZero())
	dbtest.AssertBalanced(t, f.db, "P")
}

func TestRecordRefundReversal_ClampsAndReports(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedFunded(t, f.db, "P", "30")

	var mv *Movement
	err := f.inProject(t, "P", func(r uow.Repos) (err error) {
		pid := "pay-late"
		mv, err = f.mgr.RecordRefundReversal(context.Background(), r, "P", &pid, dbtest.D("50"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, mv.Clamped)
	assert.True(t, mv.After.IsZero())
	assert.True(t, mv.Entry.Amount.Equal(dbtest.D("30")), "entry records the amount actually taken")

	dbtest.AssertBalanced(t, f.db, "P")
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, &audit.Entry{}, "action = ?", audit.ActionInvariantViolation))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InvariantViolations.WithLabelValues("escrow_account")))
}

func TestRecordRefundReversal_EmptyAccountWritesNoEntry(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProject(t, f.db, "P", "100")

	err := f.inProject(t, "P", func(r uow.Repos) error {
		mv, err := f.mgr.RecordRefundReversal(context.Background(), r, "P", nil, dbtest.D("10"))
		if err == nil {
			assert.Nil(t, mv.Entry)
			assert.True(t, mv.Clamped)
		}
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, dbtest.Entries(t, f.db, "P"))
}

// Random deposit/release/refund sequences keep balance == signed sum of entries.
func TestInvariant_RandomSequence(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProject(t, f.db, "P", "1000000")
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		amount := decimal.New(int64(rng.Intn(50000)+1), -2)
		op := rng.Intn(3)
		err := f.inProject(t, "P", func(r uow.Repos) error {
			var err error
			switch op {
			case 0:
				_, err = f.mgr.RecordDeposit(ctx, r, "P", "pay", amount)
			case 1:
				_, err = f.mgr.RecordRelease(ctx, r, "P", amount, escrowDomain.ReleasePartial)
			default:
				_, err = f.mgr.RecordRefundReversal(ctx, r, "P", nil, amount)
			}
			return err
		})
		if err != nil && !errors.Is(err, escrowDomain.ErrInsufficientBalance) {
			t.Fatalf("step %d op %d: %v", i, op, err)
		}
		dbtest.AssertBalanced(t, f.db, "P")
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedFunded(t, f.db, "P", "500")
	ctx := context.Background()
	verify := func(projectID string) (bal decimal.Decimal, err error) {
		_ = f.uow.WithinTx(ctx, func(r uow.Repos) error {
			bal, err = f.mgr.Verify(ctx, r, projectID)
			return nil
		})
		return bal, err
	}

	bal, err := verify("P")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dbtest.D("500")))

	// drift the cached balance behind the ledger's back
	require.NoError(t, f.db.Model(&escrowDomain.Account{}).Where("project_id = ?", "P").Update("balance", dbtest.D("450")).Error)
	_, err = verify("P")
	var v *ledger.InvariantViolationError
	require.True(t, errors.As(err, &v))
	assert.True(t, v.Expected.Equal(dbtest.D("500")))
	assert.True(t, v.Actual.Equal(dbtest.D("450")))

	bal, err = verify("missing")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestBalance(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedFunded(t, f.db, "P", "75")
	ctx := context.Background()

	err := f.uow.WithinTx(ctx, func(r uow.Repos) error {
		b, err := f.mgr.Balance(ctx, r, "P")
		require.NoError(t, err)
		assert.True(t, b.Equal(dbtest.D("75")))
		b, err = f.mgr.Balance(ctx, r, "none")
		require.NoError(t, err)
		assert.True(t, b.IsZero())
		return nil
	})
	require.NoError(t, err)
}
