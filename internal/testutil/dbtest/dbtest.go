// Package dbtest opens a migrated in-memory SQLite database and seeds ledger
// fixtures for package tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/project"
	infradb "estatefund-escrow/internal/infrastructure/db"
	"estatefund-escrow/pkg/id"
)

// Open returns a private database per test. One connection keeps every
// statement on the same in-memory schema and serialises transactions the way
// row locks would.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + id.NewID32() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := infradb.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func D(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func SeedProject(t *testing.T, db *gorm.DB, projectID, target string) *project.Project {
	t.Helper()
	p := &project.Project{
		ProjectID:      projectID,
		OwnerID:        "owner-" + projectID,
		TargetFunding:  D(target),
		CurrentFunding: decimal.Zero,
		Currency:       "EUR",
		Status:         project.StatusOpen,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p
}

func SeedInvestment(t *testing.T, db *gorm.DB, investmentID, userID, projectID, amount string, status investment.Status) *investment.Investment {
	t.Helper()
	inv := &investment.Investment{
		InvestmentID: investmentID,
		UserID:       userID,
		ProjectID:    projectID,
		Amount:       D(amount),
		Status:       status,
	}
	if status == investment.StatusConfirmed {
		now := time.Now().UTC()
		inv.ConfirmedAt = &now
	}
	if err := db.Create(inv).Error; err != nil {
		t.Fatalf("seed investment: %v", err)
	}
	return inv
}

// SeedPayment creates a pending payment for an investment. txnID or
// sessionID may be empty.
func SeedPayment(t *testing.T, db *gorm.DB, paymentID, provider, txnID, sessionID string, inv *investment.Investment) *payment.Payment {
	t.Helper()
	p := &payment.Payment{
		PaymentID: paymentID,
		Provider:  provider,
		Currency:  "EUR",
		Status:    payment.StatusPending,
	}
	if inv != nil {
		p.InvestmentID = &inv.InvestmentID
		p.UserID = inv.UserID
		p.Amount = inv.Amount
	}
	if txnID != "" {
		p.ProviderTransactionID = &txnID
	}
	if sessionID != "" {
		p.SessionID = &sessionID
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

// SeedFunded marks a project fully funded by one confirmed investment with a
// matching completed payment and escrow deposit.
func SeedFunded(t *testing.T, db *gorm.DB, projectID, amount string) (*project.Project, *investment.Investment) {
	t.Helper()
	p := SeedProject(t, db, projectID, amount)
	inv := SeedInvestment(t, db, "inv-"+projectID, "user-"+projectID, projectID, amount, investment.StatusConfirmed)
	pay := SeedPayment(t, db, "pay-"+projectID, "stripe", "pi_"+projectID, "", inv)
	if err := db.Model(pay).Update("status", payment.StatusCompleted).Error; err != nil {
		t.Fatalf("complete payment: %v", err)
	}

	p.CurrentFunding = D(amount)
	p.Status = project.StatusFundingComplete
	if err := db.Save(p).Error; err != nil {
		t.Fatalf("fund project: %v", err)
	}
	acc := &escrow.Account{AccountID: id.NewID32(), ProjectID: projectID, Balance: D(amount), Currency: "EUR"}
	if err := db.Create(acc).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	entry := &escrow.Entry{
		EntryID:        id.NewID32(),
		AccountID:      acc.AccountID,
		PaymentID:      &pay.PaymentID,
		EntryType:      escrow.EntryDeposit,
		Amount:         D(amount),
		ProcessingDate: time.Now().UTC(),
	}
	if err := db.Create(entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return p, inv
}

func Project(t *testing.T, db *gorm.DB, projectID string) *project.Project {
	t.Helper()
	var p project.Project
	if err := db.WithContext(context.Background()).Where("project_id = ?", projectID).First(&p).Error; err != nil {
		t.Fatalf("load project %s: %v", projectID, err)
	}
	return &p
}

func Payment(t *testing.T, db *gorm.DB, paymentID string) *payment.Payment {
	t.Helper()
	var p payment.Payment
	if err := db.Where("payment_id = ?", paymentID).First(&p).Error; err != nil {
		t.Fatalf("load payment %s: %v", paymentID, err)
	}
	return &p
}

func Investment(t *testing.T, db *gorm.DB, investmentID string) *investment.Investment {
	t.Helper()
	var inv investment.Investment
	if err := db.Where("investment_id = ?", investmentID).First(&inv).Error; err != nil {
		t.Fatalf("load investment %s: %v", investmentID, err)
	}
	return &inv
}

// Account returns nil when the project has no escrow account yet.
func Account(t *testing.T, db *gorm.DB, projectID string) *escrow.Account {
	t.Helper()
	var out []escrow.Account
	if err := db.Where("project_id = ?", projectID).Find(&out).Error; err != nil {
		t.Fatalf("load account %s: %v", projectID, err)
	}
	if len(out) == 0 {
		return nil
	}
	return &out[0]
}

func Entries(t *testing.T, db *gorm.DB, projectID string) []escrow.Entry {
	t.Helper()
	acc := Account(t, db, projectID)
	if acc == nil {
		return nil
	}
	var out []escrow.Entry
	if err := db.Where("account_id = ?", acc.AccountID).Order("id ASC").Find(&out).Error; err != nil {
		t.Fatalf("load entries: %v", err)
	}
	return out
}

// Count returns the number of rows of model matching where.
func Count(t *testing.T, db *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// AssertBalanced fails when the account balance differs from the signed sum
// of its entries.
func AssertBalanced(t *testing.T, db *gorm.DB, projectID string) {
	t.Helper()
	acc := Account(t, db, projectID)
	if acc == nil {
		return
	}
	sum := decimal.Zero
	for _, e := range Entries(t, db, projectID) {
		sum = sum.Add(e.EntryType.Signed(e.Amount))
	}
	if !sum.Equal(acc.Balance) {
		t.Fatalf("escrow %s unbalanced: balance %s, entries %s", projectID, acc.Balance, sum)
	}
	if acc.Balance.IsNegative() {
		t.Fatalf("escrow %s negative balance %s", projectID, acc.Balance)
	}
}
