// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"mirapay/internal/db"
	"mirapay/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Uint64

// NewDB opens a migrated in-memory database. It keeps a single connection, so
// concurrent transactions run one after another the way row locks would order them.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// CreateUser inserts an active user with password "password123"
func CreateUser(t testing.TB, gdb *gorm.DB, email string) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	u := &domain.User{Email: email, Password: string(hash), FirstName: "Ada", IsActive: true, EmailVerified: true, Role: domain.RoleUser}
	require.NoError(t, gdb.Create(u).Error)
	return u
}

// CreateAccount inserts an account owned by ownerID with the given opening balance
func CreateAccount(t testing.TB, gdb *gorm.DB, ownerID uint, class domain.AccountClassification, balance, currency string) *domain.Account {
	t.Helper()
	n := seq.Add(1)
	a := &domain.Account{
		UserID:         ownerID,
		Classification: class,
		PublicKey:      fmt.Sprintf("acct_test%08d", n),
		AccountNumber:  fmt.Sprintf("%010d", n),
		Name:           "test account",
		Balance:        decimal.RequireFromString(balance),
		Currency:       currency,
	}
	require.NoError(t, gdb.Create(a).Error)
	return a
}
