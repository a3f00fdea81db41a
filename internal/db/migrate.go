package db

import (
	"mirapay/internal/domain" // Importing domain models

	"github.com/sirupsen/logrus" // Logging library
	"gorm.io/gorm"               // GORM ORM library
)

// Models lists every table in migration order
func Models() []any {
	return []any{&domain.User{}, &domain.Account{}, &domain.Transaction{}, &domain.AuthToken{}}
}

// Migrate creates tables, foreign keys, constraints, columns and indexes
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	logrus.Info("Migration completed.") // Log successful migration
	return nil
}
