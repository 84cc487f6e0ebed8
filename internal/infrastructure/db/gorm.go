package db

import (
	"log"
	"os"
	"time"

	"estatefund-escrow/internal/domain/audit"
	"estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/investor"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/project"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func OpenGorm(dsn string) (*gorm.DB, error) {
	return OpenGormWithDialector(mysql.Open(dsn))
}

// gormLogConfig keeps misses quiet; orphan lookups and first deposits miss
// routinely and callers see them as domain errors.
func gormLogConfig() logger.Config {
	return logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	}
}

// OpenGormWithDialector lets tests hand in a dialector backed by sqlmock or
// sqlite. The connection is pinged once, after the pool is configured.
func OpenGormWithDialector(dial gorm.Dialector) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:               logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), gormLogConfig()),
		DisableAutomaticPing: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	db, err := gorm.Open(dial, cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// Models lists every table the ledger store owns.
func Models() []any {
	return []any{
		&project.Project{},
		&investment.Investment{},
		&payment.Payment{},
		&payment.RefundRecord{},
		&escrow.Account{},
		&escrow.Entry{},
		&investor.Total{},
		&audit.Entry{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
