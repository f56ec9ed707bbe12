package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const SqlDialect = "postgres"

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")

	ErrNotConnected = errors.New("DB manager has not yet connected")

	retryDelay = 3 * time.Second
)

type (
	SqlLogger struct {
		logger logger.Logger
	}

	// Queryable is satisfied by both *sqlx.DB and *sqlx.Tx, allowing
	// stores to run the same statements in or out of a transaction.
	Queryable interface {
		GetContext(ctx context.Context, dest any, query string, args ...any) error
		SelectContext(ctx context.Context, dest any, query string, args ...any) error
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	}

	Manager interface {
		Connect(context.Context, DatabaseConfig) error
		GetSqlxDb() *sqlx.DB
		WrapTx(context.Context, func(*sqlx.Tx) error) error
		Close() error
	}

	manager struct {
		rawDb *sql.DB
		db    *sqlx.DB
	}
)

func New() *manager {
	return &manager{}
}

// Connect opens the database described by the config, retrying the initial ping
// up to config.ConnectRetries times, and then applies any pending migrations.
func (db *manager) Connect(ctx context.Context, config DatabaseConfig) error {
	dsn := config.DSN()
	raw, err := sql.Open(SqlDialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	conn := sqldblogger.OpenDriver(dsn, raw.Driver(), &SqlLogger{dbLogger})
	_ = raw.Close()

	attempts := max(config.ConnectRetries, 1)
	for attempt := 1; ; attempt++ {
		err := conn.PingContext(ctx)
		if err == nil {
			break
		}

		if attempt >= attempts {
			dbLogger.Emit(logger.ERROR, "All attempts FAILED!\n")
			_ = conn.Close()
			return fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, err)
		}

		dbLogger.Emit(logger.WARNING, "Attempt (%v/%v) failed... Retrying in %s\n", attempt, attempts, retryDelay)
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	db.rawDb = conn
	db.db = sqlx.NewDb(conn, SqlDialect)
	if err := db.ExecuteMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations uses the comp-time embedded SQL migrations (found in the 'migrations'
// dir in this package) and runs them against the current DB instance.
func (db *manager) ExecuteMigrations() error {
	if db.rawDb == nil {
		return fmt.Errorf("cannot execute migrations: %w", ErrNotConnected)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(SqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(db.rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	dbLogger.Emit(logger.SUCCESS, "DB Goose migration complete!\n")
	return nil
}

// GetSqlxDb returns the sqlx connection if one has been
// opened using 'Connect'. Otherwise, nil is returned
func (db *manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

// WrapTx is a convenience method around the top-level WrapTx, which simply
// uses the managers DB instance as the first argument.
func (db *manager) WrapTx(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	if db.db == nil {
		return ErrNotConnected
	}

	return WrapTx(ctx, db.db, f)
}

func (db *manager) Close() error {
	if db.db == nil {
		return nil
	}

	err := db.db.Close()
	db.db, db.rawDb = nil, nil
	return err
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		duration := data["duration"]
		if query, ok := data["query"]; ok {
			l.logger.Debugf("%s [%.2fms] -- %s\n", msg, duration, query)
		} else {
			l.logger.Debugf("%s [%.2fms]\n", msg, duration)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// WrapTx starts a transaction against the provided DB, and then calls the user
// provided function. If this function errors, the transaction is rolled back - otherwise
// the transaction is committed.
func WrapTx(ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed... rolling back. Error: %s\n", err.Error())
		return err
	}

	return tx.Commit()
}
