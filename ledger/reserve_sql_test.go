package ledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupMockLedger(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *GormLedger) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	return mockDB, mock, NewGormLedger(gormDB, zap.NewNop())
}

// The reservation must be one conditional UPDATE guarded by the balance, not
// a read followed by a write.
func TestGormLedger_ReserveUsesConditionalUpdate(t *testing.T) {
	mockDB, mock, l := setupMockLedger(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "credit_accounts" SET .* WHERE user_id = \$\d+ AND balance >= \$\d+`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := l.Reserve(context.Background(), "u1", 2)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedger_CaptureGuardedByState(t *testing.T) {
	mockDB, mock, l := setupMockLedger(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "reservations" SET .* WHERE id = \$\d+ AND state = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := l.Capture(context.Background(), "res-1", CaptureMeta{Provider: "flux"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
