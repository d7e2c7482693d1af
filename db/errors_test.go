package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func mysqlErr(number uint16) error {
	return &mysql.MySQLError{Number: number, Message: "test"}
}

func TestClassifyNilIsNeverTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsAlreadyExists(nil))
}

func TestClassifyConnectionFailures(t *testing.T) {
	for _, err := range []error{
		io.EOF,
		sql.ErrConnDone,
		mysql.ErrInvalidConn,
		mysqlErr(mysqlErrServerGone),
		mysqlErr(mysqlErrServerLost),
		mysqlErr(mysqlErrTooManyConns),
	} {
		assert.True(t, IsTransient(err), "expected transient: %v", err)
	}
}

func TestClassifyLockContention(t *testing.T) {
	assert.True(t, IsTransient(mysqlErr(mysqlErrLockDeadlock)))
	assert.True(t, IsTransient(mysqlErr(mysqlErrLockWait)))
}

func TestClassifyAlreadyExists(t *testing.T) {
	assert.True(t, IsAlreadyExists(mysqlErr(mysqlErrTableExists)))
	assert.True(t, IsAlreadyExists(mysqlErr(mysqlErrTriggerExists)))
	assert.True(t, IsAlreadyExists(mysqlErr(mysqlErrDupIndex)))
	assert.False(t, IsTransient(mysqlErr(mysqlErrTableExists)))
}

func TestClassifyDefaultsToPermanent(t *testing.T) {
	assert.Equal(t, ClassPermanent, Classify(errors.New("syntax error")))
	assert.Equal(t, ClassPermanent, Classify(mysqlErr(mysqlErrUnknownColumn)))
}

func TestClassifyUnwrapsErrors(t *testing.T) {
	wrapped := fmt.Errorf("fetch batch: %w", mysqlErr(mysqlErrServerGone))
	assert.True(t, IsTransient(wrapped))
}

func TestIsUnknownColumn(t *testing.T) {
	assert.True(t, IsUnknownColumn(mysqlErr(mysqlErrUnknownColumn)))
	assert.False(t, IsUnknownColumn(mysqlErr(mysqlErrUnknownTable)))
	assert.False(t, IsUnknownColumn(nil))
}

func TestErrNoSuchTableMessage(t *testing.T) {
	err := ErrNoSuchTable{Table: "HR"}
	assert.Contains(t, err.Error(), "HR")
}
