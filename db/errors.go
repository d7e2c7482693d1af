package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-sql-driver/mysql"
)

// Class partitions database errors by how callers must react. Classification
// happens once, here; call sites branch on the class instead of re-matching
// error text.
type Class int

const (
	// ClassTransient: connection-level failure, the operation may be retried
	// and any in-flight delivery state should be left retryable.
	ClassTransient Class = iota
	// ClassPermanent: the statement itself is wrong (bad table, bad column,
	// constraint violation); retrying cannot help.
	ClassPermanent
	// ClassAlreadyExists: benign DDL collision, the object is already there.
	ClassAlreadyExists
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// MySQL server error numbers this module cares about.
const (
	mysqlErrTableExists    = 1050
	mysqlErrUnknownColumn  = 1054
	mysqlErrUnknownTable   = 1146
	mysqlErrTriggerExists  = 1359
	mysqlErrDupIndex       = 1061
	mysqlErrLockDeadlock   = 1213
	mysqlErrLockWait       = 1205
	mysqlErrServerGone     = 2006
	mysqlErrServerLost     = 2013
	mysqlErrTooManyConns   = 1040
)

// Classify maps an error from the access layer onto its Class.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return ClassTransient
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrTableExists, mysqlErrTriggerExists, mysqlErrDupIndex:
			return ClassAlreadyExists
		case mysqlErrServerGone, mysqlErrServerLost, mysqlErrTooManyConns,
			mysqlErrLockDeadlock, mysqlErrLockWait:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	return ClassPermanent
}

// IsTransient is shorthand for Classify(err) == ClassTransient.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsAlreadyExists is shorthand for Classify(err) == ClassAlreadyExists.
func IsAlreadyExists(err error) bool {
	return err != nil && Classify(err) == ClassAlreadyExists
}

// IsUnknownColumn reports a statement referencing a column the table does not
// have; the apply engine uses this to skip conflict checks on tables without
// a touch timestamp.
func IsUnknownColumn(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrUnknownColumn
}

// ErrNoSuchTable is returned by introspection when a configured table is
// missing from the database.
type ErrNoSuchTable struct {
	Table string
}

func (e ErrNoSuchTable) Error() string {
	return fmt.Sprintf("table %s does not exist in database", e.Table)
}
