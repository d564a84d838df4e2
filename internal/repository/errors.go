// Package repository implements the persistence layer of the waiting
// room.  This file defines error types and helpers reused across the
// package.  Sentinel values let handlers distinguish failure scenarios,
// and IsRetryableConflict identifies the transient MySQL errors that a
// caller should retry rather than surface.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrSessionNotFound is returned when no open session exists for the
// requested (event, client session) pair.  Handlers generally treat it
// as a normal outcome rather than a failure: polling a session that was
// reaped reports a null session status, not an error.
var ErrSessionNotFound = errors.New("session not found")

// MySQL server error numbers for transaction conflicts.  Both are
// expected under load when many admission transactions contend for the
// same event lock, and both leave the database unchanged.
const (
	mysqlErrLockDeadlock    = 1213 // ER_LOCK_DEADLOCK
	mysqlErrLockWaitTimeout = 1205 // ER_LOCK_WAIT_TIMEOUT
)

// IsRetryableConflict reports whether err is a MySQL deadlock or lock
// wait timeout, i.e. a conflict that a bounded retry of the whole
// transaction is expected to resolve.
func IsRetryableConflict(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == mysqlErrLockDeadlock || me.Number == mysqlErrLockWaitTimeout
}
