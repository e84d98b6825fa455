package handler

import "errors"

var (
	// ErrDatabaseNotInitialized is returned when the database is not initialized
	ErrDatabaseNotInitialized = errors.New("database not initialized")
	// ErrLedgerDirNotWritable is returned when the guest ledger directory cannot be written
	ErrLedgerDirNotWritable = errors.New("guest ledger directory not writable")
)
