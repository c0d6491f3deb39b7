package engine

import (
	"errors"

	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/indexing/skiplist"
	"github.com/ProKn1fe/LiteDB/core/locks"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/transactions"
)

// Engine error taxonomy. Most sentinels originate in the component that
// detects the condition and are re-exported here so callers depend on one
// package.
var (
	// ErrDatabaseClosed is returned by every operation after Close.
	ErrDatabaseClosed = errors.New("engine: database is closed")

	// ErrCollectionNotFound is returned when an operation targets a missing
	// collection.
	ErrCollectionNotFound = errors.New("engine: collection not found")

	// ErrCollectionAlreadyExists is returned by CreateCollection on a name
	// collision.
	ErrCollectionAlreadyExists = errors.New("engine: collection already exists")

	// ErrIndexNotFound is returned when an operation targets a missing index.
	ErrIndexNotFound = errors.New("engine: index not found")

	// ErrIndexAlreadyExists is returned by CreateIndex on a name collision.
	ErrIndexAlreadyExists = errors.New("engine: index already exists")

	// ErrDocumentNotFound is returned when a document id resolves to nothing.
	ErrDocumentNotFound = errors.New("engine: document not found")

	// ErrWrongPassword is returned when an encrypted file does not decode
	// under the supplied password.
	ErrWrongPassword = errors.New("engine: wrong password")

	// ErrReadOnly is returned for mutations on a read-only engine.
	ErrReadOnly = errors.New("engine: database is read-only")

	// ErrRebuildMemory is returned when rebuilding an in-memory database.
	ErrRebuildMemory = errors.New("engine: cannot rebuild a memory database")

	// ErrLockTimeout: database or collection lock wait exceeded TIMEOUT.
	ErrLockTimeout = locks.ErrLockTimeout

	// ErrIndexDuplicateKey: unique constraint violation.
	ErrIndexDuplicateKey = skiplist.ErrDuplicateKey

	// ErrInvalidIndexKey: Min/Max or oversized index key.
	ErrInvalidIndexKey = skiplist.ErrInvalidIndexKey

	// ErrDataSizeExceeded: LIMIT_SIZE pragma exceeded.
	ErrDataSizeExceeded = transactions.ErrSizeExceeded

	// ErrInvalidDatabase: header signature or version mismatch.
	ErrInvalidDatabase = pages.ErrInvalidDatabase

	// ErrEncryptionRequired: file is encrypted and no password was given.
	ErrEncryptionRequired = disk.ErrPasswordRequired

	// ErrDiskFatal: the writer queue latched an I/O error; the engine stays
	// read-only until reopened.
	ErrDiskFatal = disk.ErrDiskFatal

	// ErrCorruption: a page failed shape validation while being read.
	ErrCorruption = pages.ErrInvalidPageType
)

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, locks.ErrLockTimeout)
}

// IsDuplicateKey reports whether err is a unique index violation.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, skiplist.ErrDuplicateKey)
}
