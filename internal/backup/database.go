package backup

import "time"

// Operation is one recorded CLI invocation.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// TransferRecord is one completed (or simulated) replication.
type TransferRecord struct {
	ID          string
	Target      string
	Source      string
	Destination string
	Snapshot    string
	Base        string
	Bookmark    string
	Bytes       int64
	Noop        bool
	CreatedAt   time.Time
}

// Archive is a send stream stored in a vault.
type Archive struct {
	ID         string
	Filesystem string
	Snapshot   string
	Base       string
	Size       int64
	Encrypted  bool
	CreatedAt  time.Time
}

// Database records run history.
type Database interface {
	// Operation tracking

	// CreateOperation records the start of an operation and assigns its ID.
	CreateOperation(operation, parameters string) (*Operation, error)

	// FinishOperation records the outcome of an operation.
	FinishOperation(id int64, status, errMsg string) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(limit int) ([]*Operation, error)

	// Transfers

	// CreateTransfer records a replication.
	CreateTransfer(t *TransferRecord) error

	// ListTransfers returns the most recent transfers of a target, newest first.
	// An empty target lists all targets.
	ListTransfers(target string, limit int) ([]*TransferRecord, error)

	// Archives

	// CreateArchive records a stream stored in the vault.
	CreateArchive(a *Archive) error

	// FindArchive returns an archive by ID. Returns nil, nil if not found.
	FindArchive(id string) (*Archive, error)

	// ListArchives returns the archives of a filesystem, oldest first.
	// An empty filesystem lists all archives.
	ListArchives(filesystem string) ([]*Archive, error)

	// Close closes the database connection.
	Close() error
}
