package snapshot

import "errors"

var (
	// ErrBadMagic means the blob does not start with Magic, most often
	// because it is not a snapshot at all.
	ErrBadMagic = errors.New("snapshot: bad magic")

	// ErrVersionMismatch means the blob's version byte does not match
	// CurrentVersion. Snapshots are never migrated forward; a restore
	// across versions must go through an explicit offline converter.
	ErrVersionMismatch = errors.New("snapshot: version mismatch")

	// ErrConfigHashMismatch means the decoded Config bytes do not hash
	// to the recorded config_hash, indicating truncation or corruption.
	ErrConfigHashMismatch = errors.New("snapshot: config hash mismatch")

	// ErrUnknownSection means a section header's kind byte is not one
	// Deserialize recognizes.
	ErrUnknownSection = errors.New("snapshot: unknown section kind")
)
