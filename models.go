package rms

import (
	"github.com/uptrace/bun"
)

// UserRecord is the rmsUsers row. The id is assigned by the database and is
// immutable afterwards. A non-zero Removed marks a soft-deleted user: it keeps
// the row for audit but blocks login and username reuse.
type UserRecord struct {
	bun.BaseModel `bun:"table:rmsUsers,alias:u"`

	ID            int64   `bun:"id,pk,autoincrement" json:"id,omitempty"`
	Username      *string `bun:"username" json:"username,omitempty"`
	Password      *string `bun:"password" json:"-"`
	Lang          *string `bun:"lang" json:"lang,omitempty"`
	Removed       int64   `bun:"removed" json:"removed,omitempty"`
	CanLogin      bool    `bun:"canLogin" json:"canLogin,omitempty"`
	Created       int64   `bun:"created" json:"created,omitempty"`
	Modified      int64   `bun:"modified" json:"modified,omitempty"`
	LastLogin     int64   `bun:"lastLogin" json:"lastLogin,omitempty"`
	LastLoginFrom *string `bun:"lastLoginFrom" json:"lastLoginFrom,omitempty"`
}

// MetaRecord is one rmsMeta row: a sparse (userId, prop) -> JSON value mapping.
type MetaRecord struct {
	bun.BaseModel `bun:"table:rmsMeta,alias:m"`

	UserID int64  `bun:"userId,pk"`
	Prop   string `bun:"prop,pk"`
	Data   []byte `bun:"data"`
}

// CommandRecord is the command dictionary: content hash -> command text.
// Rights rows reference commands by hash, so the dictionary row must exist
// before the first grant.
type CommandRecord struct {
	bun.BaseModel `bun:"table:rmsCommands,alias:c"`

	Hash    []byte `bun:"hash,pk"`
	Command string `bun:"command"`
}

// RightRecord is the many-to-many grant relation. Row existence means the
// user holds the command; there is no ordering, weighting, or expiry.
type RightRecord struct {
	bun.BaseModel `bun:"table:rmsRights,alias:r"`

	UserID      int64  `bun:"userId,pk"`
	CommandHash []byte `bun:"commandHash,pk"`
}

// SessionRecord is one persisted per-visitor session bag, keyed by the
// visitor id cookie.
type SessionRecord struct {
	bun.BaseModel `bun:"table:rmsSessions,alias:s"`

	ID       string `bun:"id,pk"`
	Data     []byte `bun:"data"`
	Modified int64  `bun:"modified"`
}
