package rms

import (
	"context"
	"database/sql"

	"github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// Store is the narrow persistence collaborator behind users, meta, the
// command dictionary, and rights. Every statement is independently atomic;
// multi-step sequences (create-then-seed-meta, grant loops) take no
// transaction, mirroring the upstream behavior.
type Store interface {
	// UserByID returns the row with the given id, including soft-removed
	// rows: removed users remain addressable by id for audit.
	UserByID(ctx context.Context, id int64) (*UserRecord, error)
	// UserByUsername returns the active (removed = 0) row with the given
	// username.
	UserByUsername(ctx context.Context, username string) (*UserRecord, error)
	// ActiveUserByID returns the row with the given id only while it is not
	// soft-removed. This is the registry lookup path.
	ActiveUserByID(ctx context.Context, id int64) (*UserRecord, error)
	InsertUser(ctx context.Context, rec *UserRecord) error
	UpdateUserFields(ctx context.Context, id int64, fields map[string]any) error
	DeleteUser(ctx context.Context, id int64) error

	// MetaGet returns the serialized value, or nil without error on a miss.
	MetaGet(ctx context.Context, userID int64, prop string) ([]byte, error)
	MetaSet(ctx context.Context, userID int64, prop string, data []byte) error
	MetaDelete(ctx context.Context, userID int64, prop string) error
	MetaSearch(ctx context.Context, prop string, data []byte, limit int) ([]int64, error)

	// EnsureCommand upserts the (hash, text) dictionary row. Idempotent;
	// must run before the first grant referencing the hash.
	EnsureCommand(ctx context.Context, hash []byte, text string) error
	InsertRight(ctx context.Context, userID int64, hash []byte) error
	DeleteRight(ctx context.Context, userID int64, hash []byte) error
	// HeldRights returns the subset of hashes the user holds.
	HeldRights(ctx context.Context, userID int64, hashes [][]byte) ([][]byte, error)
	ListRights(ctx context.Context, userID int64) ([]string, error)
	// UserIDsByRights returns the sorted, deduplicated ids of users holding
	// any of the given rights.
	UserIDsByRights(ctx context.Context, hashes [][]byte) ([]int64, error)
}

type bunStore struct {
	db *bun.DB
}

var _ Store = (*bunStore)(nil)

// NewStore wraps a bun handle in the Store collaborator.
func NewStore(db *bun.DB) Store {
	return &bunStore{db: db}
}

func (s *bunStore) UserByID(ctx context.Context, id int64) (*UserRecord, error) {
	rec := &UserRecord{}
	err := s.db.NewSelect().
		Model(rec).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, wrapScanErr(err, map[string]any{"id": id})
	}
	return rec, nil
}

func (s *bunStore) UserByUsername(ctx context.Context, username string) (*UserRecord, error) {
	rec := &UserRecord{}
	err := s.db.NewSelect().
		Model(rec).
		Where("?TableAlias.username = ?", username).
		Where("?TableAlias.removed = 0").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, wrapScanErr(err, map[string]any{"username": username})
	}
	return rec, nil
}

func (s *bunStore) ActiveUserByID(ctx context.Context, id int64) (*UserRecord, error) {
	rec := &UserRecord{}
	err := s.db.NewSelect().
		Model(rec).
		Where("?TableAlias.id = ?", id).
		Where("?TableAlias.removed = 0").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, wrapScanErr(err, map[string]any{"id": id})
	}
	return rec, nil
}

func (s *bunStore) InsertUser(ctx context.Context, rec *UserRecord) error {
	if _, err := s.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "insert user")
	}
	if rec.ID == 0 {
		return ErrStorageFailure
	}
	return nil
}

func (s *bunStore) UpdateUserFields(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := s.db.NewUpdate().
		Model(&fields).
		Table("rmsUsers").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "update user fields")
	}
	return nil
}

func (s *bunStore) DeleteUser(ctx context.Context, id int64) error {
	_, err := s.db.NewDelete().
		Model((*UserRecord)(nil)).
		Where("?TableAlias.id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "delete user")
	}
	return nil
}

func (s *bunStore) MetaGet(ctx context.Context, userID int64, prop string) ([]byte, error) {
	rec := &MetaRecord{}
	err := s.db.NewSelect().
		Model(rec).
		Where("?TableAlias.? = ?", bun.Ident("userId"), userID).
		Where("?TableAlias.prop = ?", prop).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "read meta")
	}
	return rec.Data, nil
}

func (s *bunStore) MetaSet(ctx context.Context, userID int64, prop string, data []byte) error {
	rec := &MetaRecord{UserID: userID, Prop: prop, Data: data}
	_, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT (?, ?) DO UPDATE", bun.Ident("userId"), bun.Ident("prop")).
		Set("data = EXCLUDED.data").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "upsert meta")
	}
	return nil
}

func (s *bunStore) MetaDelete(ctx context.Context, userID int64, prop string) error {
	_, err := s.db.NewDelete().
		Model((*MetaRecord)(nil)).
		Where("?TableAlias.? = ?", bun.Ident("userId"), userID).
		Where("?TableAlias.prop = ?", prop).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "delete meta")
	}
	return nil
}

func (s *bunStore) MetaSearch(ctx context.Context, prop string, data []byte, limit int) ([]int64, error) {
	var ids []int64
	q := s.db.NewSelect().
		Model((*MetaRecord)(nil)).
		Column("userId").
		Where("?TableAlias.prop = ?", prop).
		Where("?TableAlias.data = ?", data)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "search meta")
	}
	return ids, nil
}

func (s *bunStore) EnsureCommand(ctx context.Context, hash []byte, text string) error {
	rec := &CommandRecord{Hash: hash, Command: text}
	_, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "ensure command")
	}
	return nil
}

func (s *bunStore) InsertRight(ctx context.Context, userID int64, hash []byte) error {
	rec := &RightRecord{UserID: userID, CommandHash: hash}
	_, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "grant right")
	}
	return nil
}

func (s *bunStore) DeleteRight(ctx context.Context, userID int64, hash []byte) error {
	_, err := s.db.NewDelete().
		Model((*RightRecord)(nil)).
		Where("?TableAlias.? = ?", bun.Ident("userId"), userID).
		Where("?TableAlias.? = ?", bun.Ident("commandHash"), hash).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "revoke right")
	}
	return nil
}

func (s *bunStore) HeldRights(ctx context.Context, userID int64, hashes [][]byte) ([][]byte, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	var held [][]byte
	err := s.db.NewSelect().
		Model((*RightRecord)(nil)).
		Column("commandHash").
		Where("?TableAlias.? = ?", bun.Ident("userId"), userID).
		Where("?TableAlias.? IN (?)", bun.Ident("commandHash"), bun.In(hashes)).
		Scan(ctx, &held)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "filter rights")
	}
	return held, nil
}

func (s *bunStore) ListRights(ctx context.Context, userID int64) ([]string, error) {
	var texts []string
	err := s.db.NewSelect().
		Model((*CommandRecord)(nil)).
		Column("c.command").
		Join("JOIN ? AS r ON r.? = c.hash", bun.Ident("rmsRights"), bun.Ident("commandHash")).
		Where("r.? = ?", bun.Ident("userId"), userID).
		Scan(ctx, &texts)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "list rights")
	}
	return texts, nil
}

func (s *bunStore) UserIDsByRights(ctx context.Context, hashes [][]byte) ([]int64, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	var ids []int64
	err := s.db.NewSelect().
		Distinct().
		Model((*RightRecord)(nil)).
		Column("userId").
		Where("?TableAlias.? IN (?)", bun.Ident("commandHash"), bun.In(hashes)).
		OrderExpr("? ASC", bun.Ident("userId")).
		Scan(ctx, &ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "find users by right")
	}
	return ids, nil
}

func wrapScanErr(err error, meta map[string]any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound.Clone().WithMetadata(meta)
	}
	return errors.Wrap(err, errors.CategoryInternal, "query user")
}
