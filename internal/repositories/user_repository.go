package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository reads the identity mirror and stores presence last-seen.
type UserRepository interface {
	AreActive(ctx context.Context, ids ...int) (bool, error)
	UpdateLastSeen(ctx context.Context, userID int, at time.Time) error
	GetLastSeen(ctx context.Context, userID int) (*time.Time, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// AreActive reports whether every id resolves to an active account.
func (r *UserRepo) AreActive(ctx context.Context, ids ...int) (bool, error) {
	distinct := make(map[int]struct{}, len(ids))
	arr := make(pq.Int64Array, 0, len(ids))
	for _, id := range ids {
		if _, ok := distinct[id]; ok {
			continue
		}
		distinct[id] = struct{}{}
		arr = append(arr, int64(id))
	}
	if len(arr) == 0 {
		return false, nil
	}

	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users WHERE id = ANY($1) AND active`, arr); err != nil {
		return false, err
	}
	return count == len(arr), nil
}

// UpdateLastSeen stamps the user's last-seen time.
func (r *UserRepo) UpdateLastSeen(ctx context.Context, userID int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET last_seen_at = $2 WHERE id=$1`, userID, at)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetLastSeen returns the stored last-seen time, nil if never seen.
func (r *UserRepo) GetLastSeen(ctx context.Context, userID int) (*time.Time, error) {
	var seen sql.NullTime
	err := r.db.GetContext(ctx, &seen, `SELECT last_seen_at FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil || !seen.Valid {
		return nil, err
	}
	return &seen.Time, nil
}
