package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/usermgmt/apiserver/types"
)

const uniqueViolation = "23505"

const userColumns = `id, name, email, password_hash, age, role, created_at, updated_at`

// UserRepository handles persistence for users in Postgres. Email uniqueness
// is enforced by the users_email_key constraint.
type UserRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1`
	return r.getOne(ctx, query, email)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (types.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

// Create inserts user as given; the caller assigns the id and timestamps.
func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	const query = `
		INSERT INTO users (id, name, email, password_hash, age, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Name,
		user.Email,
		user.PasswordHash,
		user.Age,
		string(user.Role),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

// Update applies the non-nil fields of patch and returns the stored record.
func (r *UserRepository) Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error) {
	const query = `
		UPDATE users
		SET name = COALESCE($1, name),
			email = COALESCE($2, email),
			age = COALESCE($3, age),
			updated_at = $4
		WHERE id = $5
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(
		ctx,
		query,
		patch.Name,
		patch.Email,
		patch.Age,
		r.now().UTC(),
		id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

// Delete removes the user and returns the deleted record.
func (r *UserRepository) Delete(ctx context.Context, id string) (types.User, error) {
	const query = `DELETE FROM users WHERE id = $1 RETURNING ` + userColumns
	return r.getOne(ctx, query, id)
}

// DeleteAll removes every user and returns how many were deleted.
func (r *UserRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	var role string
	var age sql.NullInt64
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&age,
		&role,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return types.User{}, err
	}
	user.Role = types.Role(role)
	if age.Valid {
		v := int(age.Int64)
		user.Age = &v
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
