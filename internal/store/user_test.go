package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/apiserver/types"
)

var userColumnNames = []string{"id", "name", "email", "password_hash", "age", "role", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewUserRepository(db), mock
}

func TestUserRepositoryGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users\n\t\tWHERE id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userColumnNames).
			AddRow("u1", "BOB", "bob@gmail.com", "hash", int64(30), "user", created, created))

	user, err := repo.GetByID(context.Background(), "u1")
	require.NoError(t, err)

	age := 30
	assert.Equal(t, types.User{
		ID:           "u1",
		Name:         "BOB",
		Email:        "bob@gmail.com",
		PasswordHash: "hash",
		Age:          &age,
		Role:         types.RoleUser,
		CreatedAt:    created,
		UpdatedAt:    created,
	}, user)
}

func TestUserRepositoryGetByEmailNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE email = $1")).
		WithArgs("nobody@gmail.com").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByEmail(context.Background(), "nobody@gmail.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepositoryList(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at, id")).
		WillReturnRows(sqlmock.NewRows(userColumnNames).
			AddRow("u1", "BOB", "bob@gmail.com", "h1", nil, "user", created, created).
			AddRow("u2", "ALICE", "alice@gmail.com", "h2", nil, "admin", created, created))

	users, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Nil(t, users[0].Age)
	assert.Equal(t, types.RoleAdmin, users[1].Role)
}

func TestUserRepositoryListEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(userColumnNames))

	users, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestUserRepositoryCreate(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	user := types.User{ID: "u1", Name: "BOB", Email: "bob@gmail.com", PasswordHash: "h", Role: types.RoleUser, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("u1", "BOB", "bob@gmail.com", "h", nil, "user", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := repo.Create(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestUserRepositoryCreateDuplicateEmail(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "users_email_key"})

	_, err := repo.Create(context.Background(), types.User{ID: "u1", Email: "bob@gmail.com"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUserRepositoryUpdate(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	repo.now = func() time.Time { return now }
	name := "ROBERT"

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users")).
		WithArgs(&name, nil, nil, now, "u1").
		WillReturnRows(sqlmock.NewRows(userColumnNames).
			AddRow("u1", "ROBERT", "bob@gmail.com", "h", nil, "user", now, now))

	got, err := repo.Update(context.Background(), "u1", types.UserPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "ROBERT", got.Name)
}

func TestUserRepositoryUpdateErrors(t *testing.T) {
	repo, mock := newMockRepo(t)
	email := "taken@gmail.com"

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users")).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users")).WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := repo.Update(context.Background(), "missing", types.UserPatch{Email: &email})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Update(context.Background(), "u1", types.UserPatch{Email: &email})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUserRepositoryDelete(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM users WHERE id = $1 RETURNING")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userColumnNames).
			AddRow("u1", "BOB", "bob@gmail.com", "h", nil, "user", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM users WHERE id = $1 RETURNING")).
		WithArgs("u2").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.Delete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	_, err = repo.Delete(context.Background(), "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepositoryDeleteAll(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users")).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users")).WillReturnError(errors.New("connection reset"))

	n, err := repo.DeleteAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = repo.DeleteAll(context.Background())
	assert.Error(t, err)
}
