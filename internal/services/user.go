package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/internal/apierr"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/cache"
	"github.com/usermgmt/apiserver/internal/mailcheck"
	"github.com/usermgmt/apiserver/internal/mq"
	"github.com/usermgmt/apiserver/internal/store"
	"github.com/usermgmt/apiserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	List(ctx context.Context) ([]types.User, error)
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error)
	Delete(ctx context.Context, id string) (types.User, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// TokenIssuer signs credentials for authenticated users.
type TokenIssuer interface {
	Issue(user types.User) (string, error)
}

// EventPublisher receives user lifecycle events. Publishing is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event mq.UserEvent)
}

// SnapshotArchiver stores a copy of the user set before it is purged.
type SnapshotArchiver interface {
	Enabled() bool
	Archive(ctx context.Context, users []types.User) (string, error)
}

const (
	MsgEmailInUse    = "Email is already in use"
	MsgInvalidDomain = "Invalid email domain"
	MsgUserNotFound  = "User not found"
	MsgInvalidCreds  = "Invalid credentials"
	MsgInvalidID     = "Invalid ID format"
)

// Options tunes caching, timeouts and hashing.
type Options struct {
	ListTTL           time.Duration
	DetailTTL         time.Duration
	InvalidateOnWrite bool
	StoreTimeout      time.Duration
	BcryptCost        int
}

// Dependencies are the collaborators of UserService. Repo, Cache and Tokens
// are required; the rest fall back to permissive no-op implementations.
type Dependencies struct {
	Repo     UserRepository
	Cache    *cache.Cache
	Tokens   TokenIssuer
	Mail     mailcheck.DomainChecker
	Events   EventPublisher
	Archiver SnapshotArchiver
	Logger   *slog.Logger
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo     UserRepository
	cache    *cache.Cache
	tokens   TokenIssuer
	mail     mailcheck.DomainChecker
	events   EventPublisher
	archiver SnapshotArchiver
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
}

func NewUserService(deps Dependencies, opts Options) *UserService {
	s := &UserService{
		repo:     deps.Repo,
		cache:    deps.Cache,
		tokens:   deps.Tokens,
		mail:     deps.Mail,
		events:   deps.Events,
		archiver: deps.Archiver,
		logger:   deps.Logger,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if s.mail == nil {
		s.mail = mailcheck.AllowAll{}
	}
	if s.events == nil {
		s.events = noopEvents{}
	}
	if s.archiver == nil {
		s.archiver = noArchive{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string
	User  types.User
}

// PurgeResult is returned by DeleteAll.
type PurgeResult struct {
	Deleted  int64
	Snapshot string
}

// Register validates body, creates a user and issues a token for it.
func (s *UserService) Register(ctx context.Context, body []byte) (AuthResult, error) {
	in, err := decodeRegister(body)
	if err != nil {
		return AuthResult{}, err
	}

	user, err := s.create(ctx, in)
	if err != nil {
		return AuthResult{}, err
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return AuthResult{}, apierr.Internal(fmt.Errorf("issue token: %w", err))
	}

	s.events.Publish(ctx, mq.UserEvent{Type: mq.EventUserRegistered, UserID: user.ID, Email: user.Email, Role: user.Role})
	return AuthResult{Token: token, User: user}, nil
}

// Login verifies the credentials in body and issues a token.
func (s *UserService) Login(ctx context.Context, body []byte) (AuthResult, error) {
	in, err := decodeLogin(body)
	if err != nil {
		return AuthResult{}, err
	}

	user, err := readStore(ctx, s, func(ctx context.Context) (types.User, error) {
		return s.repo.GetByEmail(ctx, in.Email)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuthResult{}, apierr.NotFound(MsgUserNotFound)
		}
		return AuthResult{}, apierr.Internal(fmt.Errorf("find user by email: %w", err))
	}

	if err := auth.ComparePassword(user.PasswordHash, in.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return AuthResult{}, apierr.Unauthenticated(MsgInvalidCreds, err)
		}
		return AuthResult{}, apierr.Internal(fmt.Errorf("compare password: %w", err))
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return AuthResult{}, apierr.Internal(fmt.Errorf("issue token: %w", err))
	}
	return AuthResult{Token: token, User: user.Public()}, nil
}

// List returns every user. requestURI is the full request path including the
// query string; it keys the cached result.
func (s *UserService) List(ctx context.Context, requestURI string) ([]types.User, error) {
	users, err := cache.ReadThrough(ctx, s.cache, cache.ListKey(requestURI), s.opts.ListTTL,
		func(ctx context.Context) ([]types.User, error) {
			users, err := readStore(ctx, s, s.repo.List)
			if err != nil {
				return nil, err
			}
			for i := range users {
				users[i] = users[i].Public()
			}
			return users, nil
		},
		func(users []types.User) bool { return len(users) > 0 },
	)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("list users: %w", err))
	}
	return users, nil
}

// Get returns the user with the given id.
func (s *UserService) Get(ctx context.Context, id string) (types.User, error) {
	if !types.ValidID(id) {
		return types.User{}, apierr.Validation(MsgInvalidID)
	}

	user, err := cache.ReadThrough(ctx, s.cache, cache.DetailKey(id), s.opts.DetailTTL,
		func(ctx context.Context) (types.User, error) {
			user, err := readStore(ctx, s, func(ctx context.Context) (types.User, error) {
				return s.repo.GetByID(ctx, id)
			})
			if err != nil {
				return types.User{}, err
			}
			return user.Public(), nil
		},
		nil,
	)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, apierr.NotFound(MsgUserNotFound)
		}
		return types.User{}, apierr.Internal(fmt.Errorf("get user %s: %w", id, err))
	}
	return user, nil
}

// Create adds a user on behalf of an administrator.
func (s *UserService) Create(ctx context.Context, actor auth.Principal, body []byte) (types.User, error) {
	in, err := decodeRegister(body)
	if err != nil {
		return types.User{}, err
	}

	user, err := s.create(ctx, in)
	if err != nil {
		return types.User{}, err
	}

	s.events.Publish(ctx, mq.UserEvent{Type: mq.EventUserCreated, UserID: user.ID, Email: user.Email, Role: user.Role, ActorID: actor.ID})
	return user, nil
}

// Update applies the name, email and age changes in body to the user with
// the given id. Ownership is checked by the caller.
func (s *UserService) Update(ctx context.Context, actor auth.Principal, id string, body []byte) (types.User, error) {
	if !types.ValidID(id) {
		return types.User{}, apierr.Validation(MsgInvalidID)
	}
	patch, err := decodePatch(body)
	if err != nil {
		return types.User{}, err
	}

	current, err := readStore(ctx, s, func(ctx context.Context) (types.User, error) {
		return s.repo.GetByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, apierr.NotFound(MsgUserNotFound)
		}
		return types.User{}, apierr.Internal(fmt.Errorf("get user %s: %w", id, err))
	}
	if patch.Empty() {
		return current.Public(), nil
	}

	if patch.Email != nil && *patch.Email != current.Email {
		if err := s.checkDomain(ctx, *patch.Email); err != nil {
			return types.User{}, err
		}
	}

	updated, err := callStore(ctx, s, func(ctx context.Context) (types.User, error) {
		return s.repo.Update(ctx, id, patch)
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return types.User{}, apierr.NotFound(MsgUserNotFound)
		case errors.Is(err, store.ErrConflict):
			return types.User{}, apierr.Conflict(MsgEmailInUse)
		}
		return types.User{}, apierr.Internal(fmt.Errorf("update user %s: %w", id, err))
	}

	s.invalidate(ctx, id)
	s.events.Publish(ctx, mq.UserEvent{Type: mq.EventUserUpdated, UserID: id, Email: updated.Email, Role: updated.Role, ActorID: actor.ID})
	return updated.Public(), nil
}

// Delete removes the user with the given id and returns the removed record.
func (s *UserService) Delete(ctx context.Context, actor auth.Principal, id string) (types.User, error) {
	if !types.ValidID(id) {
		return types.User{}, apierr.Validation(MsgInvalidID)
	}

	deleted, err := callStore(ctx, s, func(ctx context.Context) (types.User, error) {
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, apierr.NotFound(MsgUserNotFound)
		}
		return types.User{}, apierr.Internal(fmt.Errorf("delete user %s: %w", id, err))
	}

	s.invalidate(ctx, id)
	s.events.Publish(ctx, mq.UserEvent{Type: mq.EventUserDeleted, UserID: id, Email: deleted.Email, Role: deleted.Role, ActorID: actor.ID})
	return deleted.Public(), nil
}

// DeleteAll removes every user. When archiving is enabled a snapshot is
// written first and a failed snapshot aborts the purge.
func (s *UserService) DeleteAll(ctx context.Context, actor auth.Principal) (PurgeResult, error) {
	var result PurgeResult
	if s.archiver.Enabled() {
		users, err := readStore(ctx, s, s.repo.List)
		if err != nil {
			return PurgeResult{}, apierr.Internal(fmt.Errorf("list users for snapshot: %w", err))
		}
		key, err := s.archiver.Archive(ctx, users)
		if err != nil {
			return PurgeResult{}, apierr.Internal(fmt.Errorf("archive users: %w", err))
		}
		result.Snapshot = key
		s.logger.InfoContext(ctx, "user snapshot archived", "key", key, "count", len(users))
	}

	deleted, err := callStore(ctx, s, s.repo.DeleteAll)
	if err != nil {
		return PurgeResult{}, apierr.Internal(fmt.Errorf("delete all users: %w", err))
	}
	result.Deleted = deleted

	if s.opts.InvalidateOnWrite {
		s.cache.Invalidate(ctx, nil, cache.DetailPrefix, cache.ListPrefix)
	}
	s.events.Publish(ctx, mq.UserEvent{Type: mq.EventUsersPurged, Count: deleted, Snapshot: result.Snapshot, ActorID: actor.ID})
	return result, nil
}

// create runs the shared registration path: uniqueness, domain check,
// hashing and insertion.
func (s *UserService) create(ctx context.Context, in registerInput) (types.User, error) {
	_, err := readStore(ctx, s, func(ctx context.Context) (types.User, error) {
		return s.repo.GetByEmail(ctx, in.Email)
	})
	switch {
	case err == nil:
		return types.User{}, apierr.Conflict(MsgEmailInUse)
	case !errors.Is(err, store.ErrNotFound):
		return types.User{}, apierr.Internal(fmt.Errorf("find user by email: %w", err))
	}

	if err := s.checkDomain(ctx, in.Email); err != nil {
		return types.User{}, err
	}

	hash, err := auth.HashPassword(in.Password, s.opts.BcryptCost)
	if err != nil {
		return types.User{}, apierr.Internal(fmt.Errorf("hash password: %w", err))
	}

	now := s.now().UTC()
	user := types.User{
		ID:           s.newID(),
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         in.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := callStore(ctx, s, func(ctx context.Context) (types.User, error) {
		return s.repo.Create(ctx, user)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.User{}, apierr.Conflict(MsgEmailInUse)
		}
		return types.User{}, apierr.Internal(fmt.Errorf("create user: %w", err))
	}

	if s.opts.InvalidateOnWrite {
		s.cache.Invalidate(ctx, nil, cache.ListPrefix)
	}
	return created.Public(), nil
}

func (s *UserService) checkDomain(ctx context.Context, email string) error {
	ok, err := s.mail.ReceivesMail(ctx, mailcheck.Domain(email))
	if err != nil {
		return apierr.Internal(fmt.Errorf("check email domain: %w", err))
	}
	if !ok {
		return apierr.Validation(MsgInvalidDomain)
	}
	return nil
}

// invalidate drops the cached record for id and every cached list.
func (s *UserService) invalidate(ctx context.Context, id string) {
	if !s.opts.InvalidateOnWrite {
		return
	}
	s.cache.Invalidate(ctx, []string{cache.DetailKey(id)}, cache.ListPrefix)
}

func (s *UserService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// callStore runs one store call under the store timeout. Writes go through
// it directly and are never retried.
func callStore[T any](ctx context.Context, s *UserService, op func(context.Context) (T, error)) (T, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return op(ctx)
}

// readStore runs a store read under the store timeout and retries it once,
// unless the record does not exist or the caller has gone away.
func readStore[T any](ctx context.Context, s *UserService, op func(context.Context) (T, error)) (T, error) {
	v, err := callStore(ctx, s, op)
	if err == nil || errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
		return v, err
	}
	s.logger.WarnContext(ctx, "store read failed, retrying once", "error", err)
	return callStore(ctx, s, op)
}

type noopEvents struct{}

func (noopEvents) Publish(context.Context, mq.UserEvent) {}

type noArchive struct{}

func (noArchive) Enabled() bool { return false }

func (noArchive) Archive(context.Context, []types.User) (string, error) { return "", nil }
