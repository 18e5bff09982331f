// Package users manages the customer records that credits are billed against.
package users

import (
	"context"
	"errors"
	"strings"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
)

// Service manages user records.
type Service struct {
	store storage.UserStore
	log   *logging.Logger
}

// New constructs a user service.
func New(store storage.UserStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("users")
	}
	return &Service{store: store, log: log}
}

// Create registers a new user.
func (s *Service) Create(ctx context.Context, u user.User) (user.User, error) {
	u.ExternalID = strings.TrimSpace(u.ExternalID)
	u.Email = strings.TrimSpace(u.Email)
	u.DisplayName = strings.TrimSpace(u.DisplayName)

	if u.Email == "" {
		return user.User{}, svcerr.Validation("email is required")
	}
	if !strings.Contains(u.Email, "@") {
		return user.User{}, svcerr.Validation("email is not valid")
	}

	created, err := s.store.CreateUser(ctx, u)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return user.User{}, svcerr.Conflict("user already exists")
		}
		return user.User{}, err
	}

	s.log.WithField("user_id", created.ID).
		WithField("external_id", created.ExternalID).
		Info("user created")
	return created, nil
}

// Update changes mutable fields on a user.
func (s *Service) Update(ctx context.Context, id string, email, displayName *string, metadata map[string]string) (user.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, svcerr.NotFound("user", id)
		}
		return user.User{}, err
	}

	if email != nil {
		trimmed := strings.TrimSpace(*email)
		if trimmed == "" || !strings.Contains(trimmed, "@") {
			return user.User{}, svcerr.Validation("email is not valid")
		}
		u.Email = trimmed
	}
	if displayName != nil {
		u.DisplayName = strings.TrimSpace(*displayName)
	}
	if metadata != nil {
		u.Metadata = metadata
	}

	updated, err := s.store.UpdateUser(ctx, u)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return user.User{}, svcerr.Conflict("email already in use")
		}
		return user.User{}, err
	}
	return updated, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, svcerr.NotFound("user", id)
		}
		return user.User{}, err
	}
	return u, nil
}

// GetByExternalID resolves the identity-provider subject to a user.
func (s *Service) GetByExternalID(ctx context.Context, externalID string) (user.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return user.User{}, svcerr.Validation("external_id is required")
	}
	u, err := s.store.GetUserByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, svcerr.NotFound("user", externalID)
		}
		return user.User{}, err
	}
	return u, nil
}

// List returns all users ordered by creation time.
func (s *Service) List(ctx context.Context) ([]user.User, error) {
	return s.store.ListUsers(ctx)
}

// Delete removes a user.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return svcerr.NotFound("user", id)
		}
		return err
	}
	s.log.WithField("user_id", id).Info("user deleted")
	return nil
}
