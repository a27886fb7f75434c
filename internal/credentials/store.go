package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2beens/donationadmin/internal/storage"
)

var ErrNoUser = errors.New("no authenticated user stored")

// AuthenticatedUser is what the backend returns on login. It is a display
// and authorization hint only; the real credential is the backend's auth
// cookie, which this layer never reads.
type AuthenticatedUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type Store struct {
	persistent storage.Store
}

func NewStore(persistent storage.Store) *Store {
	return &Store{
		persistent: persistent,
	}
}

func (s *Store) Save(ctx context.Context, user AuthenticatedUser) error {
	userBytes, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.persistent.Set(ctx, storage.KeyUser, string(userBytes)); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// User returns ErrNoUser when nothing (or garbage) is stored.
func (s *Store) User(ctx context.Context) (*AuthenticatedUser, error) {
	userJson, err := s.persistent.Get(ctx, storage.KeyUser)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoUser
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	user := &AuthenticatedUser{}
	if err := json.Unmarshal([]byte(userJson), user); err != nil {
		return nil, fmt.Errorf("%w: unmarshal stored user: %s", ErrNoUser, err)
	}
	if user.Username == "" {
		return nil, ErrNoUser
	}
	return user, nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.persistent.Remove(ctx, storage.KeyUser)
}
