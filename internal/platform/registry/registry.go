package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("user not found")
	ErrExists   = errors.New("user already exists")
	ErrReadOnly = errors.New("user registry is read-only")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// User is the authorization profile of one operator. Authentication happens
// upstream; this record alone decides the role.
type User struct {
	Email     string    `json:"email" yaml:"email"`
	Name      string    `json:"name" yaml:"name"`
	Role      string    `json:"role" yaml:"role"`
	Team      string    `json:"team" yaml:"team"`
	Active    bool      `json:"active" yaml:"active"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
	UpdatedBy string    `json:"updated_by,omitempty" yaml:"-"`
}

type Store interface {
	Get(ctx context.Context, email string) (User, error)
	List(ctx context.Context) ([]User, error)
	Create(ctx context.Context, u User) error
	SetActive(ctx context.Context, email string, active bool, by string) (User, error)
	SetRole(ctx context.Context, email, role, by string) (User, error)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// RolesFor resolves the role set of email. Unknown and inactive users hold no
// roles; that is not an error.
func RolesFor(ctx context.Context, s Store, email string) ([]string, error) {
	u, err := s.Get(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !u.Active || u.Role == "" {
		return []string{}, nil
	}
	return []string{u.Role}, nil
}
