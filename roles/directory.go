// Package roles resolves caller identities to roles and pod memberships,
// and implements the queue scoping rules. Identity itself is asserted
// upstream via a trusted header; this package only maps email to role.
package roles

import (
	"context"
	"errors"
	"strings"
)

// Role names, in ascending privilege order.
const (
	RoleTrainer    = "trainer"
	RoleReviewer   = "reviewer"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// ErrUnknownUser indicates the email is not in the directory.
var ErrUnknownUser = errors.New("roles: unknown user")

// User is one directory entry.
type User struct {
	Email string   `json:"email"`
	Role  string   `json:"role"`
	Pods  []string `json:"pods,omitempty"`
}

// IsAdmin reports whether the user may act on escalated tasks.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperAdmin
}

// InPod reports pod membership.
func (u *User) InPod(pod string) bool {
	for _, p := range u.Pods {
		if p == pod {
			return true
		}
	}
	return false
}

// Directory maps emails to users. The production directory lives
// upstream; this interface is what the core consumes.
type Directory interface {
	// Resolve returns the user for an email, or ErrUnknownUser.
	Resolve(ctx context.Context, email string) (*User, error)

	// ReviewersForPods returns reviewers covering any of the pods.
	ReviewersForPods(ctx context.Context, pods []string) ([]User, error)

	// Admins returns all admin and super_admin users.
	Admins(ctx context.Context) ([]User, error)
}

// StaticDirectory is a config-backed Directory.
type StaticDirectory struct {
	users map[string]User
}

// NewStaticDirectory builds a directory from configured users. Emails
// are matched case-insensitively.
func NewStaticDirectory(users []User) *StaticDirectory {
	m := make(map[string]User, len(users))
	for _, u := range users {
		m[strings.ToLower(u.Email)] = u
	}
	return &StaticDirectory{users: m}
}

// Resolve implements Directory.
func (d *StaticDirectory) Resolve(_ context.Context, email string) (*User, error) {
	u, ok := d.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrUnknownUser
	}
	return &u, nil
}

// ReviewersForPods implements Directory.
func (d *StaticDirectory) ReviewersForPods(_ context.Context, pods []string) ([]User, error) {
	var out []User
	for _, u := range d.users {
		if u.Role != RoleReviewer {
			continue
		}
		for _, pod := range pods {
			if u.InPod(pod) {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

// Admins implements Directory.
func (d *StaticDirectory) Admins(_ context.Context) ([]User, error) {
	var out []User
	for _, u := range d.users {
		if u.Role == RoleAdmin || u.Role == RoleSuperAdmin {
			out = append(out, u)
		}
	}
	return out, nil
}

// CanSee implements the role-based queue scoping: super_admin sees all,
// admin and reviewer see sessions whose trainer shares one of their
// pods, a trainer sees only their own sessions.
func CanSee(viewer, trainer *User) bool {
	if viewer == nil || trainer == nil {
		return false
	}
	switch viewer.Role {
	case RoleSuperAdmin:
		return true
	case RoleAdmin, RoleReviewer:
		for _, pod := range viewer.Pods {
			if trainer.InPod(pod) {
				return true
			}
		}
		return false
	case RoleTrainer:
		return strings.EqualFold(viewer.Email, trainer.Email)
	}
	return false
}
