// Package auth protects the admin API used by operators and the billing
// collaborator. Admin users authenticate with HTTP basic auth; passwords are
// stored as bcrypt hashes.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleBilling Role = "billing"
	RoleViewer  Role = "viewer"
)

type Permission string

const (
	PermissionAccountRead  Permission = "account:read"
	PermissionAccountWrite Permission = "account:write"
	PermissionTierWrite    Permission = "tier:write"
	PermissionUsageRead    Permission = "usage:read"
	PermissionAdminManage  Permission = "admin:manage"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionAccountRead,
		PermissionAccountWrite,
		PermissionTierWrite,
		PermissionUsageRead,
		PermissionAdminManage,
	},
	// The billing service changes tiers after payment events.
	RoleBilling: {
		PermissionAccountRead,
		PermissionTierWrite,
		PermissionUsageRead,
	},
	RoleViewer: {
		PermissionAccountRead,
		PermissionUsageRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	return slices.Contains(rolePermissions[role], permission)
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(s))
	if _, ok := rolePermissions[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// unknownUserHash is compared against when the username does not exist so
// that lookups for unknown and known users cost the same.
var unknownUserHash, _ = bcrypt.GenerateFromPassword([]byte("photo-router-unknown-user"), bcrypt.DefaultCost)

type Authenticator struct {
	repo AdminUserRepository
}

func NewAuthenticator(repo AdminUserRepository) *Authenticator {
	return &Authenticator{repo: repo}
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*AdminUser, error) {
	user, err := a.repo.GetByUsername(ctx, username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(unknownUserHash, []byte(password))
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup admin user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}
	if !user.Enabled {
		return nil, ErrUnauthorized
	}
	return user, nil
}

type contextKey string

const userContextKey contextKey = "admin_user"

func WithUser(ctx context.Context, user *AdminUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (*AdminUser, bool) {
	user, ok := ctx.Value(userContextKey).(*AdminUser)
	return user, ok
}

// Guard authenticates admin requests and enforces one permission per route.
type Guard struct {
	auth *Authenticator
}

func NewGuard(auth *Authenticator) *Guard {
	return &Guard{auth: auth}
}

// Protect wraps next so that it only runs for an enabled user whose role
// grants permission. The user is available through UserFromContext.
func (g *Guard) Protect(permission Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="photo-router admin"`)
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}

		user, err := g.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			slog.Warn("admin authentication failed", "username", username, "path", r.URL.Path, "error", err)
			deny(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		if !HasPermission(user.Role, permission) {
			slog.Warn("admin permission denied",
				"username", user.Username,
				"role", user.Role,
				"permission", permission,
				"path", r.URL.Path,
			)
			deny(w, http.StatusForbidden, fmt.Sprintf("role %s lacks %s", user.Role, permission))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
