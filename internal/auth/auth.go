// Package auth is a deliberately small role shim: a bearer token maps to
// a role, and the admin role is bootstrapped from a bcrypt-hashed
// password at startup. It is a placeholder for a real identity provider.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleCaller   = "caller"
)

// Authenticator maps bearer tokens to roles.
type Authenticator struct {
	mu            sync.RWMutex
	tokens        map[string]string // token -> role
	adminPassHash []byte
	logger        *log.Logger
}

// New bootstraps the authenticator. adminPassword may be empty, in which
// case password login is disabled and only minted tokens work.
func New(adminPassword string) (*Authenticator, error) {
	a := &Authenticator{
		tokens: make(map[string]string),
		logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
	if adminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		a.adminPassHash = hash
	} else {
		a.logger.Printf("⚠️  No admin password configured, admin login disabled")
	}
	return a, nil
}

// Login exchanges the admin password for a fresh admin token.
func (a *Authenticator) Login(password string) (string, error) {
	a.mu.RLock()
	hash := a.adminPassHash
	a.mu.RUnlock()
	if hash == nil {
		return "", fmt.Errorf("admin login disabled")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}
	token, err := a.mint(RoleAdmin)
	if err != nil {
		return "", err
	}
	a.logger.Printf("✅ Admin token issued")
	return token, nil
}

// Mint issues a token for the given role. Admin-only surface.
func (a *Authenticator) Mint(role string) (string, error) {
	switch role {
	case RoleAdmin, RoleApprover, RoleCaller:
		return a.mint(role)
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

func (a *Authenticator) mint(role string) (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	token := hex.EncodeToString(b[:])
	a.mu.Lock()
	a.tokens[token] = role
	a.mu.Unlock()
	return token, nil
}

// Revoke invalidates a token.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// CheckRole reports whether the bearer token carries at least the given
// role. Admin satisfies every role check.
func (a *Authenticator) CheckRole(token, role string) bool {
	token = strings.TrimPrefix(token, "Bearer ")
	a.mu.RLock()
	got, ok := a.tokens[token]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	if got == RoleAdmin {
		return true
	}
	if got == RoleApprover && role == RoleCaller {
		return true
	}
	return got == role
}

// Role returns the role for a token, or empty string.
func (a *Authenticator) Role(token string) string {
	token = strings.TrimPrefix(token, "Bearer ")
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokens[token]
}
