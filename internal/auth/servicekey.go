// Package auth inspects Supabase API keys before they are used. Signatures
// are not checked here; the project does that on every call.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type KeyKind string

const (
	KindUnknown KeyKind = "unknown"
	KindService KeyKind = "service"
	KindPublic  KeyKind = "public"
)

const (
	secretPrefix      = "sb_secret_"
	publishablePrefix = "sb_publishable_"
	roleService       = "service_role"
	roleAnon          = "anon"
)

// Claims are the fields Supabase puts in its legacy JWT API keys.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Ref  string `json:"ref"`
}

// KeyInfo describes a key without exposing it.
type KeyInfo struct {
	Kind       KeyKind
	JWT        bool
	Role       string
	ProjectRef string
	ExpiresAt  time.Time
}

// InspectKey classifies key. Opaque sb_secret_/sb_publishable_ keys are
// recognised by prefix; anything else must be a JWT carrying a role claim.
func InspectKey(key string) (KeyInfo, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return KeyInfo{}, ErrMissingKey
	case strings.HasPrefix(key, secretPrefix):
		return KeyInfo{Kind: KindService}, nil
	case strings.HasPrefix(key, publishablePrefix):
		return KeyInfo{Kind: KindPublic}, nil
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(key, &claims); err != nil {
		return KeyInfo{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	info := KeyInfo{JWT: true, Role: claims.Role, ProjectRef: claims.Ref, Kind: KindUnknown}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	switch claims.Role {
	case roleService:
		info.Kind = KindService
	case roleAnon:
		info.Kind = KindPublic
	}
	return info, nil
}

// RequireService returns an error unless key is a service key that has not
// expired at now.
func RequireService(key string, now time.Time) (KeyInfo, error) {
	info, err := InspectKey(key)
	if err != nil {
		return info, err
	}
	if info.Kind != KindService {
		role := info.Role
		if role == "" {
			role = string(info.Kind)
		}
		return info, fmt.Errorf("%w: role %q", ErrNotPrivileged, role)
	}
	if !info.ExpiresAt.IsZero() && !now.Before(info.ExpiresAt) {
		return info, fmt.Errorf("%w: at %s", ErrExpired, info.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return info, nil
}
