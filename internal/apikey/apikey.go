// Package apikey issues API keys. Only a bcrypt hash and a short clear-text
// prefix are stored; the raw key is shown to the caller once.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Prefix starts every raw key.
const Prefix = "rf_"

// PrefixLen is how many leading characters are stored for lookup.
const PrefixLen = 8

var ErrInvalid = errors.New("invalid api key request")

var knownScopes = []string{models.ScopeRead, models.ScopeWrite, models.ScopeReview, models.ScopeAdmin}

// Issue creates a key record for owner and returns it with the raw key.
func Issue(owner uuid.UUID, name string, scopes []string) (*models.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if owner == uuid.Nil {
		return nil, "", fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if name == "" || len(name) > 100 {
		return nil, "", fmt.Errorf("%w: name must be 1-100 characters", ErrInvalid)
	}
	if len(scopes) == 0 {
		scopes = []string{models.ScopeRead}
	}
	for _, s := range scopes {
		if !slices.Contains(knownScopes, s) {
			return nil, "", fmt.Errorf("%w: unknown scope %q", ErrInvalid, s)
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	raw := Prefix + hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    slices.Compact(slices.Sorted(slices.Values(scopes))),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return key, raw, nil
}

// LookupPrefix returns the stored prefix of a raw key, or false when raw
// cannot be one of ours.
func LookupPrefix(raw string) (string, bool) {
	if len(raw) < PrefixLen || !strings.HasPrefix(raw, Prefix) {
		return "", false
	}
	return raw[:PrefixLen], true
}

// Matches reports whether raw is the key behind the stored record.
func Matches(key *models.APIKey, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil
}
