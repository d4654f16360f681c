package handler

import (
	"context"
	"encoding/json"
	"net/http"

	mw "github.com/derril-tech/researchflow/internal/api/middleware"
	"github.com/derril-tech/researchflow/internal/api/response"
	"github.com/derril-tech/researchflow/internal/apikey"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

// KeyStore persists API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

type createKeyRequest struct {
	Name    string   `json:"name"`
	Scopes  []string `json:"scopes"`
	OwnerID string   `json:"owner_id"`
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears in this response only. owner_id defaults to the
// caller's owner.
func NewCreateKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		var req createKeyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.OwnerID != "" {
			id, err := uuid.Parse(req.OwnerID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id must be a UUID", nil)
				return
			}
			owner = id
		}

		key, raw, err := apikey.Issue(owner, req.Name, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys?owner_id=.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		if v := r.URL.Query().Get("owner_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id must be a UUID", nil)
				return
			}
			owner = id
		}
		keys, err := s.ListAPIKeys(r.Context(), owner)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}?owner_id=.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		keyID, ok := uuidParam(w, r, "keyID")
		if !ok {
			return
		}
		if v := r.URL.Query().Get("owner_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id must be a UUID", nil)
				return
			}
			owner = id
		}
		if err := s.RevokeAPIKey(r.Context(), keyID, owner); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
