package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"callbank/internal/domain"
	"callbank/internal/kv"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain
// the hashed value.
func (s Store) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = s.now()
	}
	return s.KV.Put(ctx, kv.Write{
		Item: kv.Item{PK: APIKeyPK, SK: key.KeyHash, Doc: mustDoc(key)},
		Cond: kv.CondNotExists,
	})
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (s Store) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var key domain.APIKey
	it, err := s.KV.Get(ctx, APIKeyPK, hash)
	if err != nil {
		return key, err
	}
	err = json.Unmarshal(it.Doc, &key)
	return key, err
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (s Store) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	items, err := s.KV.Query(ctx, APIKeyPK, "")
	if err != nil {
		return nil, err
	}
	var keys []domain.APIKey
	for _, it := range items {
		var key domain.APIKey
		if err := json.Unmarshal(it.Doc, &key); err != nil {
			return nil, err
		}
		if actorID != "" && key.ActorID != actorID {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeleteAPIKey removes an API key by its hash.
func (s Store) DeleteAPIKey(ctx context.Context, hash string) error {
	if strings.TrimSpace(hash) == "" {
		return errors.New("hash required")
	}
	return s.KV.Put(ctx, kv.Write{Op: kv.OpDelete, Item: kv.Item{PK: APIKeyPK, SK: hash}})
}
