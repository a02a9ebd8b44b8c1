package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"callbank/internal/config"
	"callbank/internal/engine"
	"callbank/internal/kv"
)

// ResolveLocation picks the active location by code and ensures both
// the location and its stored config exist, seeding defaults when
// missing. If the location does not exist it is created on the fly.
func ResolveLocation(ctx context.Context, eng engine.Engine, code, actorID string) (string, *config.Config, error) {
	if code == "" {
		return "", nil, fmt.Errorf("location not specified; use --location")
	}
	loc, err := eng.GetLocationByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return "", nil, err
		}
		loc, err = eng.InitLocation(ctx, code, code, actorID)
		if err != nil {
			return "", nil, err
		}
	}
	cfg, err := LoadStoredConfig(ctx, eng, loc.ID)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(loc.ID)
		if err := StoreConfig(ctx, eng, loc.ID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed location config: %w", err)
		}
	}
	cfg.Location.ID = loc.ID
	return loc.ID, cfg, nil
}

// LoadStoredConfig reads the location's config document from the DB.
func LoadStoredConfig(ctx context.Context, eng engine.Engine, locationID string) (*config.Config, error) {
	doc, err := eng.Store.GetLocationConfig(ctx, locationID)
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, err
	}
	if cfg.Location.ID == "" {
		cfg.Location.ID = locationID
	}
	return &cfg, cfg.Validate()
}

// StoreConfig validates and persists the config document for the
// location.
func StoreConfig(ctx context.Context, eng engine.Engine, locationID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Location.ID = locationID
	if err := cfg.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return eng.Store.UpsertLocationConfig(ctx, locationID, doc)
}
