package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

var pebbleSnapshotKey = []byte("snapshot:v1")

// PebbleGateway stores the whole snapshot as one JSON value.
type PebbleGateway struct {
	db     *pebble.DB
	logger *zap.Logger
}

func OpenPebbleGateway(path string, logger *zap.Logger) (*PebbleGateway, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	logger.Info("pebble opened", zap.String("path", path))
	return &PebbleGateway{db: db, logger: logger.With(zap.String("component", "pebble"))}, nil
}

func (g *PebbleGateway) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := g.db.Set(pebbleSnapshotKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (g *PebbleGateway) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, closer, err := g.db.Get(pebbleSnapshotKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	var snap Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

func (g *PebbleGateway) Close() error {
	return g.db.Close()
}
