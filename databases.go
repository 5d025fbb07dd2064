package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Accounts struct {
	ID             string `gorm:"primaryKey"`
	Email          string `gorm:"uniqueIndex"`
	CredentialHash string
	DisplayName    string
	AvatarRef      string
	Status         string
	CustomStatus   string
	Settings       string `gorm:"type:text"` // Stored as JSON object
	CreatedAt      time.Time
}

type Communities struct {
	ID      string `gorm:"primaryKey"`
	Name    string
	OwnerID string `gorm:"index"`
	Body    string `gorm:"type:text"` // Full CommunityRecord as JSON
}

type Friendships struct {
	A string `gorm:"primaryKey"`
	B string `gorm:"primaryKey"`
}

type FriendRequests struct {
	From string `gorm:"primaryKey"`
	To   string `gorm:"primaryKey"`
}

type Invites struct {
	Code        string `gorm:"primaryKey"`
	CommunityID string `gorm:"index"`
	CreatedBy   string
	CreatedAt   time.Time
}

type DirectThreads struct {
	A        string `gorm:"primaryKey"`
	B        string `gorm:"primaryKey"`
	Messages string `gorm:"type:text"` // Stored as JSON array
}

// SQLiteGateway persists snapshots into a handful of gorm tables. Each save
// replaces the table contents in one transaction.
type SQLiteGateway struct {
	db     *gorm.DB
	logger *zap.Logger
}

func OpenSQLiteGateway(path string, logger *zap.Logger) (*SQLiteGateway, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Accounts{}, &Communities{}, &Friendships{}, &FriendRequests{}, &Invites{}, &DirectThreads{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Info("sqlite database opened", zap.String("path", path))
	return &SQLiteGateway{db: db, logger: logger.With(zap.String("component", "sqlite"))}, nil
}

func (g *SQLiteGateway) Save(ctx context.Context, snap *Snapshot) error {
	accounts := make([]Accounts, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		settings, err := json.Marshal(a.Settings)
		if err != nil {
			return fmt.Errorf("failed to marshal settings for %s: %w", a.ID, err)
		}
		accounts = append(accounts, Accounts{
			ID: a.ID, Email: a.Email, CredentialHash: a.CredentialHash,
			DisplayName: a.DisplayName, AvatarRef: a.AvatarRef,
			Status: string(a.Status), CustomStatus: a.CustomStatus,
			Settings: string(settings), CreatedAt: a.CreatedAt,
		})
	}
	communities := make([]Communities, 0, len(snap.Communities))
	for _, c := range snap.Communities {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal community %s: %w", c.ID, err)
		}
		communities = append(communities, Communities{ID: c.ID, Name: c.Name, OwnerID: c.OwnerID, Body: string(body)})
	}
	friendships := make([]Friendships, 0, len(snap.Friendships))
	for _, f := range snap.Friendships {
		friendships = append(friendships, Friendships{A: f.A, B: f.B})
	}
	requests := make([]FriendRequests, 0, len(snap.FriendRequests))
	for _, r := range snap.FriendRequests {
		requests = append(requests, FriendRequests{From: r.From, To: r.To})
	}
	invites := make([]Invites, 0, len(snap.Invites))
	for _, inv := range snap.Invites {
		invites = append(invites, Invites{Code: inv.Code, CommunityID: inv.CommunityID, CreatedBy: inv.CreatedBy, CreatedAt: inv.CreatedAt})
	}
	threads := make([]DirectThreads, 0, len(snap.DirectThreads))
	for _, t := range snap.DirectThreads {
		msgs, err := json.Marshal(t.Messages)
		if err != nil {
			return fmt.Errorf("failed to marshal direct thread: %w", err)
		}
		threads = append(threads, DirectThreads{A: t.A, B: t.B, Messages: string(msgs)})
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []any{&Accounts{}, &Communities{}, &Friendships{}, &FriendRequests{}, &Invites{}, &DirectThreads{}} {
			if err := all.Delete(model).Error; err != nil {
				return fmt.Errorf("clear table: %w", err)
			}
		}
		if err := createAll(tx, &accounts); err != nil {
			return err
		}
		if err := createAll(tx, &communities); err != nil {
			return err
		}
		if err := createAll(tx, &friendships); err != nil {
			return err
		}
		if err := createAll(tx, &requests); err != nil {
			return err
		}
		if err := createAll(tx, &invites); err != nil {
			return err
		}
		return createAll(tx, &threads)
	})
}

// createAll inserts rows in batches; gorm rejects empty slices so those are skipped.
func createAll[T any](tx *gorm.DB, rows *[]T) error {
	if len(*rows) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("insert %T: %w", *rows, err)
	}
	return nil
}

func (g *SQLiteGateway) Load(ctx context.Context) (*Snapshot, error) {
	db := g.db.WithContext(ctx)
	snap := &Snapshot{Version: snapshotVersion}

	var accounts []Accounts
	if err := db.Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for _, a := range accounts {
		rec := AccountRecord{
			ID: a.ID, Email: a.Email, CredentialHash: a.CredentialHash,
			DisplayName: a.DisplayName, AvatarRef: a.AvatarRef,
			Status: Status(a.Status), CustomStatus: a.CustomStatus, CreatedAt: a.CreatedAt,
		}
		if a.Settings != "" && a.Settings != "null" {
			if err := json.Unmarshal([]byte(a.Settings), &rec.Settings); err != nil {
				g.logger.Warn("dropping corrupt account settings", zap.String("account", a.ID), zap.Error(err))
			}
		}
		snap.Accounts = append(snap.Accounts, rec)
	}

	var communities []Communities
	if err := db.Order("id").Find(&communities).Error; err != nil {
		return nil, fmt.Errorf("load communities: %w", err)
	}
	for _, c := range communities {
		var rec CommunityRecord
		if err := json.Unmarshal([]byte(c.Body), &rec); err != nil {
			return nil, fmt.Errorf("decode community %s: %w", c.ID, err)
		}
		snap.Communities = append(snap.Communities, rec)
	}

	var friendships []Friendships
	if err := db.Order("a, b").Find(&friendships).Error; err != nil {
		return nil, fmt.Errorf("load friendships: %w", err)
	}
	for _, f := range friendships {
		snap.Friendships = append(snap.Friendships, FriendshipRecord{A: f.A, B: f.B})
	}

	var requests []FriendRequests
	if err := db.Order("`from`, `to`").Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("load friend requests: %w", err)
	}
	for _, r := range requests {
		snap.FriendRequests = append(snap.FriendRequests, FriendRequest{From: r.From, To: r.To})
	}

	var invites []Invites
	if err := db.Order("code").Find(&invites).Error; err != nil {
		return nil, fmt.Errorf("load invites: %w", err)
	}
	for _, inv := range invites {
		snap.Invites = append(snap.Invites, Invite{Code: inv.Code, CommunityID: inv.CommunityID, CreatedBy: inv.CreatedBy, CreatedAt: inv.CreatedAt})
	}

	var threads []DirectThreads
	if err := db.Order("a, b").Find(&threads).Error; err != nil {
		return nil, fmt.Errorf("load direct threads: %w", err)
	}
	for _, t := range threads {
		rec := DirectThreadRecord{A: t.A, B: t.B}
		if err := json.Unmarshal([]byte(t.Messages), &rec.Messages); err != nil {
			return nil, fmt.Errorf("decode direct thread: %w", err)
		}
		snap.DirectThreads = append(snap.DirectThreads, rec)
	}
	return snap, nil
}

func (g *SQLiteGateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		if errors.Is(err, gorm.ErrInvalidDB) {
			return nil
		}
		return err
	}
	return sqlDB.Close()
}
