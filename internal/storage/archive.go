package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/usermgmt/apiserver/types"
)

const snapshotContentType = "application/json"

// Snapshot is the archived form of the whole user set at one instant.
// Password hashes are never part of it.
type Snapshot struct {
	TakenAt time.Time    `json:"taken_at"`
	Count   int          `json:"count"`
	Users   []types.User `json:"users"`
}

// Archiver writes user snapshots under a key prefix.
type Archiver struct {
	storage *Storage
	prefix  string
	now     func() time.Time
}

func NewArchiver(s *Storage, prefix string) *Archiver {
	return &Archiver{storage: s, prefix: strings.TrimSuffix(prefix, "/"), now: time.Now}
}

// Enabled reports whether snapshots are actually written anywhere.
func (a *Archiver) Enabled() bool {
	return a != nil && a.storage != nil
}

// Archive uploads users as one JSON object and returns its key. It returns
// an empty key and no error when archiving is disabled.
func (a *Archiver) Archive(ctx context.Context, users []types.User) (string, error) {
	if !a.Enabled() {
		return "", nil
	}

	taken := a.now().UTC()
	snapshot := Snapshot{TakenAt: taken, Count: len(users), Users: make([]types.User, 0, len(users))}
	for _, user := range users {
		snapshot.Users = append(snapshot.Users, user.Public())
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	key := a.key(taken)
	if err := a.storage.Put(ctx, key, bytes.NewReader(body), int64(len(body)), snapshotContentType); err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return key, nil
}

// Load reads back the snapshot stored under key.
func (a *Archiver) Load(ctx context.Context, key string) (Snapshot, error) {
	if !a.Enabled() {
		return Snapshot{}, fmt.Errorf("snapshot storage is not configured")
	}
	rc, err := a.storage.Get(ctx, key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot %s: %w", key, err)
	}
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snapshot, nil
}

// Remove deletes the snapshot stored under key.
func (a *Archiver) Remove(ctx context.Context, key string) error {
	if !a.Enabled() {
		return fmt.Errorf("snapshot storage is not configured")
	}
	return a.storage.Delete(ctx, key)
}

func (a *Archiver) key(taken time.Time) string {
	return fmt.Sprintf("%s-%s.json", a.prefix, taken.Format("20060102T150405.000000000Z"))
}
