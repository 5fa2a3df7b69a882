// Package store is the authoritative task and user record store, backed by
// LevelDB. Every write path goes through UpsertMany, which checks version
// stamps and owner immutability under a single mutex and commits one batch.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/replan/internal/types"
)

// LevelDB key prefix scheme: uses "|" as separator so ids never collide.
//
//	t|<id>             → Task JSON     (primary record)
//	o|<hex owner>|<id> → nil           (owner index for ListByOwner)
//	u|<id>             → User JSON
const (
	prefixTask  = "t|"
	prefixOwner = "o|"
	prefixUser  = "u|"
)

var (
	// ErrNotFound is returned when no record exists for the requested id.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write carries a stale version stamp.
	ErrConflict = errors.New("store: version conflict")
	// ErrOwnerChange is returned when a write would reassign a task's owner.
	ErrOwnerChange = errors.New("store: owner reference is immutable")
)

// Store is the LevelDB-backed record store.
type Store struct {
	db  *leveldb.DB
	mu  sync.Mutex // serializes read-check-write in UpsertMany/Delete
	now func() time.Time
}

// Open opens (or creates) a LevelDB database at dbPath.
// dbPath should be a directory path (LevelDB creates it if absent).
func Open(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w (is another replan process holding the lock?)", dbPath, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the LevelDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListByOwner returns every task owned by ownerID, ordered by deadline then id.
//
// Expectations:
//   - Returns only tasks whose owner index entry matches ownerID
//   - Owner ids differing only in separator-like characters never see each other's tasks
//   - Returns an empty (non-nil) slice when the owner has no tasks
//   - Orders by deadline ascending, ties broken by id
//   - Returns an empty slice for an empty ownerID
func (s *Store) ListByOwner(_ context.Context, ownerID string) ([]types.Task, error) {
	out := []types.Task{}
	if ownerID == "" {
		return out, nil
	}
	prefix := ownerPrefix(ownerID)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		id := string(iter.Key())[len(prefix):]
		t, err := s.fetchTask(id)
		if err != nil {
			slog.Warn("[STORE] dangling owner index entry", "owner", ownerID, "id", id, "error", err)
			continue
		}
		if t.OwnerID != ownerID {
			slog.Warn("[STORE] owner index entry points at foreign task", "owner", ownerID, "id", id)
			continue
		}
		out = append(out, t)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: list owner %s: %w", ownerID, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns the task with the given id or ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (types.Task, error) {
	return s.fetchTask(id)
}

// Upsert writes a single task. See UpsertMany.
func (s *Store) Upsert(ctx context.Context, t types.Task) (types.Task, error) {
	saved, err := s.UpsertMany(ctx, []types.Task{t})
	if err != nil {
		return types.Task{}, err
	}
	return saved[0], nil
}

// UpsertMany writes all tasks in one atomic LevelDB batch and returns the
// stored copies with their new version stamps.
//
// Expectations:
//   - Creates a task with Version=1 and CreatedAt set when the id is new
//   - Increments Version and refreshes UpdatedAt on every update
//   - Rejects the whole batch with ErrConflict when any task's Version differs from the stored one
//   - Rejects the whole batch with ErrOwnerChange when a stored owner would be replaced
//   - Rejects tasks with an empty id or failing Validate without writing anything
//   - Writes nothing when ctx is already done
func (s *Store) UpsertMany(ctx context.Context, tasks []types.Task) ([]types.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Truncate(time.Second)
	batch := new(leveldb.Batch)
	saved := make([]types.Task, 0, len(tasks))

	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("store: upsert: %w: missing id", types.ErrInvalidTask)
		}
		t.ApplyDefaults()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("store: upsert %s: %w", t.ID, err)
		}

		existing, err := s.fetchTask(t.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			t.Version = 1
			t.CreatedAt = now
		case err != nil:
			return nil, fmt.Errorf("store: upsert %s: %w", t.ID, err)
		default:
			if existing.Version != t.Version {
				return nil, fmt.Errorf("%w: task %s is at version %d, write carries %d", ErrConflict, t.ID, existing.Version, t.Version)
			}
			if existing.OwnerID != "" && existing.OwnerID != t.OwnerID {
				return nil, fmt.Errorf("%w: task %s", ErrOwnerChange, t.ID)
			}
			t.Version = existing.Version + 1
			t.CreatedAt = existing.CreatedAt
		}
		t.UpdatedAt = now

		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("store: marshal task %s: %w", t.ID, err)
		}
		batch.Put([]byte(prefixTask+t.ID), data)
		if t.OwnerID != "" {
			batch.Put([]byte(ownerKey(t.OwnerID, t.ID)), nil)
		}
		saved = append(saved, t)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("store: write batch: %w", err)
	}
	slog.Debug("[STORE] upserted tasks", "count", len(saved))
	return saved, nil
}

// Delete removes a task and its owner index entry.
//
// Expectations:
//   - Returns ErrNotFound when the id does not exist
//   - Removes both the primary record and the owner index key
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.fetchTask(id)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixTask + id))
	if t.OwnerID != "" {
		batch.Delete([]byte(ownerKey(t.OwnerID, id)))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// GetUser returns the user record for id or ErrNotFound.
func (s *Store) GetUser(_ context.Context, id string) (types.User, error) {
	if id == "" {
		return types.User{}, ErrNotFound
	}
	data, err := s.db.Get([]byte(prefixUser+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return types.User{}, ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("store: get user %s: %w", id, err)
	}
	var u types.User
	if err := json.Unmarshal(data, &u); err != nil {
		return types.User{}, fmt.Errorf("store: decode user %s: %w", id, err)
	}
	return u, nil
}

// PutUser creates or replaces a user record.
func (s *Store) PutUser(_ context.Context, u types.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("store: put user: missing id")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("store: marshal user %s: %w", u.ID, err)
	}
	if err := s.db.Put([]byte(prefixUser+u.ID), data, nil); err != nil {
		return fmt.Errorf("store: put user %s: %w", u.ID, err)
	}
	return nil
}

// fetchTask retrieves a Task by ID from LevelDB.
func (s *Store) fetchTask(id string) (types.Task, error) {
	data, err := s.db.Get([]byte(prefixTask+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return types.Task{}, ErrNotFound
	}
	if err != nil {
		return types.Task{}, err
	}
	var t types.Task
	return t, json.Unmarshal(data, &t)
}

// ownerPrefix returns the LevelDB prefix for an owner index scan. The owner
// id is hex-encoded so distinct owners never share a prefix.
func ownerPrefix(ownerID string) string {
	return prefixOwner + hex.EncodeToString([]byte(ownerID)) + "|"
}

// ownerKey returns the full owner index key for an (owner, id) pair.
func ownerKey(ownerID, id string) string {
	return ownerPrefix(ownerID) + id
}

