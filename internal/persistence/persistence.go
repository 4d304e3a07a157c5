// Package persistence snapshots a session to
// <data_dir>/cowork/sessions/<session_id>.json per spec.md §4.5: {id, name,
// messages[], created_at, updated_at}. It adapts internal/storage's
// atomic-write, path-keyed file store rather than replacing it: Store is a
// thin wrapper that fixes the "sessions" path segment and the Snapshot
// shape, the same way internal/session/service.go's teacher code used
// Storage directly with a "session"/projectID/id path for its own
// types.Session record.
package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/cowork-dev/cowork/internal/storage"
	"github.com/cowork-dev/cowork/pkg/types"
)

// MessageSnapshot pairs a persisted Message with its parts, serialized as
// raw JSON so each part's own Type-tagged shape round-trips through
// types.UnmarshalPart without Snapshot needing to know about every concrete
// part type.
type MessageSnapshot struct {
	Message *types.Message    `json:"message"`
	Parts   []json.RawMessage `json:"parts,omitempty"`
}

// Snapshot is the on-disk shape of one session, matching spec.md §4.5's
// field list exactly: {id, name, messages[], created_at, updated_at}. The
// live tool-status map is deliberately absent: spec.md §4.5 says it "is not
// persisted", and internal/session.Session.Restore never populates pending
// calls from a reload, so every non-terminal status is implicitly treated
// as failed simply by never being reconstructed.
type Snapshot struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Messages  []MessageSnapshot `json:"messages"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Info is the lightweight summary List returns, enough to render a session
// picker without loading every message.
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Store persists session snapshots under <data_dir>/cowork/sessions/.
type Store struct {
	storage *storage.Storage
}

// New constructs a Store rooted at dataDir. Sessions are written under
// dataDir/cowork/sessions/<id>.json.
func New(dataDir string) *Store {
	return &Store{storage: storage.New(filepath.Join(dataDir, "cowork"))}
}

// BuildSnapshot assembles a Snapshot from a session's in-memory message log
// and part map (internal/session.Session.Messages/Parts), stamping
// UpdatedAt with the current time. createdAt should be the value from the
// session's first save (or time.Now().UnixMilli() the first time), since
// Session itself does not track its own creation time.
func BuildSnapshot(id, name string, createdAt int64, messages []*types.Message, parts map[string][]types.Part) (Snapshot, error) {
	msgSnaps := make([]MessageSnapshot, 0, len(messages))
	for _, m := range messages {
		var partsJSON []json.RawMessage
		for _, p := range parts[m.ID] {
			data, err := json.Marshal(p)
			if err != nil {
				return Snapshot{}, err
			}
			partsJSON = append(partsJSON, data)
		}
		msgSnaps = append(msgSnaps, MessageSnapshot{Message: m, Parts: partsJSON})
	}
	return Snapshot{
		ID:        id,
		Name:      name,
		Messages:  msgSnaps,
		CreatedAt: createdAt,
		UpdatedAt: time.Now().UnixMilli(),
	}, nil
}

// Save writes snap atomically (spec.md §4.5: "Save is an explicit
// operation", called on a turn boundary or on shutdown, not continuously).
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	return s.storage.Put(ctx, []string{"sessions", snap.ID}, snap)
}

// Load reads the snapshot for id. Returns storage.ErrNotFound if it has
// never been saved.
func (s *Store) Load(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	if err := s.storage.Get(ctx, []string{"sessions", id}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Restore reconstructs a snapshot's messages and part map, ready to feed to
// internal/session.Session.Restore. Per spec.md §4.5, no tool-status map is
// reconstructed: Session.Restore never populates pending calls, so any
// non-terminal status implicitly becomes Failed by simply not existing
// after reload.
func Restore(snap *Snapshot) ([]*types.Message, map[string][]types.Part, error) {
	messages := make([]*types.Message, 0, len(snap.Messages))
	parts := make(map[string][]types.Part, len(snap.Messages))
	for _, ms := range snap.Messages {
		messages = append(messages, ms.Message)
		if len(ms.Parts) == 0 {
			continue
		}
		partList := make([]types.Part, 0, len(ms.Parts))
		for _, raw := range ms.Parts {
			p, err := types.UnmarshalPart(raw)
			if err != nil {
				return nil, nil, err
			}
			partList = append(partList, p)
		}
		parts[ms.Message.ID] = partList
	}
	return messages, parts, nil
}

// Delete removes a session's snapshot. Deleting a snapshot that was never
// saved is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.storage.Delete(ctx, []string{"sessions", id})
}

// List returns every saved session's summary, sorted by UpdatedAt
// descending (spec.md §4.5: "Listing sorts by updated_at descending").
func (s *Store) List(ctx context.Context) ([]Info, error) {
	var infos []Info
	err := s.storage.Scan(ctx, []string{"sessions"}, func(key string, data json.RawMessage) error {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		infos = append(infos, Info{
			ID:        snap.ID,
			Name:      snap.Name,
			CreatedAt: snap.CreatedAt,
			UpdatedAt: snap.UpdatedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt > infos[j].UpdatedAt })
	return infos, nil
}
