// Package history keeps bounded per-user result histories, optionally
// written through to a persistent archive.
package history

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Archive persists history entries beyond the life of the process.
type Archive interface {
	Append(kind, userID, id string, data []byte, limit int) error
	Recent(kind, userID string, limit int) ([][]byte, error)
}

type userLog[T any] struct {
	entries []T
	loaded  bool
}

// Store is a per-user ring of the most recent entries of one kind.
type Store[T any] struct {
	kind    string
	limit   int
	archive Archive
	log     zerolog.Logger

	mu    sync.Mutex
	users map[string]*userLog[T]
}

// New creates a store keeping at most limit entries per user. archive may be nil.
func New[T any](kind string, limit int, archive Archive, log zerolog.Logger) *Store[T] {
	return &Store[T]{
		kind:    kind,
		limit:   limit,
		archive: archive,
		log:     log,
		users:   make(map[string]*userLog[T]),
	}
}

// userLocked returns the user's log, loading it from the archive on first use.
func (s *Store[T]) userLocked(userID string) *userLog[T] {
	ul, ok := s.users[userID]
	if !ok {
		ul = &userLog[T]{}
		s.users[userID] = ul
	}
	if ul.loaded || s.archive == nil {
		ul.loaded = true
		return ul
	}
	ul.loaded = true

	raw, err := s.archive.Recent(s.kind, userID, s.limit)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", s.kind).Str("user_id", userID).Msg("Failed to load archived history")
		return ul
	}
	loaded := make([]T, 0, len(raw)+len(ul.entries))
	for _, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			s.log.Warn().Err(err).Str("kind", s.kind).Msg("Skipping undecodable history entry")
			continue
		}
		loaded = append(loaded, v)
	}
	ul.entries = append(loaded, ul.entries...)
	s.trimLocked(ul)
	return ul
}

func (s *Store[T]) trimLocked(ul *userLog[T]) {
	if over := len(ul.entries) - s.limit; over > 0 {
		ul.entries = append([]T(nil), ul.entries[over:]...)
	}
}

// Add appends v to the user's history and writes it to the archive.
func (s *Store[T]) Add(userID, id string, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ul := s.userLocked(userID)
	ul.entries = append(ul.entries, v)
	s.trimLocked(ul)

	if s.archive == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", s.kind).Msg("Failed to encode history entry")
		return
	}
	if err := s.archive.Append(s.kind, userID, id, data, s.limit); err != nil {
		s.log.Warn().Err(err).Str("kind", s.kind).Str("user_id", userID).Msg("Failed to archive history entry")
	}
}

// List returns the user's history, oldest first.
func (s *Store[T]) List(userID string) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	ul := s.userLocked(userID)
	out := make([]T, len(ul.entries))
	copy(out, ul.entries)
	return out
}

// Limit returns the per-user cap.
func (s *Store[T]) Limit() int { return s.limit }
