package services

import (
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/pkg/cache"
)

// Snapshot is a host-supplied preview image shown in listings.
type Snapshot struct {
	Data        []byte
	ContentType string
	TakenAt     time.Time
}

// SnapshotStore keeps the latest preview per session for a short TTL.
type SnapshotStore struct {
	cache   *cache.Cache[Snapshot]
	maxSize int64
	now     func() time.Time
}

func NewSnapshotStore(ttl time.Duration, maxSize int64) *SnapshotStore {
	return &SnapshotStore{
		cache:   cache.New[Snapshot](ttl),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// MaxSize is the largest accepted snapshot in bytes; zero means unbounded.
func (s *SnapshotStore) MaxSize() int64 {
	return s.maxSize
}

func (s *SnapshotStore) Put(code domain.SessionCode, data []byte, contentType string) error {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return domain.ErrSnapshotTooLarge
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	s.cache.Set(string(code.Normalize()), Snapshot{
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		TakenAt:     s.now(),
	})
	return nil
}

func (s *SnapshotStore) Get(code domain.SessionCode) (Snapshot, bool) {
	return s.cache.Get(string(code.Normalize()))
}

func (s *SnapshotStore) Delete(code domain.SessionCode) {
	s.cache.Delete(string(code.Normalize()))
}

func (s *SnapshotStore) Close() {
	s.cache.Stop()
}
