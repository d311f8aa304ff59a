package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doingodswork/streamfusion/pkg/store"
)

const keyPrefix = "meta:"

// Store persists titles under their short IDs for as long as the playback
// URLs that reference them stay valid.
type Store struct {
	backend store.Store
	ttl     time.Duration
}

func NewStore(backend store.Store, ttl time.Duration) (*Store, error) {
	// Precondition check
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if ttl == 0 {
		return nil, errors.New("ttl must not be 0")
	}
	return &Store{backend: backend, ttl: ttl}, nil
}

// Put writes the title under its ID and returns the ID. Existing entries are
// left alone: the ID is content-addressed, so a second write could only
// re-store identical bytes.
func (s *Store) Put(ctx context.Context, title Title) (string, error) {
	id := title.ID()
	if _, found, err := s.backend.Get(ctx, keyPrefix+id); err == nil && found {
		return id, nil
	}
	// Title has no unmarshalable fields, this can't fail
	b, _ := json.Marshal(title)
	if err := s.backend.Set(ctx, keyPrefix+id, b, s.ttl); err != nil {
		return "", fmt.Errorf("Couldn't store title: %v", err)
	}
	return id, nil
}

// Get loads a title by its short ID. Unknown and expired IDs report found ==
// false.
func (s *Store) Get(ctx context.Context, id string) (Title, bool, error) {
	b, found, err := s.backend.Get(ctx, keyPrefix+id)
	if err != nil {
		return Title{}, false, fmt.Errorf("Couldn't load title: %v", err)
	}
	if !found {
		return Title{}, false, nil
	}
	var title Title
	if err = json.Unmarshal(b, &title); err != nil {
		return Title{}, false, fmt.Errorf("Couldn't unmarshal title: %v", err)
	}
	return title, true, nil
}
