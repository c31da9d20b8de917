// Package artifact stores raw test output. Small payloads stay inline with
// their database record, larger ones are written to a Backend under a
// random key and only the key is kept.
package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/privacyscore/scanner/internal/model"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrStorage  = errors.New("artifact storage failure")
)

type Tier int

const (
	TierInline Tier = iota
	TierReference
)

func (t Tier) String() string {
	if t == TierInline {
		return "inline"
	}
	return "reference"
}

// TierFor decides where a payload of size bytes goes. A payload exactly
// inlineMax bytes long is still stored inline.
func TierFor(size, inlineMax int64) Tier {
	if size <= inlineMax {
		return TierInline
	}
	return TierReference
}

// Backend is the secondary storage of the reference tier.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrNotFound when no object is stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Ref points at a stored payload. Exactly one of Data or Key is used,
// depending on Tier.
type Ref struct {
	Tier Tier
	Data []byte
	Key  string
}

// RefOf builds the reference persisted in a raw result record.
func RefOf(raw model.RawResult) Ref {
	if raw.Inline {
		return Ref{Tier: TierInline, Data: raw.Data}
	}
	return Ref{Tier: TierReference, Key: raw.FileName}
}

type Store struct {
	backend   Backend
	inlineMax int64
	newKey    func() string
}

func New(backend Backend, inlineMax int64) *Store {
	return &Store{
		backend:   backend,
		inlineMax: inlineMax,
		newKey:    func() string { return uuid.NewString() },
	}
}

// Put stores payload in the tier chosen by TierFor.
func (s *Store) Put(ctx context.Context, payload []byte) (Ref, error) {
	if TierFor(int64(len(payload)), s.inlineMax) == TierInline {
		data := make([]byte, len(payload))
		copy(data, payload)
		return Ref{Tier: TierInline, Data: data}, nil
	}
	if s.backend == nil {
		return Ref{}, fmt.Errorf("%w: no backend for %d bytes payload", ErrStorage, len(payload))
	}
	key := s.newKey()
	if err := s.backend.Put(ctx, key, payload); err != nil {
		return Ref{}, fmt.Errorf("storing artifact %s: %w", key, err)
	}
	return Ref{Tier: TierReference, Key: key}, nil
}

// Get returns the payload ref points to, regardless of its tier.
func (s *Store) Get(ctx context.Context, ref Ref) ([]byte, error) {
	switch ref.Tier {
	case TierInline:
		if ref.Data == nil {
			return []byte{}, nil
		}
		return ref.Data, nil
	case TierReference:
		if ref.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrNotFound)
		}
		if s.backend == nil {
			return nil, fmt.Errorf("%w: no backend configured", ErrStorage)
		}
		data, err := s.backend.Get(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("retrieving artifact %s: %w", ref.Key, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unknown tier %d", ErrStorage, ref.Tier)
	}
}
