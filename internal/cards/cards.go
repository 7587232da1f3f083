// Package cards exposes the card database the pipeline validates hero
// entities against. Loading the database itself is administrative
// tooling outside this service; processing only needs lookups.
package cards

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	json "github.com/goccy/go-json"
)

// CardType mirrors the client's card type enumeration. The pipeline
// only cares about heroes.
type CardType int

// TypeHero is the card type a hero entity must resolve to.
const TypeHero CardType = 3

// ErrNotFound is returned when a card id is not in the database.
var ErrNotFound = errors.New("card not found")

// Card is one card database entry.
type Card struct {
	ID        string   // canonical card id, e.g. "HERO_01"
	Type      CardType
	Class     int    // card class ordinal
	ClassName string // card class name, for metric tags
}

// Database resolves card ids. Implementations must be safe for
// concurrent use.
type Database interface {
	Get(ctx context.Context, id string) (*Card, error)
}

// NewMemory returns an empty in-memory card database.
func NewMemory() *Memory {
	return &Memory{cards: make(map[string]*Card)}
}

// Memory is the in-memory Database implementation.
type Memory struct {
	mu    sync.RWMutex
	cards map[string]*Card
}

// Add inserts or replaces a card.
func (m *Memory) Add(card Card) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := card
	m.cards[card.ID] = &c
}

// Get implements Database.
func (m *Memory) Get(ctx context.Context, id string) (*Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return card, nil
}

// LoadFile reads a card database snapshot from a JSON array of cards.
// The snapshot is produced by administrative tooling outside this
// service.
func LoadFile(path string) (*Memory, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read card database: %w", err)
	}
	var entries []Card
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode card database: %w", err)
	}
	m := NewMemory()
	for _, card := range entries {
		m.Add(card)
	}
	return m, nil
}
