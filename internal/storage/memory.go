package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/replaynet/replaynet-ingest-go/internal/model"
)

// DeckDigest derives the canonical digest for a card-id sequence. The
// list is sorted first so ordering differences between uploads of the
// same deck collapse to one record.
func DeckDigest(cards []string) string {
	sorted := make([]string, len(cards))
	copy(sorted, cards)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

// Memory implements Store with in-process maps. Intended for
// development and tests.
type Memory struct {
	mu sync.RWMutex

	uploadEvents map[string]*model.UploadEvent
	games        map[int64]*model.GlobalGame
	players      map[int64]*model.GlobalGamePlayer
	replays      map[int64]*model.GameReplay
	decks        map[string]*model.Deck // digest -> deck
	claims       map[int64]*model.PendingReplayOwnership

	nextGameID   int64
	nextPlayerID int64
	nextReplayID int64
	nextDeckID   int64
	nextClaimID  int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		uploadEvents: make(map[string]*model.UploadEvent),
		games:        make(map[int64]*model.GlobalGame),
		players:      make(map[int64]*model.GlobalGamePlayer),
		replays:      make(map[int64]*model.GameReplay),
		decks:        make(map[string]*model.Deck),
		claims:       make(map[int64]*model.PendingReplayOwnership),
	}
}

func (m *Memory) CreateUploadEvent(ctx context.Context, event *model.UploadEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.uploadEvents[event.ID]; exists {
		return ErrConflict
	}
	for _, existing := range m.uploadEvents {
		if existing.ShortID == event.ShortID {
			return ErrConflict
		}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	stored := *event
	m.uploadEvents[event.ID] = &stored
	return nil
}

func (m *Memory) GetUploadEvent(ctx context.Context, id string) (*model.UploadEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.uploadEvents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *event
	return &out, nil
}

func (m *Memory) GetUploadEventByShortID(ctx context.Context, shortid string) (*model.UploadEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, event := range m.uploadEvents {
		if event.ShortID == shortid {
			out := *event
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateUploadEvent(ctx context.Context, event *model.UploadEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploadEvents[event.ID]; !ok {
		return ErrNotFound
	}
	stored := *event
	m.uploadEvents[event.ID] = &stored
	return nil
}

func (m *Memory) DeleteUploadEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploadEvents[id]; !ok {
		return ErrNotFound
	}
	delete(m.uploadEvents, id)
	return nil
}

func (m *Memory) CreateGlobalGame(ctx context.Context, game *model.GlobalGame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGameID++
	game.ID = m.nextGameID
	stored := *game
	m.games[game.ID] = &stored
	return nil
}

func (m *Memory) GetGlobalGame(ctx context.Context, id int64) (*model.GlobalGame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	game, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *game
	return &out, nil
}

func (m *Memory) FindGlobalGames(ctx context.Context, filter GlobalGameFilter) ([]model.GlobalGame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []model.GlobalGame
	for _, game := range m.games {
		if game.Build != filter.Build ||
			game.GameType != filter.GameType ||
			game.GameHandle != filter.GameHandle ||
			game.ServerAddress != filter.ServerAddress ||
			game.ServerPort != filter.ServerPort {
			continue
		}
		if game.MatchStart.Before(filter.MatchStartFrom) || game.MatchStart.After(filter.MatchStartTo) {
			continue
		}
		matches = append(matches, *game)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (m *Memory) CreateGlobalGamePlayer(ctx context.Context, player *model.GlobalGamePlayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.players {
		if existing.GameID == player.GameID && existing.PlayerID == player.PlayerID {
			return ErrConflict
		}
	}
	m.nextPlayerID++
	player.ID = m.nextPlayerID
	stored := *player
	m.players[player.ID] = &stored
	return nil
}

func (m *Memory) ListGlobalGamePlayers(ctx context.Context, gameID int64) ([]model.GlobalGamePlayer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.GlobalGamePlayer
	for _, player := range m.players {
		if player.GameID == gameID {
			out = append(out, *player)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

func (m *Memory) UpdateGlobalGamePlayer(ctx context.Context, player *model.GlobalGamePlayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.players[player.ID]; !ok {
		return ErrNotFound
	}
	stored := *player
	m.players[player.ID] = &stored
	return nil
}

func (m *Memory) CreateGameReplay(ctx context.Context, replay *model.GameReplay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.replays {
		if existing.ShortID == replay.ShortID {
			return ErrConflict
		}
	}
	m.nextReplayID++
	replay.ID = m.nextReplayID
	if replay.CreatedAt.IsZero() {
		replay.CreatedAt = time.Now().UTC()
	}
	stored := *replay
	m.replays[replay.ID] = &stored
	return nil
}

func (m *Memory) GetGameReplay(ctx context.Context, id int64) (*model.GameReplay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	replay, ok := m.replays[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *replay
	return &out, nil
}

func (m *Memory) GetGameReplayByShortID(ctx context.Context, shortid string) (*model.GameReplay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, replay := range m.replays {
		if replay.ShortID == shortid {
			out := *replay
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateGameReplay(ctx context.Context, replay *model.GameReplay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replays[replay.ID]; !ok {
		return ErrNotFound
	}
	stored := *replay
	m.replays[replay.ID] = &stored
	return nil
}

func (m *Memory) FindReplays(ctx context.Context, filter ReplayFilter) ([]model.GameReplay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.GameReplay
	for _, replay := range m.replays {
		if replay.GlobalGameID != filter.GlobalGameID {
			continue
		}
		if replay.FriendlyPlayerID != filter.FriendlyPlayerID {
			continue
		}
		if replay.ClientHandle != filter.ClientHandle {
			continue
		}
		out = append(out, *replay)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetOrCreateDeck(ctx context.Context, cards []string) (*model.Deck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest := DeckDigest(cards)
	if deck, ok := m.decks[digest]; ok {
		out := *deck
		return &out, nil
	}
	m.nextDeckID++
	deck := &model.Deck{
		ID:     m.nextDeckID,
		Digest: digest,
		Cards:  append([]string(nil), cards...),
	}
	m.decks[digest] = deck
	out := *deck
	return &out, nil
}

func (m *Memory) CreatePendingClaim(ctx context.Context, claim *model.PendingReplayOwnership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextClaimID++
	claim.ID = m.nextClaimID
	stored := *claim
	m.claims[claim.ID] = &stored
	return nil
}

func (m *Memory) ListPendingClaimsByToken(ctx context.Context, tokenKey string) ([]model.PendingReplayOwnership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PendingReplayOwnership
	for _, claim := range m.claims {
		if claim.TokenKey == tokenKey {
			out = append(out, *claim)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeletePendingClaim(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[id]; !ok {
		return ErrNotFound
	}
	delete(m.claims, id)
	return nil
}
