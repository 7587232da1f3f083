// Package storage provides the record store behind the ingest pipeline:
// upload events, global games, players, replays, decks and pending
// ownership claims. Implementations exist for PostgreSQL (production)
// and in-memory (development, tests).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/replaynet/replaynet-ingest-go/internal/model"
)

// Standard errors returned by the storage layer.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// GlobalGameFilter selects candidate games for deduplication. All
// fields are matched exactly; MatchStartFrom/To bound the match start
// timestamp inclusively.
type GlobalGameFilter struct {
	Build          int
	GameType       int
	GameHandle     string
	ServerAddress  string
	ServerPort     int
	MatchStartFrom time.Time
	MatchStartTo   time.Time
}

// ReplayFilter selects replays under one global game for the
// duplicate-upload check.
type ReplayFilter struct {
	GlobalGameID     int64
	FriendlyPlayerID int
	ClientHandle     string
}

// Store is the storage contract consumed by the pipeline. Cross-entity
// invariants (one global game per identity tuple, one replay per
// viewer/handle) are enforced by query-then-create logic in the
// resolver, not by the store itself.
type Store interface {
	// Upload events
	CreateUploadEvent(ctx context.Context, event *model.UploadEvent) error
	GetUploadEvent(ctx context.Context, id string) (*model.UploadEvent, error)
	GetUploadEventByShortID(ctx context.Context, shortid string) (*model.UploadEvent, error)
	UpdateUploadEvent(ctx context.Context, event *model.UploadEvent) error
	DeleteUploadEvent(ctx context.Context, id string) error

	// Global games
	CreateGlobalGame(ctx context.Context, game *model.GlobalGame) error
	GetGlobalGame(ctx context.Context, id int64) (*model.GlobalGame, error)
	FindGlobalGames(ctx context.Context, filter GlobalGameFilter) ([]model.GlobalGame, error)

	// Players
	CreateGlobalGamePlayer(ctx context.Context, player *model.GlobalGamePlayer) error
	ListGlobalGamePlayers(ctx context.Context, gameID int64) ([]model.GlobalGamePlayer, error)
	UpdateGlobalGamePlayer(ctx context.Context, player *model.GlobalGamePlayer) error

	// Replays
	CreateGameReplay(ctx context.Context, replay *model.GameReplay) error
	GetGameReplay(ctx context.Context, id int64) (*model.GameReplay, error)
	GetGameReplayByShortID(ctx context.Context, shortid string) (*model.GameReplay, error)
	UpdateGameReplay(ctx context.Context, replay *model.GameReplay) error
	FindReplays(ctx context.Context, filter ReplayFilter) ([]model.GameReplay, error)

	// Decks
	GetOrCreateDeck(ctx context.Context, cards []string) (*model.Deck, error)

	// Pending ownership claims
	CreatePendingClaim(ctx context.Context, claim *model.PendingReplayOwnership) error
	ListPendingClaimsByToken(ctx context.Context, tokenKey string) ([]model.PendingReplayOwnership, error)
	DeletePendingClaim(ctx context.Context, id int64) error
}
