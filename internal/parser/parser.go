// Package parser defines the log-parsing collaborator consumed by the
// processing stage. The concrete parser is external to this service;
// the pipeline only depends on the interface and the game-tree shape it
// returns.
package parser

import (
	"context"
	"io"
	"time"
)

// Tag is a numeric game tag attached to entities and players.
type Tag int

// Tags the pipeline reads from the parsed tree.
const (
	TagPremium     Tag = 12
	TagPlayState   Tag = 17
	TagTurn        Tag = 20
	TagFirstPlayer Tag = 30
)

// Entity is a parsed game entity (hero, card, or the game itself).
type Entity struct {
	ID     int
	CardID string
	Tags   map[Tag]int
}

// Tag returns the entity's value for t, or 0 when unset.
func (e *Entity) Tag(t Tag) int {
	return e.Tags[t]
}

// Player is one participant in the parsed game.
type Player struct {
	PlayerID    int    // slot, 1 or 2
	Name        string // empty when the log carried no name
	IsAI        bool
	AccountHi   int64
	AccountLo   int64
	Heroes      []Entity // candidate hero entities, primary first
	InitialDeck []Entity // revealed starting cards
	Tags        map[Tag]int
}

// Tag returns the player's value for t, or 0 when unset.
func (p *Player) Tag(t Tag) int {
	return p.Tags[t]
}

// Game is the root of a parsed game tree.
type Game struct {
	Entities []Entity
	Players  []*Player
	Tags     map[Tag]int
}

// GameTree is one complete game extracted from a log.
type GameTree struct {
	StartTime time.Time
	EndTime   time.Time
	Game      Game
}

// GuessFriendlyPlayer infers the uploader's player slot when the
// metadata did not declare one. Returns 0 when no guess is possible.
func (t *GameTree) GuessFriendlyPlayer() int {
	var candidate int
	for _, p := range t.Game.Players {
		if p.IsAI {
			continue
		}
		if candidate != 0 {
			// Two human players, no way to tell which one uploaded.
			return 0
		}
		candidate = p.PlayerID
	}
	return candidate
}

// Result is the output of a parse run. A well-formed upload contains
// exactly one game; validation of that invariant happens downstream.
type Result struct {
	Games []*GameTree
}

// Parser converts raw log bytes into structured game trees. It either
// returns a result or fails; it never partially succeeds.
type Parser interface {
	Parse(ctx context.Context, log io.Reader, matchStart time.Time) (*Result, error)
}
