package pipeline

import (
	"context"
	"time"

	ierrors "github.com/replaynet/replaynet-ingest-go/internal/errors"
	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/parser"
	"github.com/replaynet/replaynet-ingest-go/internal/season"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

// unificationWindow bounds how far apart two uploads' parsed match
// start times may be while still describing the same real match.
const unificationWindow = 10 * time.Minute

// resolveGlobalGame finds or creates the canonical game record for one
// parsed upload. Deduplication requires both a server-assigned game
// handle and a client handle in the metadata; absent either, every
// upload creates a new game. An ambiguous candidate set (more than one
// match) fails loudly rather than guessing.
//
// Two concurrent uploads of the same match can both pass the zero-match
// check and create two games. The race is accepted; see DESIGN.md.
func (p *Pipeline) resolveGlobalGame(ctx context.Context, meta *model.UploadMetadata, tree *parser.GameTree) (*model.GlobalGame, bool, error) {
	if !meta.EligibleForUnification() {
		game, err := p.createGlobalGame(ctx, meta, tree)
		return game, false, err
	}

	candidates, err := p.store.FindGlobalGames(ctx, storage.GlobalGameFilter{
		Build:          meta.Build,
		GameType:       meta.GameType,
		GameHandle:     meta.GameHandle,
		ServerAddress:  meta.ServerIP,
		ServerPort:     meta.ServerPort,
		MatchStartFrom: tree.StartTime.Add(-unificationWindow),
		MatchStartTo:   tree.StartTime.Add(unificationWindow),
	})
	if err != nil {
		return nil, false, ierrors.Serverf("query global game candidates: %v", err)
	}

	switch len(candidates) {
	case 0:
		p.metrics.GamesUnifiedTotal.WithLabelValues("created").Inc()
		game, err := p.createGlobalGame(ctx, meta, tree)
		return game, false, err
	case 1:
		p.metrics.GamesUnifiedTotal.WithLabelValues("unified").Inc()
		game := candidates[0]
		return &game, true, nil
	default:
		p.metrics.GamesUnifiedTotal.WithLabelValues("ambiguous").Inc()
		return nil, false, ierrors.Validationf(
			"%d global games match handle %q on build %d; refusing to merge distinct games",
			len(candidates), meta.GameHandle, meta.Build)
	}
}

func (p *Pipeline) createGlobalGame(ctx context.Context, meta *model.UploadMetadata, tree *parser.GameTree) (*model.GlobalGame, error) {
	game := &model.GlobalGame{
		GameHandle:    meta.GameHandle,
		ServerAddress: meta.ServerIP,
		ServerPort:    meta.ServerPort,
		ServerVersion: meta.ServerVersion,
		GameType:      meta.GameType,
		Format:        meta.Format,
		Build:         meta.Build,
		MatchStart:    tree.StartTime,
		MatchEnd:      tree.EndTime,
		LadderSeason:  ladderSeason(meta, tree.EndTime),
		ScenarioID:    meta.ScenarioID,
		NumEntities:   len(tree.Game.Entities),
		NumTurns:      tree.Game.Tags[parser.TagTurn],
	}
	if err := p.store.CreateGlobalGame(ctx, game); err != nil {
		return nil, ierrors.Serverf("create global game: %v", err)
	}
	return game, nil
}

// ladderSeason prefers the uploader-declared season and falls back to
// the heuristic derived from the match end time.
func ladderSeason(meta *model.UploadMetadata, matchEnd time.Time) int {
	if meta.Stats != nil && meta.Stats.RankedSeasonStats != nil && meta.Stats.RankedSeasonStats.Season > 0 {
		return meta.Stats.RankedSeasonStats.Season
	}
	return season.Guess(matchEnd)
}

// resolveReplay performs the replay-level secondary dedup under a
// unified game: the same viewer re-uploading the same match reuses the
// existing replay. More than one existing match is a data-integrity
// violation.
func (p *Pipeline) resolveReplay(ctx context.Context, gameID int64, friendlyPlayer int, clientHandle string) (*model.GameReplay, error) {
	existing, err := p.store.FindReplays(ctx, storage.ReplayFilter{
		GlobalGameID:     gameID,
		FriendlyPlayerID: friendlyPlayer,
		ClientHandle:     clientHandle,
	})
	if err != nil {
		return nil, ierrors.Serverf("query existing replays: %v", err)
	}
	switch len(existing) {
	case 0:
		return nil, nil
	case 1:
		return &existing[0], nil
	default:
		return nil, ierrors.Validationf(
			"%d replays exist for game %d player %d handle %q",
			len(existing), gameID, friendlyPlayer, clientHandle)
	}
}
