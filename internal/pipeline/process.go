package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/replaynet/replaynet-ingest-go/internal/api"
	"github.com/replaynet/replaynet-ingest-go/internal/dispatch"
	ierrors "github.com/replaynet/replaynet-ingest-go/internal/errors"
	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/parser"
)

// ProcessUploadEvent is the processing entry point. It moves the event
// to PROCESSING, clears stale error state, runs parse/resolve/
// reconstruct, and persists the terminal status. On failure the
// original error is returned after persisting so the dispatcher's
// retry policy can act on it. Reprocessing an already-terminal event
// resets it to PROCESSING and may reach a different terminal state.
func (p *Pipeline) ProcessUploadEvent(ctx context.Context, msg dispatch.UploadEventReady) error {
	ctx, span := otel.Tracer("ingest-service").Start(ctx, "ProcessUploadEvent")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", msg.ID))

	start := time.Now()

	event, err := p.store.GetUploadEvent(ctx, msg.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load upload event %s: %w", msg.ID, err)
	}
	span.SetAttributes(attribute.String("event.shortid", event.ShortID))

	logger := p.logger.With("event_id", event.ID, "shortid", event.ShortID)

	// Stale error state from a previous attempt must not survive into
	// this one.
	event.Status = model.StatusProcessing
	event.Error = ""
	event.Traceback = ""
	if err := p.store.UpdateUploadEvent(ctx, event); err != nil {
		return fmt.Errorf("mark event processing: %w", err)
	}

	outcome, procErr := p.processEvent(ctx, event)
	if procErr != nil {
		kind := ierrors.KindOf(procErr)
		event.Status = kind.Status()
		event.Error = procErr.Error()
		event.Traceback = fmt.Sprintf("%v\n\n%s", procErr, debug.Stack())
		if err := p.store.UpdateUploadEvent(ctx, event); err != nil {
			logger.Error("failed to persist error status", "error", err)
		}
		p.observeProcessed(event.Status, start)
		span.SetStatus(codes.Error, procErr.Error())
		logger.Error("upload event processing failed", "status", event.Status.String(), "error", procErr)
		return procErr
	}

	event.Status = model.StatusSuccess
	event.GameID = &outcome.Replay.ID
	if err := p.store.UpdateUploadEvent(ctx, event); err != nil {
		return fmt.Errorf("persist success status: %w", err)
	}
	p.observeProcessed(model.StatusSuccess, start)

	// Usage metrics are best effort: a failure here must never affect
	// the recorded status.
	p.emitUsageMetrics(ctx, outcome)

	logger.Info("upload event processed",
		"game_id", outcome.Game.ID,
		"replay_id", outcome.Replay.ID,
		"unified", outcome.Unified)
	return nil
}

// outcome is the result of one successful processing run.
type outcome struct {
	Game    *model.GlobalGame
	Players []model.GlobalGamePlayer
	Replay  *model.GameReplay
	Tree    *parser.GameTree
	Unified bool
}

// processEvent runs the pipeline stages for one event. All failures are
// tagged; untagged errors classify as server errors at the boundary.
func (p *Pipeline) processEvent(ctx context.Context, event *model.UploadEvent) (*outcome, error) {
	// A redelivered notification for an already-succeeded event must
	// reach the same terminal state without re-deriving the game.
	if prior := p.priorOutcome(ctx, event); prior != nil {
		return prior, nil
	}

	meta, err := decodeMetadata(event.Metadata)
	if err != nil {
		return nil, ierrors.Validationf("invalid stored metadata: %v", err)
	}

	matchStart, err := api.ParseTimestamp(meta.MatchStart)
	if err != nil {
		return nil, ierrors.Validationf("invalid match_start: %v", err)
	}

	logBytes, err := p.objects.Get(ctx, p.bucket, event.FileKey)
	if err != nil {
		return nil, ierrors.Serverf("load log %s: %v", event.FileKey, err)
	}

	result, err := p.parser.Parse(ctx, bytes.NewReader(logBytes), matchStart)
	if err != nil {
		return nil, ierrors.Parsing(err)
	}
	if n := len(result.Games); n != 1 {
		return nil, ierrors.Validationf("expected exactly 1 game in log, found %d", n)
	}
	tree := result.Games[0]

	game, unified, err := p.resolveGlobalGame(ctx, meta, tree)
	if err != nil {
		return nil, err
	}

	return p.reconstruct(ctx, event, meta, tree, game, unified)
}

// priorOutcome reconstructs the outcome of a previous successful run
// from the event's recorded replay. Returns nil when the event has no
// replay or its records are gone, in which case processing re-derives
// everything.
func (p *Pipeline) priorOutcome(ctx context.Context, event *model.UploadEvent) *outcome {
	if event.GameID == nil {
		return nil
	}
	replay, err := p.store.GetGameReplay(ctx, *event.GameID)
	if err != nil {
		return nil
	}
	game, err := p.store.GetGlobalGame(ctx, replay.GlobalGameID)
	if err != nil {
		return nil
	}
	players, err := p.store.ListGlobalGamePlayers(ctx, game.ID)
	if err != nil {
		return nil
	}
	return &outcome{Game: game, Players: players, Replay: replay, Unified: true}
}

// decodeMetadata parses the metadata blob stored verbatim on the event.
func decodeMetadata(raw string) (*model.UploadMetadata, error) {
	var meta model.UploadMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (p *Pipeline) observeProcessed(status model.UploadEventStatus, start time.Time) {
	p.metrics.UploadsProcessedTotal.WithLabelValues(status.String()).Inc()
	p.metrics.ProcessingDuration.WithLabelValues(status.String()).Observe(time.Since(start).Seconds())
}

// emitUsageMetrics records the hero class distribution for a processed
// game. Swallows its own failures.
func (p *Pipeline) emitUsageMetrics(ctx context.Context, out *outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("usage metric emission panicked", "panic", r)
		}
	}()

	for _, player := range out.Players {
		card, err := p.cards.Get(ctx, player.HeroID)
		if err != nil {
			p.logger.Debug("skipping class metric for unknown hero", "hero", player.HeroID)
			continue
		}
		p.metrics.PlayerClassTotal.WithLabelValues(card.ClassName).Inc()
	}
}
