// Package pipeline implements the ingestion and processing stages of
// the upload pipeline: accepting staged raw uploads, parsing their
// logs, deduplicating global games and reconstructing replays.
package pipeline

import (
	"log/slog"

	"github.com/replaynet/replaynet-ingest-go/internal/accounts"
	"github.com/replaynet/replaynet-ingest-go/internal/api"
	"github.com/replaynet/replaynet-ingest-go/internal/cards"
	"github.com/replaynet/replaynet-ingest-go/internal/dispatch"
	"github.com/replaynet/replaynet-ingest-go/internal/metrics"
	"github.com/replaynet/replaynet-ingest-go/internal/objectstage"
	"github.com/replaynet/replaynet-ingest-go/internal/parser"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

// Pipeline binds the pipeline stages to their collaborators. Each stage
// is a stateless handler invoked per message; every handler is safe to
// execute more than once for the same logical upload.
type Pipeline struct {
	store     storage.Store
	objects   objectstage.ObjectStore
	bucket    string
	publisher dispatch.Publisher
	creator   *api.Creator
	parser    parser.Parser
	cards     cards.Database
	accounts  accounts.Resolver // nil when no accounts service is wired
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Options carries the collaborators a Pipeline needs.
type Options struct {
	Store     storage.Store
	Objects   objectstage.ObjectStore
	Bucket    string
	Publisher dispatch.Publisher
	Parser    parser.Parser
	Cards     cards.Database
	Accounts  accounts.Resolver
	Logger    *slog.Logger
}

// New constructs a Pipeline. The upload event creator is built over the
// same store the pipeline persists to.
func New(opts Options) (*Pipeline, error) {
	creator, err := api.NewCreator(opts.Store)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = dispatch.Noop{}
	}
	return &Pipeline{
		store:     opts.Store,
		objects:   opts.Objects,
		bucket:    opts.Bucket,
		publisher: publisher,
		creator:   creator,
		parser:    opts.Parser,
		cards:     opts.Cards,
		accounts:  opts.Accounts,
		metrics:   metrics.NewMetrics(),
		logger:    logger,
	}, nil
}
