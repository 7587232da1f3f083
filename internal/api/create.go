// Package api implements the upload event creation interface. It
// validates the client-supplied metadata bundle, assigns identifiers
// and persists the durable upload event record.
package api

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/shortid"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

// metadataSchema constrains the client metadata bundle. Build and the
// match start timestamp are the only hard requirements; everything else
// is validated only when present.
const metadataSchema = `{
	"type": "object",
	"required": ["build", "match_start"],
	"properties": {
		"build": {"type": "integer", "minimum": 1},
		"match_start": {"type": "string", "minLength": 1},
		"game_type": {"type": "integer", "minimum": 0},
		"format": {"type": "integer", "minimum": 0},
		"friendly_player": {"type": "integer", "enum": [1, 2]},
		"queue_time": {"type": "integer", "minimum": 0},
		"server_port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"server_version": {"type": "integer", "minimum": 0},
		"scenario_id": {"type": "integer", "minimum": 0},
		"spectator_mode": {"type": "boolean"},
		"reconnecting": {"type": "boolean"},
		"resumable": {"type": "boolean"},
		"player1": {"$ref": "#/definitions/player"},
		"player2": {"$ref": "#/definitions/player"},
		"stats": {
			"type": "object",
			"properties": {
				"meta": {"type": "object"},
				"ranked_season_stats": {
					"type": "object",
					"properties": {"season": {"type": "integer", "minimum": 0}}
				}
			}
		}
	},
	"definitions": {
		"player": {
			"type": "object",
			"properties": {
				"rank": {"type": "integer", "minimum": 0, "maximum": 25},
				"legend_rank": {"type": "integer", "minimum": 0},
				"stars": {"type": "integer", "minimum": 0},
				"wins": {"type": "integer", "minimum": 0},
				"losses": {"type": "integer", "minimum": 0},
				"cardback": {"type": "integer", "minimum": 1},
				"deck": {
					"type": "array",
					"maxItems": 30,
					"items": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// FieldError describes one rejected metadata field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationFailure is the structured rejection returned when the
// metadata bundle does not pass validation. It marshals to the JSON
// body stored alongside a failed raw upload.
type ValidationFailure struct {
	Errors []FieldError `json:"errors"`
}

// Error implements error.
func (v *ValidationFailure) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, fe := range v.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return "metadata validation failed: " + strings.Join(parts, "; ")
}

// CreateUploadRequest carries everything the creation interface needs
// from the staging descriptor.
type CreateUploadRequest struct {
	Type          model.UploadEventType
	ShortID       string // proposed identity; regenerated only when invalid
	UploadIP      string
	Metadata      []byte // raw metadata JSON, stored verbatim
	Authorization string // gateway Authorization header
	APIKey        string // gateway X-Api-Key header
	FileKey       string // durable log location, set by the ingestion stage
}

// Creator validates and persists upload events.
type Creator struct {
	store  storage.Store
	schema *gojsonschema.Schema
}

// NewCreator compiles the metadata schema and returns a Creator.
func NewCreator(store storage.Store) (*Creator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(metadataSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid metadata schema: %w", err)
	}
	return &Creator{store: store, schema: schema}, nil
}

// Create validates the request and persists a new upload event in the
// UNKNOWN state. A *ValidationFailure is returned when the metadata
// bundle is rejected; any other error is operational.
func (c *Creator) Create(ctx context.Context, req CreateUploadRequest) (*model.UploadEvent, error) {
	meta, failure := c.validateMetadata(req.Metadata)
	if failure != nil {
		return nil, failure
	}

	sid := req.ShortID
	if sid == "" && meta.ShortID != "" {
		sid = meta.ShortID
	}
	if !shortid.Valid(sid) {
		sid = shortid.New()
	}

	event := &model.UploadEvent{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String(),
		ShortID:   sid,
		TokenKey:  TokenFromAuthorization(req.Authorization),
		APIKey:    req.APIKey,
		Type:      req.Type,
		Status:    model.StatusUnknown,
		UploadIP:  req.UploadIP,
		Metadata:  string(req.Metadata),
		FileKey:   req.FileKey,
		CreatedAt: time.Now().UTC(),
	}

	err := c.store.CreateUploadEvent(ctx, event)
	if errors.Is(err, storage.ErrConflict) && event.ShortID != req.ShortID {
		// A metadata-supplied or invented shortid is already taken; retry
		// once with a fresh one rather than failing the upload. A
		// request-proposed shortid is the upload's identity, so its
		// conflict surfaces to the caller instead of minting a duplicate
		// event under a new name.
		event.ShortID = shortid.New()
		err = c.store.CreateUploadEvent(ctx, event)
	}
	if err != nil {
		return nil, fmt.Errorf("create upload event: %w", err)
	}
	return event, nil
}

// validateMetadata checks the raw metadata JSON against the schema and
// decodes it. Returns the decoded bundle or a structured failure.
func (c *Creator) validateMetadata(raw []byte) (*model.UploadMetadata, *ValidationFailure) {
	if len(raw) == 0 {
		return nil, &ValidationFailure{Errors: []FieldError{{Field: "metadata", Message: "required"}}}
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &ValidationFailure{Errors: []FieldError{{Field: "metadata", Message: "invalid JSON"}}}
	}
	if !result.Valid() {
		failure := &ValidationFailure{}
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "(root)" {
				if property, ok := desc.Details()["property"].(string); ok {
					field = property
				}
			}
			failure.Errors = append(failure.Errors, FieldError{Field: field, Message: desc.Description()})
		}
		return nil, failure
	}

	var meta model.UploadMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, &ValidationFailure{Errors: []FieldError{{Field: "metadata", Message: "invalid JSON"}}}
	}

	// The schema cannot check timestamp syntax portably; reject
	// unparseable match_start here so processing never sees it.
	if _, err := ParseTimestamp(meta.MatchStart); err != nil {
		return nil, &ValidationFailure{Errors: []FieldError{{Field: "match_start", Message: "invalid timestamp"}}}
	}

	return &meta, nil
}

// ParseTimestamp parses the timestamp formats clients send: RFC 3339
// with or without fractional seconds, with a UTC offset or a bare Z.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.9999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// TokenFromAuthorization extracts the auth token key from a gateway
// Authorization header. The upload clients send "Token <key>"; the
// web tier forwards "Bearer <jwt>" with the key in the subject claim.
// The gateway has already authenticated the caller, so the JWT is
// decoded without signature verification.
func TokenFromAuthorization(header string) string {
	switch {
	case strings.HasPrefix(header, "Token "):
		return strings.TrimSpace(strings.TrimPrefix(header, "Token "))
	case strings.HasPrefix(header, "Bearer "):
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			return ""
		}
		sub, err := token.Claims.GetSubject()
		if err != nil {
			return ""
		}
		return sub
	default:
		return ""
	}
}
