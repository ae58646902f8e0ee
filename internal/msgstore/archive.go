// Package msgstore archives signed outbound messages so the exact bytes
// handed to SES can be inspected later.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested message does not exist.
var ErrNotFound = errors.New("msgstore: message not found")

// ErrInvalidID is returned for ids that cannot be turned into a key.
var ErrInvalidID = errors.New("msgstore: invalid message id")

// Archive stores raw messages by send id.
type Archive interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Config selects and configures an Archive.
type Config struct {
	Type       string `mapstructure:"type" validate:"omitempty,oneof=none local s3"`
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket" validate:"required_if=Type s3"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// New builds the Archive named by cfg.Type. It returns nil, nil for "none"
// and for an empty type.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Archive, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		if cfg.Path == "" {
			return nil, errors.New("msgstore: local archive needs a path")
		}
		logger.Info().Str("path", cfg.Path).Msg("archiving messages to local disk")
		return NewLocalArchive(cfg.Path)
	case "s3":
		logger.Info().Str("bucket", cfg.S3Bucket).Str("prefix", cfg.S3Prefix).Msg("archiving messages to s3")
		return NewS3ArchiveFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("msgstore: unknown archive type %q", cfg.Type)
	}
}

var unsafeID = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// objectName maps an id to a file or object name. Characters outside
// [A-Za-z0-9._-] become '_'.
func objectName(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.Trim(id, ".") == "" {
		return "", ErrInvalidID
	}
	return unsafeID.ReplaceAllString(id, "_") + ".eml", nil
}
