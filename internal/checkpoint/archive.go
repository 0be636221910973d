package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"
)

// Uploader stores an object and returns its location.
type Uploader interface {
	PutObject(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Archived copies every finalized snapshot to object storage. Upload failures
// are logged and never fail the run.
type Archived struct {
	Store

	uploader Uploader
	prefix   string
	logger   *zap.Logger
}

func NewArchived(store Store, uploader Uploader, prefix string, logger *zap.Logger) *Archived {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archived{Store: store, uploader: uploader, prefix: prefix, logger: logger}
}

func (a *Archived) Finalize(ctx context.Context, key string, token Token, meta Meta) error {
	if err := a.Store.Finalize(ctx, key, token, meta); err != nil {
		return err
	}

	location, err := a.archive(ctx, key)
	if err != nil {
		a.logger.Warn("failed to archive checkpoint", zap.String("run_key", key), zap.Error(err))
		return nil
	}

	a.logger.Info("checkpoint archived", zap.String("run_key", key), zap.String("location", location))
	return nil
}

func (a *Archived) archive(ctx context.Context, key string) (string, error) {
	cp, err := a.Store.Load(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load finalized checkpoint: %w", err)
	}
	if cp == nil {
		return "", fmt.Errorf("checkpoint %s has no entries", key)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	object := path.Join(a.prefix, key, fmt.Sprintf("snapshot-%s.json", cp.UpdatedAt.UTC().Format("20060102T150405Z")))
	return a.uploader.PutObject(ctx, object, "application/json", data)
}
