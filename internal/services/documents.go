package services

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// DocumentStore reads and writes extracted document texts.
type DocumentStore interface {
	DocumentText(ctx context.Context, documentID string) (string, error)
	PutDocument(ctx context.Context, documentID, text string) error
}

// DocumentCache keeps recently read document texts in memory. A conversation re-reads its document on every
// turn, the cache saves the store round trip.
type DocumentCache struct {
	store DocumentStore
	cache *cache.Cache

	logger *zap.Logger
}

// NewDocumentCache wraps store with a cache whose entries expire after ttl.
func NewDocumentCache(store DocumentStore, ttl time.Duration, logger *zap.Logger) *DocumentCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DocumentCache{
		store:  store,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger.Named("documents"),
	}
}

// DocumentText returns the cached text or reads it from the store. Errors are not cached.
func (d *DocumentCache) DocumentText(ctx context.Context, documentID string) (string, error) {
	if v, ok := d.cache.Get(documentID); ok {
		return v.(string), nil
	}

	text, err := d.store.DocumentText(ctx, documentID)
	if err != nil {
		return "", err
	}
	d.cache.SetDefault(documentID, text)
	d.logger.Debug("Cached document", zap.String("documentID", documentID), zap.Int("length", len(text)))
	return text, nil
}

// PutDocument writes through to the store and refreshes the cached entry.
func (d *DocumentCache) PutDocument(ctx context.Context, documentID, text string) error {
	if err := d.store.PutDocument(ctx, documentID, text); err != nil {
		d.cache.Delete(documentID)
		return err
	}
	d.cache.SetDefault(documentID, text)
	return nil
}
