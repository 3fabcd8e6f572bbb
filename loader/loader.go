package loader

import (
	"context"
	"fmt"

	"tradeindex/logger"
	"tradeindex/models"
)

// ObjectGetter is the slice of the object-store capability the loader needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Loader turns a single object payload into validated trade entries.
type Loader struct {
	objects ObjectGetter
	log     *logger.Log
}

// New builds a loader over the given object source.
func New(objects ObjectGetter) *Loader {
	return &Loader{
		objects: objects,
		log:     logger.GetLogger(),
	}
}

// Load fetches and parses one object. Invalid rows are dropped; transport and
// payload-level parse failures surface as a single error for the object.
func (l *Loader) Load(ctx context.Context, key string) ([]models.TradeEntry, error) {
	data, err := l.objects.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	entries, dropped, err := models.ParseEntries(data)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", key, err)
	}

	if dropped > 0 {
		l.log.WithComponent("loader").WithFields(logger.Fields{
			"key":     key,
			"dropped": dropped,
			"loaded":  len(entries),
		}).Warn("dropped invalid rows")
	}

	return entries, nil
}
