package worker

import (
	"context"

	"github.com/iago/bulkupload-back/internal/cache"
	"github.com/iago/bulkupload-back/internal/domain"
)

// TaskHandler applies the domain operation of one work item. It settles
// item.Status and its result payloads; item-scoped problems are recorded in
// the failure payload, never returned.
type TaskHandler interface {
	Handle(ctx context.Context, item *domain.WorkItem, locations *cache.LocationCache)
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, item *domain.WorkItem, locations *cache.LocationCache)

func (f TaskHandlerFunc) Handle(ctx context.Context, item *domain.WorkItem, locations *cache.LocationCache) {
	f(ctx, item, locations)
}
