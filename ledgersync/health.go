package ledgersync

import (
	"context"
	"time"

	"github.com/hazyhaar/sheetledger/breaker"
	"github.com/hazyhaar/sheetledger/changecache"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/observability"
	"github.com/hazyhaar/sheetledger/quota"
	"github.com/hazyhaar/sheetledger/vtq"
)

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// heartbeatStale is how old the worker heartbeat may get before the
// snapshot reports the worker dead.
const heartbeatStale = 2 * time.Minute

// Health is the operator snapshot of the pipeline.
type Health struct {
	Status        string                         `json:"status"`
	Time          time.Time                      `json:"time"`
	Queue         vtq.Stats                      `json:"queue"`
	QueueDepth    int                            `json:"queue_depth"`
	Paused        bool                           `json:"paused"`
	Quota         quota.Usage                    `json:"quota"`
	QuotaWaits    int64                          `json:"quota_waits"`
	QuotaRetries  int64                          `json:"quota_retries"`
	Circuits      []breaker.Record               `json:"circuits"`
	Cache         changecache.Stats              `json:"cache"`
	Alerts        []observability.Alert          `json:"alerts"`
	Worker        *observability.HeartbeatStatus `json:"worker,omitempty"`
	Transactions  map[store.Status]int           `json:"transactions"`
	NotifyDropped int64                          `json:"notify_dropped"`
	NotifyFailed  int64                          `json:"notify_failed"`
}

// Health collects the snapshot. The status is degraded while a circuit
// is open, an alert is open or the worker heartbeat is stale.
func (svc *Service) Health(ctx context.Context) (*Health, error) {
	h := &Health{
		Status:        StatusOK,
		Time:          svc.now().UTC(),
		Paused:        svc.scheduler.Paused(),
		NotifyDropped: svc.dispatcher.Dropped(),
		NotifyFailed:  svc.dispatcher.Failed(),
	}
	var err error
	if h.Queue, err = svc.scheduler.Stats(ctx); err != nil {
		return nil, err
	}
	h.QueueDepth = h.Queue.Waiting + h.Queue.Active
	if h.Quota, err = svc.quota.Usage(ctx); err != nil {
		return nil, err
	}
	h.QuotaWaits, h.QuotaRetries = svc.quota.Counters()
	if h.Circuits, err = svc.breaker.List(ctx); err != nil {
		return nil, err
	}
	if h.Cache, err = svc.cache.Stats(ctx); err != nil {
		return nil, err
	}
	if h.Alerts, err = svc.alerts.Open(ctx); err != nil {
		return nil, err
	}
	if h.Transactions, err = svc.store.CountByStatus(ctx); err != nil {
		return nil, err
	}
	if h.Worker, err = observability.LatestHeartbeat(ctx, svc.db, WorkerName, heartbeatStale, svc.now()); err != nil {
		return nil, err
	}

	for _, c := range h.Circuits {
		if c.State == breaker.Open {
			h.Status = StatusDegraded
		}
	}
	if len(h.Alerts) > 0 || (h.Worker != nil && !h.Worker.Alive) {
		h.Status = StatusDegraded
	}
	return h, nil
}
