package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/tathienbao/stoploss-bot/internal/metrics"
)

// notifier delivers status updates on worker goroutines. Updates are sharded
// by order number so one order's updates stay in observation order.
type notifier struct {
	logger   *slog.Logger
	recorder *metrics.Recorder

	shards  []chan StatusUpdate
	pending atomic.Int64
	wg      sync.WaitGroup
}

func newNotifier(workers, queueSize int, logger *slog.Logger, recorder *metrics.Recorder) *notifier {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	n := &notifier{
		logger:   logger,
		recorder: recorder,
		shards:   make([]chan StatusUpdate, workers),
	}
	for i := range n.shards {
		n.shards[i] = make(chan StatusUpdate, queueSize)
	}
	return n
}

func (n *notifier) start() {
	for _, ch := range n.shards {
		n.wg.Add(1)
		go n.run(ch)
	}
}

// enqueue blocks when the shard is full. Callers must not hold a table lock.
func (n *notifier) enqueue(u StatusUpdate) {
	shard := n.shards[xxhash.Sum64String(u.OrderNumber)%uint64(len(n.shards))]
	n.recorder.RecordQueueDepth(int(n.pending.Add(1)))
	shard <- u
}

func (n *notifier) run(ch <-chan StatusUpdate) {
	defer n.wg.Done()
	for u := range ch {
		n.deliver(u)
		n.recorder.RecordQueueDepth(int(n.pending.Add(-1)))
	}
}

func (n *notifier) deliver(u StatusUpdate) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("status handler panicked",
				"order_number", u.OrderNumber,
				"status", u.Status,
				"panic", r,
			)
			n.recorder.RecordError("status_handler_panic")
		}
	}()
	u.Request.OnStatusChange(u)
}

// close drains queued updates and waits for the workers to exit.
func (n *notifier) close() {
	for _, ch := range n.shards {
		close(ch)
	}
	n.wg.Wait()
}
