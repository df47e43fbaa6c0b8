package watch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go-stellar-sdk/protocols/horizon/base"
	"github.com/stellar/go-stellar-sdk/protocols/horizon/operations"

	"github.com/stellarbridge/anchor-engine-go/errors"
)

// HorizonWatcher implements Watcher by streaming payment operations from a
// Horizon server, with cursor tracking for resumability and reconnection
// with exponential backoff.
type HorizonWatcher struct {
	client      *horizonclient.Client
	cursor      string
	cursorSaver func(string) error
	log         *logrus.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.RWMutex
	handlers []handlerEntry
	stopChan chan struct{}
	stopOnce sync.Once
	running  bool
}

// Option configures a HorizonWatcher.
type Option func(*HorizonWatcher)

// WithCursor sets the starting cursor. "now" skips historical payments; a
// stored paging token resumes a previous stream.
func WithCursor(cursor string) Option {
	return func(w *HorizonWatcher) {
		w.cursor = cursor
	}
}

// WithCursorSaver registers a callback invoked with the paging token of each
// processed payment, for persisting the stream position across restarts.
func WithCursorSaver(saver func(string) error) Option {
	return func(w *HorizonWatcher) {
		w.cursorSaver = saver
	}
}

// WithReconnectBackoff sets the initial and maximum reconnection backoff
// (default 1s initial, 60s max).
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(w *HorizonWatcher) {
		w.initialBackoff = initial
		w.maxBackoff = max
	}
}

// WithLogger sets the logger for stream and handler failures.
func WithLogger(log *logrus.Logger) Option {
	return func(w *HorizonWatcher) {
		w.log = log
	}
}

// NewHorizonWatcher creates a watcher streaming from the given Horizon URL.
// The default cursor is "now".
func NewHorizonWatcher(horizonURL string, opts ...Option) *HorizonWatcher {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	w := &HorizonWatcher{
		client:         &horizonclient.Client{HorizonURL: horizonURL},
		cursor:         "now",
		log:            discard,
		initialBackoff: 1 * time.Second,
		maxBackoff:     60 * time.Second,
		stopChan:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnPayment registers a handler with optional filters.
func (w *HorizonWatcher) OnPayment(handler PaymentHandler, filters ...PaymentFilter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handlerEntry{handler: handler, filters: filters})
}

// Watch streams payment operations until ctx is cancelled or Stop is called,
// reconnecting with exponential backoff on stream failures.
func (w *HorizonWatcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.NewWatchError(errors.STREAM_ERROR, "watcher is already running", nil)
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	backoff := w.initialBackoff

	for {
		select {
		case <-w.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.mu.RLock()
		cursor := w.cursor
		w.mu.RUnlock()

		req := horizonclient.OperationRequest{
			Cursor: cursor,
			Order:  horizonclient.OrderAsc,
			Join:   "transactions",
		}

		err := w.client.StreamPayments(ctx, req, func(op operations.Operation) {
			backoff = w.initialBackoff

			evt, ok := toPaymentEvent(op)
			if !ok {
				return
			}
			w.dispatch(evt)

			w.mu.Lock()
			w.cursor = evt.Cursor
			w.mu.Unlock()

			if w.cursorSaver != nil {
				if err := w.cursorSaver(evt.Cursor); err != nil {
					w.log.WithError(err).Warn("failed to save stream cursor")
				}
			}
		})
		if err == nil {
			return nil
		}

		select {
		case <-w.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.log.WithError(err).WithField("backoff", backoff).Warn("payment stream failed, reconnecting")

		select {
		case <-time.After(backoff):
		case <-w.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}

// Stop ends streaming. Safe to call more than once.
func (w *HorizonWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	return nil
}

// dispatch runs every registered handler whose filters all pass.
func (w *HorizonWatcher) dispatch(evt PaymentEvent) {
	w.mu.RLock()
	handlers := w.handlers
	w.mu.RUnlock()

	for _, entry := range handlers {
		matched := true
		for _, filter := range entry.filters {
			if !filter(evt) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if err := entry.handler(evt); err != nil {
			w.log.WithError(err).WithField("operation", evt.ID).Warn("payment handler failed")
		}
	}
}

// toPaymentEvent converts a streamed operation to a PaymentEvent. Only plain
// payment operations are surfaced; path payments and account merges are not
// settlement legs of a bridge order.
func toPaymentEvent(op operations.Operation) (PaymentEvent, bool) {
	if op.GetType() != "payment" {
		return PaymentEvent{}, false
	}
	payment, ok := op.(operations.Payment)
	if !ok {
		return PaymentEvent{}, false
	}

	opBase := op.GetBase()
	evt := PaymentEvent{
		ID:              opBase.ID,
		Cursor:          opBase.PT,
		TransactionHash: opBase.TransactionHash,
		From:            payment.From,
		To:              payment.To,
		Amount:          payment.Amount,
		Asset:           formatAsset(payment.Asset),
	}
	if opBase.Transaction != nil {
		evt.Memo = opBase.Transaction.Memo
	}
	return evt, true
}

func formatAsset(asset base.Asset) string {
	if asset.Type == "native" {
		return "native"
	}
	return fmt.Sprintf("%s:%s", asset.Code, asset.Issuer)
}
