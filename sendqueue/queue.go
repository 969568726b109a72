// Package sendqueue batches outgoing PDUs and EDUs into federation
// transactions, with at most one transaction in flight per destination.
package sendqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"go.mau.fi/fedsync/fedclient"
	"go.mau.fi/fedsync/fedtypes"
)

const (
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxRetries     = 5
	DefaultMaxConcurrency = 32
)

var (
	transactionsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedsync_sendqueue_transactions_sent_total",
		Help: "Number of transactions delivered successfully",
	})
	transactionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedsync_sendqueue_transaction_attempts_failed_total",
		Help: "Number of failed transaction delivery attempts",
	})
	transactionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedsync_sendqueue_transactions_dropped_total",
		Help: "Number of transactions dropped after a permanent error or exhausted retries",
	})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedsync_sendqueue_retries_total",
		Help: "Number of transaction delivery retries",
	})
	rejectedPDUs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedsync_sendqueue_rejected_pdus_total",
		Help: "Number of PDUs rejected by the receiving server",
	})
	pendingItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fedsync_sendqueue_pending",
		Help: "Number of queued items not yet taken into a transaction",
	}, []string{"kind"})
)

// Sender delivers a single transaction to a destination.
type Sender interface {
	SendTransaction(ctx context.Context, destination, txnID string, txn *fedtypes.Transaction) (*fedtypes.RespSend, error)
}

// InFlightTransaction describes the transaction currently being delivered to a destination.
type InFlightTransaction struct {
	TxnID      string    `json:"txn_id"`
	SentAt     time.Time `json:"sent_at"`
	RetryCount int       `json:"retry_count"`
}

type destinationQueue struct {
	name     string
	lock     sync.Mutex
	pdus     []json.RawMessage
	edus     []fedtypes.EDU
	inFlight *InFlightTransaction
}

type Queue struct {
	Sender Sender
	Origin string

	FlushInterval  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int

	destinations     map[string]*destinationQueue
	destinationsLock sync.RWMutex
	flushNow         chan string
	sem              *semaphore.Weighted
	wg               sync.WaitGroup
	now              func() time.Time

	runCtx  context.Context
	runLock sync.RWMutex
}

func NewQueue(origin string, sender Sender, maxConcurrency int) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Queue{
		Sender: sender,
		Origin: origin,

		FlushInterval:  DefaultFlushInterval,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		MaxRetries:     DefaultMaxRetries,

		destinations: make(map[string]*destinationQueue),
		flushNow:     make(chan string, 64),
		sem:          semaphore.NewWeighted(int64(maxConcurrency)),
		now:          time.Now,
	}
}

func (q *Queue) getDestination(destination string) *destinationQueue {
	q.destinationsLock.RLock()
	dq, ok := q.destinations[destination]
	q.destinationsLock.RUnlock()
	if ok {
		return dq
	}
	q.destinationsLock.Lock()
	defer q.destinationsLock.Unlock()
	dq, ok = q.destinations[destination]
	if !ok {
		dq = &destinationQueue{name: destination}
		q.destinations[destination] = dq
	}
	return dq
}

func (q *Queue) requestFlush(destination string) {
	select {
	case q.flushNow <- destination:
	default:
	}
}

// EnqueuePDU adds a signed PDU to the destination's pending list. It never
// blocks: a full batch only requests an immediate flush.
func (q *Queue) EnqueuePDU(destination string, pdu json.RawMessage) {
	if destination == q.Origin {
		return
	}
	dq := q.getDestination(destination)
	dq.lock.Lock()
	dq.pdus = append(dq.pdus, pdu)
	full := len(dq.pdus) >= fedtypes.MaxPDUsPerTransaction
	dq.lock.Unlock()
	pendingItems.WithLabelValues("pdu").Inc()
	if full {
		q.requestFlush(destination)
	}
}

// EnqueueEDU adds an EDU to the destination's pending list. Like EnqueuePDU,
// it never blocks.
func (q *Queue) EnqueueEDU(destination string, edu fedtypes.EDU) {
	if destination == q.Origin {
		return
	}
	dq := q.getDestination(destination)
	dq.lock.Lock()
	dq.edus = append(dq.edus, edu)
	full := len(dq.edus) >= fedtypes.MaxEDUsPerTransaction
	dq.lock.Unlock()
	pendingItems.WithLabelValues("edu").Inc()
	if full {
		q.requestFlush(destination)
	}
}

// Pending returns the number of PDUs and EDUs waiting for the destination.
func (q *Queue) Pending(destination string) (pdus, edus int) {
	q.destinationsLock.RLock()
	dq, ok := q.destinations[destination]
	q.destinationsLock.RUnlock()
	if !ok {
		return 0, 0
	}
	dq.lock.Lock()
	defer dq.lock.Unlock()
	return len(dq.pdus), len(dq.edus)
}

// InFlight returns a copy of the destination's in-flight transaction, or nil.
func (q *Queue) InFlight(destination string) *InFlightTransaction {
	q.destinationsLock.RLock()
	dq, ok := q.destinations[destination]
	q.destinationsLock.RUnlock()
	if !ok {
		return nil
	}
	dq.lock.Lock()
	defer dq.lock.Unlock()
	if dq.inFlight == nil {
		return nil
	}
	txn := *dq.inFlight
	return &txn
}

// Run flushes destinations on every tick and whenever a batch fills up. It
// blocks until the context is canceled and all deliveries have stopped.
func (q *Queue) Run(ctx context.Context) {
	log := zerolog.Ctx(ctx).With().Str("component", "sendqueue").Logger()
	ctx = log.WithContext(ctx)
	q.runLock.Lock()
	q.runCtx = ctx
	q.runLock.Unlock()
	ticker := time.NewTicker(q.FlushInterval)
	defer func() {
		ticker.Stop()
		q.runLock.Lock()
		q.runCtx = nil
		q.runLock.Unlock()
		q.wg.Wait()
		log.Debug().Msg("Send queue stopped")
	}()
	for {
		select {
		case <-ticker.C:
			q.flushAll(ctx)
		case destination := <-q.flushNow:
			q.flush(ctx, q.getDestination(destination))
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) flushAll(ctx context.Context) {
	q.destinationsLock.RLock()
	dqs := make([]*destinationQueue, 0, len(q.destinations))
	for _, dq := range q.destinations {
		dqs = append(dqs, dq)
	}
	q.destinationsLock.RUnlock()
	for _, dq := range dqs {
		q.flush(ctx, dq)
	}
}

// Flush starts delivering the pending items of a destination right away.
// It returns false if there was nothing to send, a transaction is already in
// flight, or the queue isn't running.
func (q *Queue) Flush(destination string) bool {
	q.runLock.RLock()
	defer q.runLock.RUnlock()
	if q.runCtx == nil {
		return false
	}
	return q.flush(q.runCtx, q.getDestination(destination))
}

func (q *Queue) flush(ctx context.Context, dq *destinationQueue) bool {
	dq.lock.Lock()
	if dq.inFlight != nil || (len(dq.pdus) == 0 && len(dq.edus) == 0) || ctx.Err() != nil {
		dq.lock.Unlock()
		return false
	}
	pduCount := min(len(dq.pdus), fedtypes.MaxPDUsPerTransaction)
	eduCount := min(len(dq.edus), fedtypes.MaxEDUsPerTransaction)
	txn := &fedtypes.Transaction{
		Origin:         q.Origin,
		OriginServerTS: q.now().UnixMilli(),
		PDUs:           dq.pdus[:pduCount:pduCount],
		EDUs:           dq.edus[:eduCount:eduCount],
	}
	dq.pdus = dq.pdus[pduCount:]
	dq.edus = dq.edus[eduCount:]
	inFlight := &InFlightTransaction{TxnID: uuid.NewString(), SentAt: q.now()}
	dq.inFlight = inFlight
	dq.lock.Unlock()
	pendingItems.WithLabelValues("pdu").Sub(float64(pduCount))
	pendingItems.WithLabelValues("edu").Sub(float64(eduCount))

	q.wg.Go(func() {
		defer q.finishFlight(dq)
		log := zerolog.Ctx(ctx).With().
			Str("destination", dq.name).
			Str("txn_id", inFlight.TxnID).
			Logger()
		if err := q.sem.Acquire(ctx, 1); err != nil {
			log.Warn().Int("pdu_count", pduCount).Int("edu_count", eduCount).
				Msg("Dropping transaction as send queue is stopping")
			transactionsDropped.Inc()
			return
		}
		defer q.sem.Release(1)
		q.deliver(log.WithContext(ctx), dq, inFlight, txn)
	})
	return true
}

func (q *Queue) finishFlight(dq *destinationQueue) {
	dq.lock.Lock()
	dq.inFlight = nil
	full := len(dq.pdus) >= fedtypes.MaxPDUsPerTransaction || len(dq.edus) >= fedtypes.MaxEDUsPerTransaction
	dq.lock.Unlock()
	if full {
		q.requestFlush(dq.name)
	}
}

func (q *Queue) backoff(retry int, err error) time.Duration {
	delay := q.InitialBackoff
	for i := 1; i < retry && delay < q.MaxBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, q.MaxBackoff)
	if requested := fedclient.RetryAfter(err); requested > delay {
		delay = requested
	}
	return delay
}

func (q *Queue) deliver(ctx context.Context, dq *destinationQueue, inFlight *InFlightTransaction, txn *fedtypes.Transaction) {
	log := zerolog.Ctx(ctx)
	for retry := 0; ; retry++ {
		if retry > 0 {
			dq.lock.Lock()
			inFlight.RetryCount = retry
			dq.lock.Unlock()
			retriesTotal.Inc()
		}
		resp, err := q.Sender.SendTransaction(ctx, dq.name, inFlight.TxnID, txn)
		if err == nil {
			transactionsSent.Inc()
			q.logRejections(ctx, resp)
			log.Debug().
				Int("pdu_count", len(txn.PDUs)).
				Int("edu_count", len(txn.EDUs)).
				Int("retries", retry).
				Msg("Transaction delivered")
			return
		}
		transactionsFailed.Inc()
		if !fedclient.IsRetryable(err) || retry >= q.MaxRetries {
			transactionsDropped.Inc()
			log.Err(err).
				Int("pdu_count", len(txn.PDUs)).
				Int("edu_count", len(txn.EDUs)).
				Int("retries", retry).
				Msg("Dropping transaction after delivery failure")
			return
		}
		delay := q.backoff(retry+1, err)
		log.Debug().Err(err).Dur("delay", delay).Int("retry", retry+1).Msg("Transaction delivery failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			transactionsDropped.Inc()
			log.Warn().Int("retries", retry).Msg("Dropping transaction as send queue is stopping")
			return
		}
	}
}

func (q *Queue) logRejections(ctx context.Context, resp *fedtypes.RespSend) {
	if resp == nil {
		return
	}
	for eventID, errMsg := range resp.Failed() {
		rejectedPDUs.Inc()
		zerolog.Ctx(ctx).Warn().
			Stringer("event_id", eventID).
			Str("error", errMsg).
			Msg("Destination rejected PDU")
	}
}
