package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"modelgate/pkg/httpx"
	"modelgate/pkg/models"
)

// Store is the durable evidence collaborator. Dispatch must be
// idempotent by receipt_id on the collaborator side.
type Store interface {
	Dispatch(ctx context.Context, r models.Receipt) error
}

// HTTPStore posts receipts to the evidence collaborator.
type HTTPStore struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

func (s HTTPStore) Dispatch(ctx context.Context, r models.Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	status, _, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, s.URL, body, s.Headers, 0, 0)
	if err != nil {
		return fmt.Errorf("receipt dispatch: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("receipt dispatch: upstream status %d", status)
	}
	return nil
}

// DeadLetter persists receipts whose dispatch retries were exhausted so
// delivery can be completed out of band.
type DeadLetter interface {
	SaveDeadLetter(ctx context.Context, r models.Receipt, reason string) error
}

type queued struct {
	receipt    models.Receipt
	maxRetries int
}

// Emitter dispatches signed receipts asynchronously. The caller's
// response is never blocked on receipt persistence: Emit enqueues and
// returns. Exhausted retries dead-letter rather than drop.
type Emitter struct {
	signer     Signer
	store      Store
	dead       DeadLetter
	baseDelay  time.Duration
	ceiling    time.Duration
	dispatchTimeout time.Duration

	queue chan queued
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

// EmitterConfig bounds the retry schedule.
type EmitterConfig struct {
	QueueSize       int
	BaseDelay       time.Duration
	Ceiling         time.Duration
	DispatchTimeout time.Duration
}

func NewEmitter(signer Signer, store Store, dead DeadLetter, cfg EmitterConfig) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 5 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 3 * time.Second
	}
	return &Emitter{
		signer:          signer,
		store:           store,
		dead:            dead,
		baseDelay:       cfg.BaseDelay,
		ceiling:         cfg.Ceiling,
		dispatchTimeout: cfg.DispatchTimeout,
		queue:           make(chan queued, cfg.QueueSize),
		stop:            make(chan struct{}),
	}
}

// Start launches the dispatch worker.
func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Close drains the queue and stops the worker.
func (e *Emitter) Close() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Emit signs and enqueues one receipt. maxRetries comes from the tenant
// policy; zero falls back to 3. If the queue is saturated the receipt
// goes straight to the dead letter so it is never lost.
func (e *Emitter) Emit(r models.Receipt, maxRetries int) error {
	if err := e.signer.Sign(&r); err != nil {
		return err
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	select {
	case e.queue <- queued{receipt: r, maxRetries: maxRetries}:
	default:
		log.Printf("receipt: queue saturated, dead-lettering %s", r.ReceiptID)
		e.deadLetter(r, "queue saturated")
	}
	return nil
}

func (e *Emitter) loop() {
	defer e.wg.Done()
	for {
		select {
		case item := <-e.queue:
			e.dispatch(item)
		case <-e.stop:
			// drain
			for {
				select {
				case item := <-e.queue:
					e.dispatch(item)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) dispatch(item queued) {
	var lastErr error
	for attempt := 0; attempt <= item.maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.baseDelay << (attempt - 1)
			if delay > e.ceiling {
				delay = e.ceiling
			}
			select {
			case <-time.After(delay):
			case <-e.stop:
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
		lastErr = e.store.Dispatch(ctx, item.receipt)
		cancel()
		if lastErr == nil {
			return
		}
	}
	log.Printf("receipt: dispatch retries exhausted for %s: %v", item.receipt.ReceiptID, lastErr)
	e.deadLetter(item.receipt, lastErr.Error())
}

func (e *Emitter) deadLetter(r models.Receipt, reason string) {
	if e.dead == nil {
		log.Printf("receipt: no dead letter configured, dropping %s", r.ReceiptID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
	defer cancel()
	if err := e.dead.SaveDeadLetter(ctx, r, reason); err != nil {
		log.Printf("receipt: dead letter save failed for %s: %v", r.ReceiptID, err)
	}
}
