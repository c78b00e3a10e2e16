package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/pubsub"
)

// DefaultResponseTimeout bounds how long a request waits for its response.
const DefaultResponseTimeout = 30 * time.Second

// defaultPollInterval is how often the dispatch loop visits mailboxes.
const defaultPollInterval = 50 * time.Millisecond

var (
	// ErrUnknownRecipient is returned when sending to an unregistered worker.
	ErrUnknownRecipient = errors.New("recipient not registered")
	// ErrResponseTimeout is returned when a correlated response does not
	// arrive within the configured window.
	ErrResponseTimeout = errors.New("response timed out")
	// ErrShuttingDown is returned for operations cancelled by bus shutdown.
	ErrShuttingDown = errors.New("bus is shutting down")
)

// Handler is the contract the bus depends on to deliver messages to a worker.
// Workers register a Handler when they join the bus.
type Handler interface {
	// HandleRequest processes a request message and returns the response payload.
	HandleRequest(ctx context.Context, msg *Message) (any, error)
	// HandleBroadcast processes a fanned-out broadcast.
	HandleBroadcast(kind string, payload any)
	// HandleNotification processes a one-way notification.
	HandleNotification(payload any)
	// HandleCollaboration decides whether to join work on a task descriptor.
	HandleCollaboration(ctx context.Context, descriptor any) (accepted bool, detail any)
	// AcceptDelegation decides whether to take over a delegated task descriptor.
	AcceptDelegation(descriptor any) (accepted bool, detail any)
}

// Recorder persists inter-worker interactions. Satisfied by the memory store.
type Recorder interface {
	RecordInteraction(from, to, message, response string) error
}

// Event is published on the bus broker for observability.
type Event struct {
	Message *Message
}

// Stats is a snapshot of bus counters. Message priority is advisory only:
// it appears here and nowhere else in delivery decisions.
type Stats struct {
	Sent       uint64
	Delivered  uint64
	Responses  uint64
	Timeouts   uint64
	Broadcasts uint64
	ByPriority map[int]uint64
}

// Future resolves to the response correlated with a request message.
type Future struct {
	requestID string
	ch        chan *Message
	timeout   time.Duration
	bus       *Bus
}

// Await blocks until the correlated response arrives, the timeout window
// elapses (ErrResponseTimeout), the context is cancelled, or the bus shuts
// down (ErrShuttingDown).
func (f *Future) Await(ctx context.Context) (*Message, error) {
	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case msg := <-f.ch:
		return msg, nil
	case <-timer.C:
		f.bus.dropPending(f.requestID)
		f.bus.timeouts.Add(1)
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		f.bus.dropPending(f.requestID)
		return nil, ctx.Err()
	case <-f.bus.done:
		return nil, ErrShuttingDown
	}
}

// Bus routes messages between registered workers.
// Delivery within a single mailbox is strictly FIFO; no ordering is promised
// across recipients.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	handlers  map[string]Handler
	channels  map[string]map[string]struct{} // channel name -> subscribed worker IDs

	pendMu  sync.Mutex
	pending map[string]*Future // request message ID -> awaiting future

	histMu  sync.Mutex
	history []*Message

	responseTimeout time.Duration
	pollInterval    time.Duration
	recorder        Recorder
	broker          *pubsub.Broker[Event]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	sent       atomic.Uint64
	delivered  atomic.Uint64
	responses  atomic.Uint64
	timeouts   atomic.Uint64
	broadcasts atomic.Uint64
	prioMu     sync.Mutex
	byPriority map[int]uint64
}

// Option configures the Bus.
type Option func(*Bus)

// WithResponseTimeout sets the request/response timeout window.
func WithResponseTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.responseTimeout = d
		}
	}
}

// WithRecorder sets the interaction recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

// WithPollInterval sets the dispatch loop poll interval. Used by tests.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// New creates a Bus. Call Start to begin dispatching.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		mailboxes:       make(map[string]*mailbox),
		handlers:        make(map[string]Handler),
		channels:        make(map[string]map[string]struct{}),
		pending:         make(map[string]*Future),
		responseTimeout: DefaultResponseTimeout,
		pollInterval:    defaultPollInterval,
		broker:          pubsub.NewBroker[Event](),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		byPriority:      make(map[int]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates the worker's mailbox and wires its handler.
// Re-registering replaces the handler but keeps the mailbox.
func (b *Bus) Register(workerID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.mailboxes[workerID]; !ok {
		b.mailboxes[workerID] = newMailbox()
	}
	b.handlers[workerID] = h
	log.Debug(log.CatBus, "Worker registered", "workerID", workerID)
}

// Subscribe opts a worker into a named channel.
func (b *Bus) Subscribe(workerID, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[channel]; !ok {
		b.channels[channel] = make(map[string]struct{})
	}
	b.channels[channel][workerID] = struct{}{}
}

// Start launches the dispatch loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	log.SafeGo("bus.dispatch", func() {
		defer b.wg.Done()
		b.dispatchLoop()
	})
}

// Shutdown stops dispatching and cancels all pending response futures
// with ErrShuttingDown.
func (b *Bus) Shutdown() {
	if b.closed.Swap(true) {
		return // Already closed
	}
	close(b.done)
	b.cancel()
	b.wg.Wait()

	b.pendMu.Lock()
	b.pending = make(map[string]*Future)
	b.pendMu.Unlock()

	b.broker.Close()
	log.Debug(log.CatBus, "Bus shut down")
}

// Send enqueues a message into the recipient's mailbox.
// If requiresResponse is true, the returned Future resolves when a response
// correlated to this message arrives, or fails with ErrResponseTimeout.
func (b *Bus) Send(from, to string, kind Kind, payload any, requiresResponse bool, priority int) (*Message, *Future, error) {
	if b.closed.Load() {
		return nil, nil, ErrShuttingDown
	}

	b.mu.RLock()
	box, ok := b.mailboxes[to]
	b.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, to)
	}

	msg := newMessage(from, to, kind, payload, requiresResponse, priority)

	var fut *Future
	if requiresResponse {
		fut = &Future{
			requestID: msg.ID,
			ch:        make(chan *Message, 1),
			timeout:   b.responseTimeout,
			bus:       b,
		}
		b.pendMu.Lock()
		b.pending[msg.ID] = fut
		b.pendMu.Unlock()
	}

	box.enqueue(msg)
	b.recordHistory(msg)
	b.sent.Add(1)
	b.countPriority(msg.Priority)
	b.broker.Publish(pubsub.CreatedEvent, Event{Message: msg})
	return msg, fut, nil
}

// Broadcast fans a payload out to the given recipients, or to every other
// registered worker when recipients is empty. Each target receives an
// individual message of kind broadcast wrapping (kind, payload).
func (b *Bus) Broadcast(from, kind string, payload any, recipients []string) (int, error) {
	if b.closed.Load() {
		return 0, ErrShuttingDown
	}

	targets := recipients
	if len(targets) == 0 {
		b.mu.RLock()
		for id := range b.mailboxes {
			if id != from {
				targets = append(targets, id)
			}
		}
		b.mu.RUnlock()
	}

	n := 0
	for _, to := range targets {
		if to == from {
			continue
		}
		wrapped := BroadcastPayload{Kind: kind, Payload: payload}
		if _, _, err := b.Send(from, to, KindBroadcast, wrapped, false, BroadcastPriority); err != nil {
			log.Warn(log.CatBus, "Broadcast target skipped", "to", to, "error", err)
			continue
		}
		n++
	}
	b.broadcasts.Add(1)
	return n, nil
}

// PublishToChannel broadcasts to the workers subscribed to a named channel.
func (b *Bus) PublishToChannel(from, channel, kind string, payload any) (int, error) {
	b.mu.RLock()
	subs := b.channels[channel]
	targets := make([]string, 0, len(subs))
	for id := range subs {
		if id != from {
			targets = append(targets, id)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0, nil
	}
	return b.Broadcast(from, kind, payload, targets)
}

// RequestCollaboration asks worker b2 to join work described by descriptor.
func (b *Bus) RequestCollaboration(from, to string, descriptor any) (*Future, error) {
	_, fut, err := b.Send(from, to, KindCollaboration, descriptor, true, DefaultPriority)
	return fut, err
}

// Delegate hands the task described by descriptor to another worker.
func (b *Bus) Delegate(from, to string, descriptor any) (*Future, error) {
	_, fut, err := b.Send(from, to, KindDelegation, descriptor, true, DefaultPriority)
	return fut, err
}

// Notify sends a one-way notification.
func (b *Bus) Notify(from, to string, payload any) error {
	_, _, err := b.Send(from, to, KindNotification, payload, false, DefaultPriority)
	return err
}

// MailboxSize returns the number of pending messages for a worker.
func (b *Bus) MailboxSize(workerID string) int {
	b.mu.RLock()
	box, ok := b.mailboxes[workerID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return box.size()
}

// History returns a copy of the retained message history, oldest first.
func (b *Bus) History() []*Message {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]*Message, len(b.history))
	copy(out, b.history)
	return out
}

// PurgeHistoryOlderThan drops retained messages older than the cutoff.
// Returns the number of messages removed.
func (b *Bus) PurgeHistoryOlderThan(cutoff time.Time) int {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	kept := b.history[:0]
	removed := 0
	for _, m := range b.history {
		if m.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	b.history = kept
	return removed
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	s := Stats{
		Sent:       b.sent.Load(),
		Delivered:  b.delivered.Load(),
		Responses:  b.responses.Load(),
		Timeouts:   b.timeouts.Load(),
		Broadcasts: b.broadcasts.Load(),
		ByPriority: make(map[int]uint64),
	}
	b.prioMu.Lock()
	for p, n := range b.byPriority {
		s.ByPriority[p] = n
	}
	b.prioMu.Unlock()
	return s
}

// Broker returns the pub/sub broker publishing bus events.
func (b *Bus) Broker() *pubsub.Broker[Event] {
	return b.broker
}

// dispatchLoop visits every mailbox on each tick and drains the non-empty
// ones in FIFO order.
func (b *Bus) dispatchLoop() {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.dispatchOnce()
		}
	}
}

// dispatchOnce drains all mailboxes once. Exposed within the package for tests.
func (b *Bus) dispatchOnce() {
	b.mu.RLock()
	boxes := make(map[string]*mailbox, len(b.mailboxes))
	for id, box := range b.mailboxes {
		boxes[id] = box
	}
	b.mu.RUnlock()

	for id, box := range boxes {
		for _, msg := range box.drain() {
			b.deliver(id, msg)
		}
	}
}

// deliver routes a single message to its recipient's handler by kind.
func (b *Bus) deliver(recipient string, msg *Message) {
	b.mu.RLock()
	h := b.handlers[recipient]
	b.mu.RUnlock()

	b.delivered.Add(1)

	switch msg.Kind {
	case KindResponse:
		b.completePending(msg)

	case KindRequest:
		if h == nil {
			return
		}
		result, err := h.HandleRequest(b.ctx, msg)
		if msg.RequiresResponse {
			payload := result
			if err != nil {
				payload = Reply{Accepted: false, Error: err.Error()}
			}
			b.respond(msg, payload)
		}
		b.recordInteraction(msg, result, err)

	case KindBroadcast:
		if h == nil {
			return
		}
		if bp, ok := msg.Payload.(BroadcastPayload); ok {
			h.HandleBroadcast(bp.Kind, bp.Payload)
		} else {
			h.HandleBroadcast("", msg.Payload)
		}

	case KindCollaboration:
		if h == nil {
			return
		}
		accepted, detail := h.HandleCollaboration(b.ctx, msg.Payload)
		if msg.RequiresResponse {
			b.respond(msg, Reply{Accepted: accepted, Detail: detail})
		}
		b.recordInteraction(msg, Reply{Accepted: accepted, Detail: detail}, nil)

	case KindDelegation:
		if h == nil {
			return
		}
		accepted, detail := h.AcceptDelegation(msg.Payload)
		if msg.RequiresResponse {
			b.respond(msg, Reply{Accepted: accepted, Detail: detail})
		}
		b.recordInteraction(msg, Reply{Accepted: accepted, Detail: detail}, nil)

	case KindNotification:
		if h == nil {
			return
		}
		h.HandleNotification(msg.Payload)
	}
}

// respond sends a response correlated to the original message back to its
// sender's mailbox.
func (b *Bus) respond(original *Message, payload any) {
	b.mu.RLock()
	box, ok := b.mailboxes[original.From]
	b.mu.RUnlock()
	if !ok {
		log.Debug(log.CatBus, "Response dropped, sender gone", "to", original.From)
		return
	}

	resp := newMessage(original.To, original.From, KindResponse, payload, false, original.Priority)
	resp.CorrelationID = original.ID
	box.enqueue(resp)
	b.recordHistory(resp)
	b.broker.Publish(pubsub.CreatedEvent, Event{Message: resp})
}

// completePending resolves the future registered against the response's
// correlation ID. A response with no pending request is silently dropped
// (late response after timeout).
func (b *Bus) completePending(msg *Message) {
	b.pendMu.Lock()
	fut, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.pendMu.Unlock()

	if !ok {
		log.Debug(log.CatBus, "Response with unknown correlation dropped", "correlationID", msg.CorrelationID)
		return
	}
	b.responses.Add(1)
	fut.ch <- msg
}

func (b *Bus) dropPending(requestID string) {
	b.pendMu.Lock()
	delete(b.pending, requestID)
	b.pendMu.Unlock()
}

func (b *Bus) recordHistory(msg *Message) {
	b.histMu.Lock()
	b.history = append(b.history, msg)
	b.histMu.Unlock()
}

func (b *Bus) recordInteraction(msg *Message, response any, err error) {
	if b.recorder == nil {
		return
	}
	reqJSON, _ := json.Marshal(msg.Payload)
	var respJSON []byte
	if err != nil {
		respJSON, _ = json.Marshal(map[string]string{"error": err.Error()})
	} else {
		respJSON, _ = json.Marshal(response)
	}
	if rerr := b.recorder.RecordInteraction(msg.From, msg.To, string(reqJSON), string(respJSON)); rerr != nil {
		log.ErrorErr(log.CatBus, "Failed to record interaction", rerr, "from", msg.From, "to", msg.To)
	}
}

func (b *Bus) countPriority(p int) {
	b.prioMu.Lock()
	b.byPriority[p]++
	b.prioMu.Unlock()
}
