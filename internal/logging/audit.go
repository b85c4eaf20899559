package logging

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Audit event kinds
const (
	AuditTurnStarted   = "turn_started"
	AuditTurnCompleted = "turn_completed"
	AuditOracleCall    = "oracle_call"
	AuditToolExecuted  = "tool_executed"
	AuditPayment       = "payment"
	AuditReceiptSync   = "receipt_sync"
	AuditSessionReset  = "session_reset"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	Kind   string                 `json:"kind"`
	Time   time.Time              `json:"ts"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger queues audit events and writes them as JSON lines from a
// background flusher. Recording never blocks and never fails the caller: a
// full queue drops the event, and write errors are counted and discarded.
// A nil *AuditLogger is valid and records nothing.
type AuditLogger struct {
	sink     io.Writer
	queue    chan AuditEvent
	interval time.Duration

	dropped  atomic.Int64
	failures atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) AuditOption {
	return func(a *AuditLogger) {
		a.queue = make(chan AuditEvent, n)
	}
}

// WithFlushInterval sets how often the queue is drained.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(a *AuditLogger) {
		a.interval = d
	}
}

// NewAuditLogger starts an audit logger writing to sink.
func NewAuditLogger(sink io.Writer, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		sink:     sink,
		queue:    make(chan AuditEvent, 1024),
		interval: time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.interval <= 0 {
		a.interval = time.Second
	}

	go a.flusher()
	return a
}

// Record enqueues an event.
func (a *AuditLogger) Record(kind string, fields map[string]interface{}) {
	if a == nil {
		return
	}
	select {
	case <-a.stop:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.queue <- AuditEvent{Kind: kind, Time: time.Now().UTC(), Fields: fields}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped because the queue was full or closed.
func (a *AuditLogger) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// WriteFailures returns the number of events that could not be written.
func (a *AuditLogger) WriteFailures() int64 {
	if a == nil {
		return 0
	}
	return a.failures.Load()
}

// Close stops the flusher after a final drain.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
	})
	return nil
}

func (a *AuditLogger) flusher() {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.drain()
		case <-a.stop:
			a.drain()
			return
		}
	}
}

// drain writes whatever is queued right now.
func (a *AuditLogger) drain() {
	enc := json.NewEncoder(a.sink)
	for {
		select {
		case evt := <-a.queue:
			a.write(enc, evt)
		default:
			return
		}
	}
}

func (a *AuditLogger) write(enc *json.Encoder, evt AuditEvent) {
	defer func() {
		if recover() != nil {
			a.failures.Add(1)
		}
	}()
	if err := enc.Encode(evt); err != nil {
		a.failures.Add(1)
	}
}
