package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/pkg/kafka"
)

// Default dispatcher timing. Poll bounds how late a stop signal is
// observed; enqueue bounds how long one slow subscriber can stall the
// fanout of a single message.
const (
	DefaultPollTimeout    = 1 * time.Second
	DefaultEnqueueTimeout = 2 * time.Second
	DefaultAssignTimeout  = 100 * time.Second
	DefaultJoinTimeout    = 10 * time.Second
)

// BusConsumer is the dispatcher's view of the message bus. Poll returns
// nil when the bounded wait given by ctx elapses with nothing to deliver.
type BusConsumer interface {
	WaitAssigned(ctx context.Context) error
	Poll(ctx context.Context) (*kafka.Message, error)
	Commit(ctx context.Context, msg *kafka.Message) error
	Close() error
}

// State is the dispatcher lifecycle.
type State int32

const (
	StateInit State = iota
	StateAwaitingAssignment
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingAssignment:
		return "awaiting-assignment"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DispatcherConfig carries the dispatcher's collaborators and timing.
// Zero timing fields get the package defaults.
type DispatcherConfig struct {
	Consumer BusConsumer
	Registry *Registry
	Topic    string
	Log      *logging.Entry

	PollTimeout    time.Duration
	EnqueueTimeout time.Duration
	AssignTimeout  time.Duration
}

// Dispatcher drains one group-scoped topic into subscriber queues with
// at-least-once delivery: an offset is committed only after the payload
// has been enqueued to at least one subscriber.
type Dispatcher struct {
	consumer BusConsumer
	registry *Registry
	log      *logging.Entry
	metrics  metrics

	pollTimeout    time.Duration
	enqueueTimeout time.Duration
	assignTimeout  time.Duration

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDispatcher builds a dispatcher; call Run on its own goroutine to
// start consuming.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if cfg.AssignTimeout <= 0 {
		cfg.AssignTimeout = DefaultAssignTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logging.NewEntry(logging.StandardLogger())
	}
	return &Dispatcher{
		consumer:       cfg.Consumer,
		registry:       cfg.Registry,
		log:            cfg.Log.WithField("topic", cfg.Topic),
		metrics:        newMetrics(cfg.Topic),
		pollTimeout:    cfg.PollTimeout,
		enqueueTimeout: cfg.EnqueueTimeout,
		assignTimeout:  cfg.AssignTimeout,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Running reports whether the delivery loop is serving. Used by the
// worker's readiness probe.
func (d *Dispatcher) Running() bool {
	return d.State() == StateRunning
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

// Run blocks in the delivery loop until Stop is called. It first waits
// for partition assignment; not obtaining any partition within the
// assignment deadline is fatal for the worker and returned as an error.
// The bus consumer is closed on every exit path, triggering a group
// rebalance so surviving members take over the partitions.
func (d *Dispatcher) Run() error {
	defer close(d.doneCh)
	defer d.setState(StateClosed)
	defer d.consumer.Close()

	d.setState(StateAwaitingAssignment)
	d.log.Info("waiting for partition assignment")
	if err := d.waitAssigned(); err != nil {
		return err
	}
	if d.stopRequested() {
		d.setState(StateStopping)
		return nil
	}

	d.setState(StateRunning)
	d.log.Info("dispatcher running")

	for {
		if d.stopRequested() {
			d.setState(StateStopping)
			d.log.Info("dispatcher stopping")
			return nil
		}

		pollCtx, cancel := context.WithTimeout(context.Background(), d.pollTimeout)
		msg, err := d.consumer.Poll(pollCtx)
		cancel()
		if err != nil {
			if d.stopRequested() {
				d.setState(StateStopping)
				return nil
			}
			return fmt.Errorf("bus poll failed: %w", err)
		}
		if msg == nil {
			// Bounded wait elapsed; loop to re-check stop.
			continue
		}

		d.dispatch(msg)
	}
}

// waitAssigned bounds the assignment wait by the deadline and aborts it
// early when Stop is called during startup.
func (d *Dispatcher) waitAssigned() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.assignTimeout)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.consumer.WaitAssigned(ctx); err != nil {
		if d.stopRequested() {
			return nil
		}
		return fmt.Errorf("no partition assignment within %s: %w", d.assignTimeout, err)
	}
	return nil
}

// dispatch fans one message out to the matching subscriber snapshot and
// commits its offset iff at least one enqueue succeeded. A message that
// matched nobody stays uncommitted so it can be redelivered to a
// subscriber appearing after an offset reset, within bus retention.
func (d *Dispatcher) dispatch(msg *kafka.Message) {
	d.metrics.polled.Inc()

	if msg.Key == "" {
		d.log.Debugf("skipping keyless message at offset %d", msg.Offset)
		return
	}

	queues := d.registry.Fanout(msg.Key)
	if len(queues) == 0 {
		d.metrics.unmatched.Inc()
		return
	}

	delivered := 0
	for _, q := range queues {
		if q.Offer(msg.Value, d.enqueueTimeout) {
			delivered++
			continue
		}
		// Dropped for this subscriber only; the rest of the snapshot and
		// the commit below are unaffected.
		d.metrics.incDropped(msg.Key)
		d.log.Warnf("subscriber queue full for key %s; dropped payload at offset %d", msg.Key, msg.Offset)
	}
	d.metrics.delivered.Add(float64(delivered))

	if delivered == 0 {
		return
	}
	if err := d.consumer.Commit(context.Background(), msg); err != nil {
		d.log.Warnf("offset commit failed at %d: %s; message may be redelivered", msg.Offset, err)
		return
	}
	d.metrics.commits.Inc()
}

// Stop signals the loop to exit at its next poll boundary. Safe to call
// more than once and from any goroutine.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Wait blocks until the loop has exited, up to timeout. It reports
// whether the loop finished in time; callers abandon the goroutine
// otherwise.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	select {
	case <-d.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *Dispatcher) stopRequested() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}
