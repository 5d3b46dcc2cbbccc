// Package kafka bridges sarama's callback-driven consumer groups to the
// poll/commit loop the stream dispatcher is built around. Offsets are never
// auto-committed; the dispatcher commits explicitly after it has handed a
// message to at least one subscriber.
package kafka

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	logging "github.com/sirupsen/logrus"
)

// Message is one record read from the bus. Value is the opaque payload and
// is never parsed here.
type Message struct {
	Key       string
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
}

// ErrClosed is returned by Poll after Close.
var ErrClosed = errors.New("kafka: consumer closed")

// ErrNoSession is returned by Commit when no group session is live (the
// group is rebalancing). The message will be redelivered.
var ErrNoSession = errors.New("kafka: no live consumer group session")

// GroupConsumer consumes one topic inside a consumer group and exposes
// poll semantics: Poll returns the next message or nil when the bounded
// wait given by ctx elapses.
type GroupConsumer struct {
	group  sarama.ConsumerGroup
	topic  string
	log    *logging.Entry
	cancel context.CancelFunc

	messages chan *Message
	done     chan struct{}

	assignedOnce sync.Once
	assigned     chan struct{}

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
}

// NewConfig returns the sarama configuration for serving-layer consumers:
// start at the newest offset, auto-commit off, session errors surfaced.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "serving-layer-stream-api"
	cfg.Version = sarama.V2_8_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewGroupConsumer joins the consumer group and starts consuming topic in
// the background. brokers is a comma-separated bootstrap list.
func NewGroupConsumer(brokers, groupID, topic string, log *logging.Entry) (*GroupConsumer, error) {
	group, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, NewConfig())
	if err != nil {
		return nil, err
	}
	return newGroupConsumer(group, topic, log), nil
}

func newGroupConsumer(group sarama.ConsumerGroup, topic string, log *logging.Entry) *GroupConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &GroupConsumer{
		group:    group,
		topic:    topic,
		log:      log,
		cancel:   cancel,
		messages: make(chan *Message),
		done:     make(chan struct{}),
		assigned: make(chan struct{}),
	}
	go c.run(ctx)
	go c.drainErrors()
	return c
}

// WaitAssigned blocks until the group has assigned this consumer at least
// one partition, or ctx expires.
func (c *GroupConsumer) WaitAssigned(ctx context.Context) error {
	select {
	case <-c.assigned:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll returns the next message, or nil once ctx's bounded wait elapses
// with nothing to deliver. ErrClosed after Close.
func (c *GroupConsumer) Poll(ctx context.Context) (*Message, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, nil
	}
}

// Commit synchronously commits msg's offset against the live session.
// During a rebalance there is no session and ErrNoSession is returned; the
// uncommitted message will be redelivered, which at-least-once permits.
func (c *GroupConsumer) Commit(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}

	session.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
	session.Commit()
	return nil
}

// Close stops the session loop and leaves the group, triggering a
// rebalance so another member can take over the partitions.
func (c *GroupConsumer) Close() error {
	c.cancel()
	err := c.group.Close()
	<-c.done
	return err
}

// run keeps a group session alive until Close. sarama returns from Consume
// on every rebalance; clean returns rejoin immediately, failures back off
// exponentially.
func (c *GroupConsumer) run(ctx context.Context) {
	defer close(c.done)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	for {
		err := c.group.Consume(ctx, []string{c.topic}, &groupHandler{consumer: c})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			wait := policy.NextBackOff()
			c.log.Errorf("consumer group session failed: %s; rejoining in %s", err, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		policy.Reset()
	}
}

func (c *GroupConsumer) drainErrors() {
	for err := range c.group.Errors() {
		c.log.Errorf("consumer group error: %s", err)
	}
}

// groupHandler adapts the sarama session callbacks onto the GroupConsumer
// channel. One instance serves one session.
type groupHandler struct {
	consumer *GroupConsumer
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.mu.Lock()
	h.consumer.session = session
	h.consumer.mu.Unlock()

	h.consumer.assignedOnce.Do(func() { close(h.consumer.assigned) })
	h.consumer.log.Infof("partitions assigned: %v", session.Claims())
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.mu.Lock()
	if h.consumer.session == session {
		h.consumer.session = nil
	}
	h.consumer.mu.Unlock()
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			out := &Message{
				Key:       string(msg.Key),
				Value:     msg.Value,
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
			}
			select {
			case h.consumer.messages <- out:
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
