package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/darklight-media/darklight/internal/metrics"
)

const localBufferSize = 64

var errBusClosed = errors.New("bus closed")

type (
	// localBus is an in-process Bus. Delivery within a group is round-robin
	// across the group's live subscribers. A Publish blocks while a chosen
	// subscriber's buffer is full.
	localBus struct {
		mu     sync.Mutex
		subs   map[Subject][]*localSubscription
		cursor map[Subject]map[Group]int
		closed bool
		done   chan struct{}
	}

	localSubscription struct {
		group Group
		in    chan Message
		done  chan struct{}
	}
)

func NewLocalBus() *localBus {
	return &localBus{
		subs:   make(map[Subject][]*localSubscription),
		cursor: make(map[Subject]map[Group]int),
		done:   make(chan struct{}),
	}
}

func (bus *localBus) Publish(ctx context.Context, subject Subject, payload any) error {
	data, err := encode(subject, payload)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(subject), "error").Inc()
		return err
	}

	targets, err := bus.targets(subject)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(subject), "error").Inc()
		return fmt.Errorf("%w: cannot publish to %s: %w", ErrBus, subject, err)
	}

	msg := Message{Subject: subject, Data: data}
	for _, sub := range targets {
		select {
		case sub.in <- msg:
		case <-sub.done:
		case <-bus.done:
		case <-ctx.Done():
			metrics.EventsPublished.WithLabelValues(string(subject), "error").Inc()
			return fmt.Errorf("%w: publish to %s interrupted: %w", ErrBus, subject, ctx.Err())
		}
	}

	metrics.EventsPublished.WithLabelValues(string(subject), "ok").Inc()
	return nil
}

// targets selects every ungrouped subscriber, plus the next
// subscriber of each group.
func (bus *localBus) targets(subject Subject) ([]*localSubscription, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return nil, errBusClosed
	}

	grouped := make(map[Group][]*localSubscription)
	targets := make([]*localSubscription, 0)
	for _, sub := range bus.subs[subject] {
		if sub.group == "" {
			targets = append(targets, sub)
		} else {
			grouped[sub.group] = append(grouped[sub.group], sub)
		}
	}

	if _, ok := bus.cursor[subject]; !ok {
		bus.cursor[subject] = make(map[Group]int)
	}
	for group, members := range grouped {
		next := bus.cursor[subject][group] % len(members)
		bus.cursor[subject][group] = next + 1
		targets = append(targets, members[next])
	}

	return targets, nil
}

func (bus *localBus) Subscribe(ctx context.Context, subject Subject, group Group) (<-chan Message, error) {
	sub := &localSubscription{
		group: group,
		in:    make(chan Message, localBufferSize),
		done:  make(chan struct{}),
	}

	bus.mu.Lock()
	if bus.closed {
		bus.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot subscribe to %s: %w", ErrBus, subject, errBusClosed)
	}
	bus.subs[subject] = append(bus.subs[subject], sub)
	bus.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		defer bus.unsubscribe(subject, sub)

		for {
			select {
			case <-ctx.Done():
				return
			case <-bus.done:
				return
			case msg := <-sub.in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-bus.done:
					return
				}
			}
		}
	}()

	return out, nil
}

func (bus *localBus) unsubscribe(subject Subject, sub *localSubscription) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	close(sub.done)
	subs := bus.subs[subject]
	for i, s := range subs {
		if s == sub {
			bus.subs[subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// SubscriberCount returns the number of live subscriptions to the subject.
func (bus *localBus) SubscriberCount(subject Subject) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return len(bus.subs[subject])
}

func (bus *localBus) Close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if !bus.closed {
		bus.closed = true
		close(bus.done)
	}

	return nil
}
