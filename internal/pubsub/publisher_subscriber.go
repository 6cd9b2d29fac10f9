package pubsub

import (
	"errors"
	"sync"

	"github.com/alanbriolat/dlqueue/generic"
	"github.com/alanbriolat/dlqueue/internal/sync_"
)

const (
	DefaultPublisherBufSize  = 16
	DefaultSubscriberBufSize = 16
)

var (
	ErrPublisherClosed = errors.New("publisher closed")
)

// Publisher fans each sent value out to every subscriber, in send order.
type Publisher[T any] interface {
	SenderCloser[T]
	// AddSubscriber registers s; if closeWithPublisher is true, s is closed when the publisher closes.
	AddSubscriber(s SenderCloser[T], closeWithPublisher bool) error
	Subscribe() (ReceiverCloser[T], error)
	SubscribeBufSize(int) (ReceiverCloser[T], error)
	// SubscribeFiltered is Subscribe, but only receiving values for which filter returns true.
	SubscribeFiltered(filter func(T) bool) (ReceiverCloser[T], error)
}

type subscriber[T any] struct {
	SenderCloser[T]
	closeWithPublisher bool
}

type publisher[T any] struct {
	mu          sync.Mutex
	ch          Channel[T]
	running     sync.WaitGroup
	pending     sync.WaitGroup // Values not yet sent to all subscribers
	subscribers *sync_.Mutexed[generic.Set[*subscriber[T]]]
	closed      bool
}

func NewPublisher[T any]() Publisher[T] {
	return NewPublisherBufSize[T](DefaultPublisherBufSize)
}

func NewPublisherBufSize[T any](bufSize int) Publisher[T] {
	p := &publisher[T]{
		ch:          NewChannel[T](bufSize),
		subscribers: sync_.NewMutexed(generic.NewSet[*subscriber[T]]()),
	}
	p.running.Add(1)
	go p.run()
	return p
}

func (p *publisher[T]) run() {
	defer p.running.Done()
	for v := range p.ch.Receive() {
		// Copy the subscriber list so that a slow subscriber doesn't block AddSubscriber
		var subscribers []*subscriber[T]
		_ = p.subscribers.Locked(func(set *generic.Set[*subscriber[T]]) error {
			subscribers = (*set).ToSlice()
			return nil
		})
		for _, s := range subscribers {
			if ok := s.Send(v); !ok {
				p.unsubscribe(s)
			}
		}
		p.pending.Done()
	}
}

// Send queues the value for all current subscribers, returning false if the publisher is closed.
func (p *publisher[T]) Send(msg T) bool {
	p.pending.Add(1)
	if ok := p.ch.Send(msg); !ok {
		p.pending.Done()
		return false
	}
	return true
}

func (p *publisher[T]) Subscribe() (ReceiverCloser[T], error) {
	return p.SubscribeBufSize(DefaultSubscriberBufSize)
}

func (p *publisher[T]) SubscribeBufSize(bufSize int) (ReceiverCloser[T], error) {
	c := NewChannel[T](bufSize)
	if err := p.AddSubscriber(c, true); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *publisher[T]) SubscribeFiltered(filter func(T) bool) (ReceiverCloser[T], error) {
	c := NewChannel[T](DefaultSubscriberBufSize)
	if err := p.AddSubscriber(NewFilteredSender[T](c, filter), true); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *publisher[T]) AddSubscriber(s SenderCloser[T], closeWithPublisher bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	return p.subscribers.Locked(func(set *generic.Set[*subscriber[T]]) error {
		(*set).Add(&subscriber[T]{s, closeWithPublisher})
		return nil
	})
}

func (p *publisher[T]) unsubscribe(s *subscriber[T]) {
	_ = p.subscribers.Locked(func(set *generic.Set[*subscriber[T]]) error {
		(*set).Remove(s)
		return nil
	})
}

// Close idempotently shuts down the publisher after delivering everything already sent.
func (p *publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.ch.Close()
	p.pending.Wait()
	p.running.Wait()
	var subscribers []*subscriber[T]
	_ = p.subscribers.Locked(func(set *generic.Set[*subscriber[T]]) error {
		subscribers = (*set).ToSlice()
		(*set).Clear()
		return nil
	})
	for _, s := range subscribers {
		if s.closeWithPublisher {
			s.Close()
		}
	}
	p.closed = true
}

func (p *publisher[T]) Closed() <-chan struct{} {
	return p.ch.Closed()
}
