package communication

import (
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"grindstone/internal/core"
	"grindstone/internal/observability"
)

// Sender is the write side shared by server and client connections.
type Sender interface {
	Send(msg Message) error
}

type SenderOption func(*FanOutServerSender)

func WithSenderLogger(logger log.Logger) SenderOption {
	return func(s *FanOutServerSender) { s.logger = logger }
}

// WithWriteTimeout bounds each per-connection write.
func WithWriteTimeout(d time.Duration) SenderOption {
	return func(s *FanOutServerSender) { s.writeTimeout = d }
}

// FanOutServerSender writes messages to every accepted connection of one
// type, or to those an address includes. A failing connection is discarded
// without affecting delivery to the others.
type FanOutServerSender struct {
	acceptor       *Acceptor
	connectionType ConnectionType
	threads        int
	errorHandler   core.ErrorHandler
	writeTimeout   time.Duration
	logger         log.Logger

	done chan struct{}
	once sync.Once
}

func NewFanOutServerSender(acceptor *Acceptor, connectionType ConnectionType, numberOfThreads int, errorHandler core.ErrorHandler, opts ...SenderOption) *FanOutServerSender {
	if numberOfThreads < 1 {
		numberOfThreads = 1
	}
	s := &FanOutServerSender{
		acceptor:       acceptor,
		connectionType: connectionType,
		threads:        numberOfThreads,
		errorHandler:   errorHandler,
		writeTimeout:   DefaultWriteTimeout,
		logger:         log.NewNopLogger(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send writes msg to every live connection of the sender's type.
func (s *FanOutServerSender) Send(msg Message) error {
	return s.send(nil, msg)
}

// SendTo writes msg to the connections whose address is included by address.
func (s *FanOutServerSender) SendTo(address Address, msg Message) error {
	if address == nil {
		return errors.New("communication: nil address")
	}
	return s.send(address, msg)
}

func (s *FanOutServerSender) send(address Address, msg Message) error {
	select {
	case <-s.done:
		return ErrShutdown
	default:
	}

	var targets []*Connection
	for _, c := range s.acceptor.Connections(s.connectionType) {
		if address == nil || (c.Address() != nil && address.Includes(c.Address())) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	kind := s.acceptor.codec.Name(msg.Kind())

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.threads)
	for _, c := range targets {
		g.Go(func() error {
			if err := c.send(msg, 0, 0, s.writeTimeout); err != nil {
				s.acceptor.discard(c, observability.DropReasonWriteError)
				mu.Lock()
				errs = append(errs, &Error{Op: OpSend, Type: c.Type(), Address: c.Address(), Err: err})
				mu.Unlock()
				return nil
			}
			s.acceptor.observer.MessageSent(c.Type().String(), kind)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		level.Debug(s.logger).Log("msg", "fan-out send failed", "kind", kind, "failures", len(errs), "targets", len(targets))
		if s.errorHandler != nil {
			s.errorHandler.HandleError(errors.Join(errs...))
		}
	}
	return nil
}

// Shutdown closes every connection of the sender's type. Repeated calls are
// no-ops.
func (s *FanOutServerSender) Shutdown() {
	s.once.Do(func() {
		close(s.done)
		for _, c := range s.acceptor.Connections(s.connectionType) {
			s.acceptor.discard(c, observability.DropReasonShutdown)
		}
	})
}
