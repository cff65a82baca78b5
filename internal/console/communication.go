package console

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/communication"
	"grindstone/internal/core"
	"grindstone/internal/messages"
	"grindstone/internal/statistics"
)

const (
	DefaultPort          = 6372
	DefaultIdlePollDelay = 500 * time.Millisecond
)

// CommunicationConfig sizes the console's network layer.
type CommunicationConfig struct {
	Host            string
	Port            int
	AcceptorThreads int
	ReceiverThreads int
	SenderThreads   int
	IdlePollDelay   time.Duration
}

func DefaultCommunicationConfig() CommunicationConfig {
	return CommunicationConfig{
		Port:            DefaultPort,
		AcceptorThreads: 2,
		ReceiverThreads: 5,
		SenderThreads:   3,
		IdlePollDelay:   DefaultIdlePollDelay,
	}
}

// Communication owns the console's acceptor, the receiver that reads every
// inbound connection type, the sender that writes to agents, and the
// dispatcher that routes what is received.
type Communication struct {
	acceptor     *communication.Acceptor
	receiver     *communication.ServerReceiver
	agentSender  *communication.FanOutServerSender
	dispatcher   *communication.MessageDispatchRegistry
	errorHandler core.ErrorHandler
	logger       log.Logger

	wg   sync.WaitGroup
	once sync.Once
}

func NewCommunication(config CommunicationConfig, layout *statistics.IndexMap, errorHandler core.ErrorHandler, opts ...Option) (*Communication, error) {
	o := buildOptions(opts)

	acceptor, err := communication.NewAcceptor(config.Host, config.Port, config.AcceptorThreads,
		communication.WithCodec(messages.NewCodec()),
		communication.WithIndexMap(layout),
		communication.WithObserver(o.communicationMetrics),
		communication.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	receiver, err := communication.ReceiveFrom(acceptor, communication.AllConnectionTypes,
		config.ReceiverThreads, config.IdlePollDelay,
		communication.WithReceiverLogger(o.logger))
	if err != nil {
		acceptor.Shutdown()
		return nil, err
	}

	c := &Communication{
		acceptor: acceptor,
		receiver: receiver,
		agentSender: communication.NewFanOutServerSender(acceptor, communication.ConnectionTypeAgent,
			config.SenderThreads, errorHandler, communication.WithSenderLogger(o.logger)),
		dispatcher:   communication.NewMessageDispatchRegistry(),
		errorHandler: errorHandler,
		logger:       o.logger,
	}

	c.wg.Add(1)
	go c.drainPendingErrors()

	level.Info(c.logger).Log("msg", "console listening", "address", acceptor.Addr().String())
	return c, nil
}

func (c *Communication) drainPendingErrors() {
	defer c.wg.Done()
	for {
		err := c.acceptor.PendingError(true)
		if err == nil {
			return
		}
		c.errorHandler.HandleError(err)
	}
}

func (c *Communication) Addr() net.Addr { return c.acceptor.Addr() }

func (c *Communication) Acceptor() *communication.Acceptor { return c.acceptor }

// Dispatcher returns the registry messages are routed through.
func (c *Communication) Dispatcher() *communication.MessageDispatchRegistry { return c.dispatcher }

// ProcessOneMessage waits for one message and dispatches it. It returns
// false once the communication is shut down or ctx is done.
func (c *Communication) ProcessOneMessage(ctx context.Context) bool {
	msg, err := c.receiver.WaitForMessage(ctx)
	if err != nil {
		if !errors.Is(err, communication.ErrShutdown) && ctx.Err() == nil {
			c.errorHandler.HandleError(err)
		}
		return false
	}

	if err := c.dispatcher.Send(msg); err != nil {
		c.errorHandler.HandleError(err)
	}
	return true
}

// Run processes messages until ctx is done or Shutdown is called.
func (c *Communication) Run(ctx context.Context) {
	for c.ProcessOneMessage(ctx) {
	}
}

// SendToAgents writes msg to every connected agent.
func (c *Communication) SendToAgents(msg communication.Message) error {
	return c.agentSender.Send(msg)
}

// SendToAddressedAgents writes msg to the agents address includes.
func (c *Communication) SendToAddressedAgents(address communication.Address, msg communication.Message) error {
	return c.agentSender.SendTo(address, msg)
}

// Shutdown lets the receiver drain its in-flight reads, then releases the
// agent connections through the sender, closes the acceptor and shuts the
// dispatcher down. Repeated calls are no-ops.
func (c *Communication) Shutdown() {
	c.once.Do(func() {
		c.receiver.Shutdown()
		c.agentSender.Shutdown()
		c.acceptor.Shutdown()
		c.dispatcher.Shutdown()
		c.wg.Wait()
		level.Debug(c.logger).Log("msg", "console communication shut down")
	})
}
