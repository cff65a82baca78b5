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
	"grindstone/internal/statistics"
)

// Config controls a console.
type Config struct {
	Communication    CommunicationConfig
	SampleInterval   time.Duration
	AgentLiveTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Communication:    DefaultCommunicationConfig(),
		SampleInterval:   DefaultSampleInterval,
		AgentLiveTimeout: DefaultAgentLiveTimeout,
	}
}

func (c Config) Validate() error {
	cc := c.Communication
	if cc.Port < 0 || cc.Port > 65535 {
		return errors.New("console: port must be between 0 and 65535")
	}
	if cc.AcceptorThreads < 1 || cc.ReceiverThreads < 1 || cc.SenderThreads < 1 {
		return errors.New("console: thread counts must be positive")
	}
	if cc.IdlePollDelay <= 0 {
		return errors.New("console: idle poll delay must be positive")
	}
	if c.SampleInterval <= 0 {
		return errors.New("console: sample interval must be positive")
	}
	if c.AgentLiveTimeout <= 0 {
		return errors.New("console: agent live timeout must be positive")
	}
	return nil
}

// Console wires the communication layer to the sample model and process
// control.
type Console struct {
	config         Config
	communication  *Communication
	model          *SampleModel
	processControl *ProcessControl
	logger         log.Logger

	once sync.Once
}

func New(config Config, layout *statistics.IndexMap, errorHandler core.ErrorHandler, opts ...Option) (*Console, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	comm, err := NewCommunication(config.Communication, layout, errorHandler, opts...)
	if err != nil {
		return nil, err
	}

	c := &Console{
		config:         config,
		communication:  comm,
		model:          NewSampleModel(layout, opts...),
		processControl: NewProcessControl(comm, config.AgentLiveTimeout, opts...),
		logger:         o.logger,
	}

	comm.Acceptor().AddListener(communication.ConnectionTypeAgent, c.processControl)
	registerReportHandlers(comm.Dispatcher(), c.model, c.processControl)
	registerRequestHandlers(comm.Dispatcher(), c.model, c.processControl, o.logger)
	return c, nil
}

func (c *Console) Addr() net.Addr { return c.communication.Addr() }

func (c *Console) SampleModel() *SampleModel { return c.model }

func (c *Console) ProcessControl() *ProcessControl { return c.processControl }

func (c *Console) Communication() *Communication { return c.communication }

// Run processes messages and takes samples until ctx is done or Shutdown
// is called, then shuts the console down.
func (c *Console) Run(ctx context.Context) {
	sampleCtx, stopSampling := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.model.Run(sampleCtx, c.config.SampleInterval)
	}()

	c.communication.Run(ctx)
	level.Debug(c.logger).Log("msg", "console message loop finished")
	c.Shutdown()
	stopSampling()
	wg.Wait()
}

// Shutdown closes every connection. Repeated calls are no-ops.
func (c *Console) Shutdown() {
	c.once.Do(c.communication.Shutdown)
}
