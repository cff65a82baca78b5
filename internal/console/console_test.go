package console

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grindstone/internal/agent"
	"grindstone/internal/communication"
	"grindstone/internal/core"
	"grindstone/internal/messages"
	"grindstone/internal/observability"
	"grindstone/internal/statistics"
	"grindstone/internal/worker"
)

func testConsoleConfig() Config {
	config := DefaultConfig()
	config.Communication.Host = "127.0.0.1"
	config.Communication.Port = 0
	config.Communication.IdlePollDelay = 10 * time.Millisecond
	config.SampleInterval = 20 * time.Millisecond
	config.AgentLiveTimeout = time.Minute
	return config
}

func startConsole(t *testing.T, opts ...Option) (*Console, *core.MockErrorHandler) {
	t.Helper()
	errorHandler := &core.MockErrorHandler{}
	c, err := New(testConsoleConfig(), newLayout(t), errorHandler, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, errorHandler
}

func connect(t *testing.T, c *Console, connectionType communication.ConnectionType, name string) *communication.ClientConnection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := communication.NewConnector(c.Addr().String(), connectionType, communication.NewIdentity(name), messages.NewCodec()).Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func request(t *testing.T, conn *communication.ClientConnection, msg communication.Message) communication.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := conn.BlockingSend(ctx, msg)
	require.NoError(t, err)
	return resp
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.Communication.Port = -1 }},
		{"no receiver threads", func(c *Config) { c.Communication.ReceiverThreads = 0 }},
		{"no idle poll delay", func(c *Config) { c.Communication.IdlePollDelay = 0 }},
		{"no sample interval", func(c *Config) { c.SampleInterval = 0 }},
		{"no live timeout", func(c *Config) { c.AgentLiveTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConsole_BindFailure(t *testing.T) {
	c, _ := startConsole(t)
	config := testConsoleConfig()
	config.Communication.Port = c.Addr().(*net.TCPAddr).Port
	_, err := New(config, newLayout(t), &core.MockErrorHandler{})
	require.Error(t, err)
}

func TestConsole_EndToEnd(t *testing.T) {
	c, errorHandler := startConsole(t)
	c.SampleModel().Start()

	conn := connect(t, c, communication.ConnectionTypeAgent, "agent-a")
	require.NoError(t, conn.Send(agentReport(conn.Identity().ID)))

	layout := newLayout(t)
	require.NoError(t, conn.Send(&messages.ReportStatisticsMessage{WorkerID: "w1", Statistics: report(layout, 0, 5, 1)}))

	timed := layout.MustLongSampleIndex(statistics.TimedTests)
	require.Eventually(t, func() bool { return c.SampleModel().Totals().Count(timed) == 3 }, 5*time.Second, 5*time.Millisecond)

	cumulative := c.SampleModel().Cumulative()
	one, ok := cumulative.Get(homePage)
	require.True(t, ok)
	totals := c.SampleModel().Totals()
	assert.Equal(t, float64(6), totals.Sum(timed))
	assert.Equal(t, one.Sample(timed), totals.Sample(timed))

	require.Eventually(t, func() bool { return c.ProcessControl().NumberOfLiveAgents() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.ProcessControl().ResetWorkerProcesses())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.IsType(t, &messages.ResetGrinderMessage{}, msg)

	quiet, cancelQuiet := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelQuiet()
	_, err = conn.Receive(quiet)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Empty(t, errorHandler.Errors())
}

func TestConsole_StartWorkerProcessesAddressesEachAgent(t *testing.T) {
	c, _ := startConsole(t)
	a := connect(t, c, communication.ConnectionTypeAgent, "agent-a")
	require.NoError(t, a.Send(agentReport(a.Identity().ID)))
	require.Eventually(t, func() bool { return c.ProcessControl().NumberOfLiveAgents() == 1 }, 5*time.Second, 5*time.Millisecond)
	b := connect(t, c, communication.ConnectionTypeAgent, "agent-b")
	require.NoError(t, b.Send(agentReport(b.Identity().ID)))
	require.Eventually(t, func() bool { return c.ProcessControl().NumberOfLiveAgents() == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.ProcessControl().StartWorkerProcesses(map[string]string{"grinder.runs": "1"}))

	for want, conn := range []*communication.ClientConnection{a, b} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msg, err := conn.Receive(ctx)
		cancel()
		require.NoError(t, err)
		start, ok := msg.(*messages.StartGrinderMessage)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, want, start.AgentNumber)
		assert.Equal(t, "1", start.Properties["grinder.runs"])
	}
}

func TestConsole_ClosedAgentConnectionIsForgotten(t *testing.T) {
	c, _ := startConsole(t)
	conn := connect(t, c, communication.ConnectionTypeAgent, "agent-a")
	require.NoError(t, conn.Send(agentReport(conn.Identity().ID)))
	require.Eventually(t, func() bool { return c.ProcessControl().NumberOfLiveAgents() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return c.ProcessControl().NumberOfLiveAgents() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestConsole_AnswersConsoleClients(t *testing.T) {
	c, _ := startConsole(t)
	agentConn := connect(t, c, communication.ConnectionTypeAgent, "agent-a")
	require.NoError(t, agentConn.Send(agentReport(agentConn.Identity().ID)))
	require.Eventually(t, func() bool { return c.ProcessControl().NumberOfLiveAgents() == 1 }, 5*time.Second, 5*time.Millisecond)

	client := connect(t, c, communication.ConnectionTypeConsoleClient, "cli")

	assert.IsType(t, &messages.SuccessMessage{}, request(t, client, &messages.StartRecordingMessage{}))
	assert.Equal(t, StateRecording, c.SampleModel().State())

	assert.Equal(t, &messages.ResultMessage{Value: 1}, request(t, client, &messages.GetNumberOfAgentsMessage{}))

	assert.IsType(t, &messages.SuccessMessage{}, request(t, client, &messages.ResetRecordingMessage{}))
	assert.IsType(t, &messages.SuccessMessage{}, request(t, client, &messages.StopRecordingMessage{}))
	assert.Equal(t, StateStopped, c.SampleModel().State())
}

func TestConsole_UnknownRequestIsAnsweredWithError(t *testing.T) {
	c, _ := startConsole(t)
	client := connect(t, c, communication.ConnectionTypeConsoleClient, "cli")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.BlockingSend(ctx, &messages.ResetGrinderMessage{})
	assert.ErrorIs(t, err, communication.ErrRequestFailed)
}

type dropRecorder struct {
	mu    sync.Mutex
	drops []string
}

func (r *dropRecorder) ConnCount(string, int)                   {}
func (r *dropRecorder) Handshake(observability.HandshakeResult) {}
func (r *dropRecorder) MessageReceived(string, string)          {}
func (r *dropRecorder) MessageSent(string, string)              {}
func (r *dropRecorder) Dropped(connectionType string, reason observability.DropReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops = append(r.drops, connectionType+"/"+string(reason))
}

func (r *dropRecorder) Drops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.drops...)
}

func TestConsole_ShutdownReleasesAgentsAfterReceiverDrains(t *testing.T) {
	obs := &dropRecorder{}
	c, errorHandler := startConsole(t, WithCommunicationObserver(obs))
	connect(t, c, communication.ConnectionTypeAgent, "agent-a")
	require.Eventually(t, func() bool {
		return c.Communication().Acceptor().NumberOfConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)

	c.Shutdown()

	// The sender hands the agent socket back while the acceptor still holds
	// it; closing the acceptor first would leave nothing to release.
	assert.Equal(t, []string{"agent/shutdown"}, obs.Drops())
	assert.Equal(t, 0, c.Communication().Acceptor().NumberOfConnections())
	assert.Empty(t, errorHandler.Errors())
}

func TestConsole_ShutdownIsIdempotent(t *testing.T) {
	c, err := New(testConsoleConfig(), newLayout(t), &core.MockErrorHandler{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(context.Background())
	}()

	c.Shutdown()
	c.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestConsole_RunsAgents(t *testing.T) {
	c, _ := startConsole(t)
	collected := &recordingListener{}
	c.SampleModel().AddListener(collected)
	c.SampleModel().Start()

	wc := worker.DefaultConfig()
	wc.ReportInterval = 10 * time.Millisecond
	config := agent.Config{
		ConsoleAddress: c.Addr().String(),
		Name:           "load",
		Workers:        2,
		Worker:         wc,
		StatusInterval: 20 * time.Millisecond,
		DeltaEncoding:  true,
	}
	script := core.ScriptFunc(func(ctx context.Context, thread int, rec core.Recorder) error {
		rec.RecordSuccess(homePage, 3*time.Millisecond)
		return nil
	})
	a := agent.New(config, script, newLayout(t), &core.MockErrorHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-agentDone
	}()

	require.Eventually(t, func() bool { return c.ProcessControl().NumberOfLiveAgents() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.ProcessControl().StartWorkerProcesses(map[string]string{
		worker.PropertyThreads: "2",
		worker.PropertyRuns:    "5",
	}))

	timed := newLayout(t).MustLongSampleIndex(statistics.TimedTests)
	require.Eventually(t, func() bool { return c.SampleModel().Totals().Count(timed) == 20 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		workers := c.ProcessControl().Workers(a.Identity().ID)
		if len(workers) != 2 {
			return false
		}
		for _, w := range workers {
			if w.State != messages.StateFinished {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.ProcessControl().StopAgentAndWorkerProcesses())
	select {
	case err := <-agentDone:
		assert.NoError(t, err)
		agentDone <- err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
