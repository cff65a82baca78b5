package console

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grindstone/internal/communication"
	"grindstone/internal/messages"
)

type addressedMessage struct {
	address communication.Address
	msg     communication.Message
}

type fakeAgentSender struct {
	mu        sync.Mutex
	broadcast []communication.Message
	addressed []addressedMessage
	fail      map[string]bool
}

func (s *fakeAgentSender) SendToAgents(msg communication.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, msg)
	return nil
}

func (s *fakeAgentSender) SendToAddressedAgents(address communication.Address, msg communication.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[address.String()] {
		return errors.New("connection reset")
	}
	s.addressed = append(s.addressed, addressedMessage{address, msg})
	return nil
}

func agentReport(id string) *messages.AgentProcessReport {
	return &messages.AgentProcessReport{AgentID: id, Name: "host-" + id, AgentNumber: -1, State: messages.StateStarted}
}

func TestProcessControl_AllocatesSmallestUnusedNumber(t *testing.T) {
	pc := NewProcessControl(&fakeAgentSender{}, time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		pc.HandleAgentReport(agentReport(id))
	}
	pc.HandleAgentReport(agentReport("b"))

	agents := pc.Agents()
	require.Len(t, agents, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, agents[i].Report.AgentID)
		assert.Equal(t, i, agents[i].Number)
	}

	pc.agents.Delete("b")
	assert.Equal(t, 2, pc.NumberOfLiveAgents())

	pc.HandleAgentReport(agentReport("d"))
	pc.HandleAgentReport(agentReport("e"))
	numbers := map[string]int{}
	for _, a := range pc.Agents() {
		numbers[a.Report.AgentID] = a.Number
	}
	assert.Equal(t, map[string]int{"a": 0, "c": 2, "d": 1, "e": 3}, numbers)
}

func TestProcessControl_LiveTimeout(t *testing.T) {
	pc := NewProcessControl(&fakeAgentSender{}, 50*time.Millisecond)
	pc.HandleAgentReport(agentReport("a"))
	require.Equal(t, 1, pc.NumberOfLiveAgents())

	assert.Eventually(t, func() bool { return pc.NumberOfLiveAgents() == 0 }, time.Second, 10*time.Millisecond)
}

func TestProcessControl_Workers(t *testing.T) {
	pc := NewProcessControl(&fakeAgentSender{}, time.Minute)
	pc.HandleAgentReport(agentReport("a"))
	pc.HandleWorkerReport(&messages.WorkerProcessReport{AgentID: "a", WorkerID: "w2", Name: "host-a-1", State: messages.StateRunning})
	pc.HandleWorkerReport(&messages.WorkerProcessReport{AgentID: "a", WorkerID: "w1", Name: "host-a-0", State: messages.StateRunning})
	pc.HandleWorkerReport(&messages.WorkerProcessReport{AgentID: "b", WorkerID: "w3", Name: "host-b-0"})

	workers := pc.Workers("a")
	require.Len(t, workers, 2)
	assert.Equal(t, "host-a-0", workers[0].Name)
	assert.Equal(t, "host-a-1", workers[1].Name)

	pc.agents.Delete("a")
	assert.Empty(t, pc.Workers("a"))
	assert.Len(t, pc.Workers("b"), 1)
}

func TestProcessControl_StartWorkerProcesses(t *testing.T) {
	sender := &fakeAgentSender{}
	pc := NewProcessControl(sender, time.Minute)
	pc.HandleAgentReport(agentReport("a"))
	pc.HandleAgentReport(agentReport("b"))

	props := map[string]string{"grinder.threads": "4"}
	require.NoError(t, pc.StartWorkerProcesses(props))

	require.Len(t, sender.addressed, 2)
	for i, id := range []string{"a", "b"} {
		assert.Equal(t, communication.AgentAddress{ID: id}, sender.addressed[i].address)
		start := sender.addressed[i].msg.(*messages.StartGrinderMessage)
		assert.Equal(t, i, start.AgentNumber)
		assert.Equal(t, props, start.Properties)
	}
	assert.Empty(t, sender.broadcast)
}

func TestProcessControl_StartReportsEveryFailure(t *testing.T) {
	sender := &fakeAgentSender{fail: map[string]bool{"agent:a": true, "agent:c": true}}
	pc := NewProcessControl(sender, time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		pc.HandleAgentReport(agentReport(id))
	}

	err := pc.StartWorkerProcesses(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting agent a")
	assert.Contains(t, err.Error(), "starting agent c")
	assert.Len(t, sender.addressed, 1)
}

func TestProcessControl_StartWithoutAgents(t *testing.T) {
	sender := &fakeAgentSender{}
	pc := NewProcessControl(sender, time.Minute)
	assert.NoError(t, pc.StartWorkerProcesses(nil))
	assert.Empty(t, sender.addressed)
}

func TestProcessControl_ResetAndStopBroadcast(t *testing.T) {
	sender := &fakeAgentSender{}
	pc := NewProcessControl(sender, time.Minute)

	require.NoError(t, pc.ResetWorkerProcesses())
	require.NoError(t, pc.StopAgentAndWorkerProcesses())

	require.Len(t, sender.broadcast, 2)
	assert.IsType(t, &messages.ResetGrinderMessage{}, sender.broadcast[0])
	assert.IsType(t, &messages.StopGrinderMessage{}, sender.broadcast[1])
}

type liveAgentsObserver struct {
	mu   sync.Mutex
	last int
}

func (o *liveAgentsObserver) LiveAgents(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = n
}
func (o *liveAgentsObserver) ReportMerged(int) {}
func (o *liveAgentsObserver) Recording(bool)   {}

func TestProcessControl_ReportsLiveAgents(t *testing.T) {
	obs := &liveAgentsObserver{}
	pc := NewProcessControl(&fakeAgentSender{}, time.Minute, WithConsoleObserver(obs))
	pc.HandleAgentReport(agentReport("a"))
	pc.HandleAgentReport(agentReport("b"))
	assert.Equal(t, 2, obs.last)

	pc.agents.Delete("a")
	assert.Equal(t, 1, obs.last)
}
