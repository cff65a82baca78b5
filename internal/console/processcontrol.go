package console

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/patrickmn/go-cache"

	"grindstone/internal/communication"
	"grindstone/internal/messages"
	"grindstone/internal/observability"
)

const DefaultAgentLiveTimeout = 10 * time.Second

// AgentSender delivers fleet commands.
type AgentSender interface {
	SendToAgents(msg communication.Message) error
	SendToAddressedAgents(address communication.Address, msg communication.Message) error
}

// AgentStatus is the latest report from a live agent and the number the
// console gave it.
type AgentStatus struct {
	Report   messages.AgentProcessReport
	Number   int
	LastSeen time.Time
}

// ProcessControl tracks which agents and workers are alive and sends them
// start, reset and stop commands. An agent is live while it keeps
// reporting within the live timeout and its connection is open.
type ProcessControl struct {
	sender  AgentSender
	agents  *cache.Cache
	workers *cache.Cache

	numbersMu sync.Mutex
	numbers   map[string]int

	observer observability.ConsoleObserver
	logger   log.Logger
}

func NewProcessControl(sender AgentSender, liveTimeout time.Duration, opts ...Option) *ProcessControl {
	o := buildOptions(opts)
	if liveTimeout <= 0 {
		liveTimeout = DefaultAgentLiveTimeout
	}
	cleanup := liveTimeout / 2
	pc := &ProcessControl{
		sender:   sender,
		agents:   cache.New(liveTimeout, cleanup),
		workers:  cache.New(liveTimeout, cleanup),
		numbers:  make(map[string]int),
		observer: o.consoleMetrics,
		logger:   o.logger,
	}
	pc.agents.OnEvicted(pc.agentGone)
	return pc
}

func (pc *ProcessControl) agentGone(id string, value interface{}) {
	pc.numbersMu.Lock()
	delete(pc.numbers, id)
	pc.numbersMu.Unlock()

	for key := range pc.workers.Items() {
		if strings.HasPrefix(key, id+"/") {
			pc.workers.Delete(key)
		}
	}

	if status, ok := value.(*AgentStatus); ok {
		level.Info(pc.logger).Log("msg", "agent gone", "agent", id, "name", status.Report.Name, "number", status.Number)
	}
	pc.observer.LiveAgents(pc.NumberOfLiveAgents())
}

// number returns the agent's number, giving it the smallest unused one on
// first sight.
func (pc *ProcessControl) number(id string) int {
	pc.numbersMu.Lock()
	defer pc.numbersMu.Unlock()
	if n, ok := pc.numbers[id]; ok {
		return n
	}
	used := make(map[int]bool, len(pc.numbers))
	for _, n := range pc.numbers {
		used[n] = true
	}
	n := 0
	for used[n] {
		n++
	}
	pc.numbers[id] = n
	return n
}

// HandleAgentReport records an agent's status report.
func (pc *ProcessControl) HandleAgentReport(report *messages.AgentProcessReport) {
	_, known := pc.agents.Get(report.AgentID)
	status := &AgentStatus{
		Report:   *report,
		Number:   pc.number(report.AgentID),
		LastSeen: time.Now(),
	}
	pc.agents.SetDefault(report.AgentID, status)
	if !known {
		level.Info(pc.logger).Log("msg", "agent connected", "agent", report.AgentID, "name", report.Name, "number", status.Number)
	}
	pc.observer.LiveAgents(pc.NumberOfLiveAgents())
}

// HandleWorkerReport records a worker's status report.
func (pc *ProcessControl) HandleWorkerReport(report *messages.WorkerProcessReport) {
	pc.workers.SetDefault(report.AgentID+"/"+report.WorkerID, *report)
}

func (pc *ProcessControl) ConnectionAccepted(c *communication.Connection) {
	level.Debug(pc.logger).Log("msg", "agent connection accepted", "connection", c.String())
}

// ConnectionClosed forgets the agent behind a closed connection.
func (pc *ProcessControl) ConnectionClosed(c *communication.Connection) {
	address, ok := c.Address().(communication.AgentAddress)
	if !ok {
		return
	}
	pc.agents.Delete(address.ID)
}

// NumberOfLiveAgents returns how many agents reported within the live
// timeout.
func (pc *ProcessControl) NumberOfLiveAgents() int {
	return len(pc.agents.Items())
}

// Agents returns the live agents ordered by number.
func (pc *ProcessControl) Agents() []AgentStatus {
	items := pc.agents.Items()
	agents := make([]AgentStatus, 0, len(items))
	for _, item := range items {
		agents = append(agents, *item.Object.(*AgentStatus))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Number < agents[j].Number })
	return agents
}

// Workers returns the latest report of each live worker of an agent,
// ordered by worker name.
func (pc *ProcessControl) Workers(agentID string) []messages.WorkerProcessReport {
	var workers []messages.WorkerProcessReport
	for key, item := range pc.workers.Items() {
		if strings.HasPrefix(key, agentID+"/") {
			workers = append(workers, item.Object.(messages.WorkerProcessReport))
		}
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers
}

// StartWorkerProcesses sends each live agent a start command carrying its
// agent number.
func (pc *ProcessControl) StartWorkerProcesses(properties map[string]string) error {
	agents := pc.Agents()
	if len(agents) == 0 {
		level.Warn(pc.logger).Log("msg", "no live agents to start")
		return nil
	}

	var errs []error
	for _, agent := range agents {
		msg := &messages.StartGrinderMessage{Properties: properties, AgentNumber: agent.Number}
		if err := pc.sender.SendToAddressedAgents(communication.AgentAddress{ID: agent.Report.AgentID}, msg); err != nil {
			errs = append(errs, fmt.Errorf("starting agent %s: %w", agent.Report.AgentID, err))
		}
	}
	level.Info(pc.logger).Log("msg", "started worker processes", "agents", len(agents))
	return errors.Join(errs...)
}

// ResetWorkerProcesses tells every agent to stop its workers and wait.
func (pc *ProcessControl) ResetWorkerProcesses() error {
	level.Info(pc.logger).Log("msg", "resetting worker processes")
	return pc.sender.SendToAgents(&messages.ResetGrinderMessage{})
}

// StopAgentAndWorkerProcesses tells every agent to stop and exit.
func (pc *ProcessControl) StopAgentAndWorkerProcesses() error {
	level.Info(pc.logger).Log("msg", "stopping agents")
	return pc.sender.SendToAgents(&messages.StopGrinderMessage{})
}
