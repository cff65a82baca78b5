// Package messages defines the messages exchanged between the console,
// agents, workers and console clients.
package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"grindstone/internal/communication"
	"grindstone/internal/statistics"
)

const (
	KindRegisterTests communication.Kind = iota + 1
	KindReportStatistics
	KindWorkerProcessReport
	KindAgentProcessReport
	KindStartGrinder
	KindResetGrinder
	KindStopGrinder
	KindStartRecording
	KindStopRecording
	KindResetRecording
	KindGetNumberOfAgents
	KindSuccess
	KindResult
)

// NewCodec returns a codec that knows every message in this package.
func NewCodec() *communication.Codec {
	c := communication.NewCodec()
	c.Register(KindRegisterTests, "RegisterTests", func() communication.Message { return &RegisterTestsMessage{} })
	c.Register(KindReportStatistics, "ReportStatistics", func() communication.Message { return &ReportStatisticsMessage{} })
	c.Register(KindWorkerProcessReport, "WorkerProcessReport", func() communication.Message { return &WorkerProcessReport{} })
	c.Register(KindAgentProcessReport, "AgentProcessReport", func() communication.Message { return &AgentProcessReport{} })
	c.Register(KindStartGrinder, "StartGrinder", func() communication.Message { return &StartGrinderMessage{} })
	c.Register(KindResetGrinder, "ResetGrinder", func() communication.Message { return &ResetGrinderMessage{} })
	c.Register(KindStopGrinder, "StopGrinder", func() communication.Message { return &StopGrinderMessage{} })
	c.Register(KindStartRecording, "StartRecording", func() communication.Message { return &StartRecordingMessage{} })
	c.Register(KindStopRecording, "StopRecording", func() communication.Message { return &StopRecordingMessage{} })
	c.Register(KindResetRecording, "ResetRecording", func() communication.Message { return &ResetRecordingMessage{} })
	c.Register(KindGetNumberOfAgents, "GetNumberOfAgents", func() communication.Message { return &GetNumberOfAgentsMessage{} })
	c.Register(KindSuccess, "Success", func() communication.Message { return &SuccessMessage{} })
	c.Register(KindResult, "Result", func() communication.Message { return &ResultMessage{} })
	return c
}

// ErrorResponseMessage answers a failed request.
type ErrorResponseMessage = communication.ErrorResponseMessage

// RegisterTestsMessage announces the tests a worker will report on.
type RegisterTestsMessage struct {
	WorkerID string            `cbor:"1,keyasint"`
	Tests    []statistics.Test `cbor:"2,keyasint"`
}

func (*RegisterTestsMessage) Kind() communication.Kind { return KindRegisterTests }

// ReportStatisticsMessage carries the statistics a worker accumulated since
// its previous report. Sets are keyed by worker so reports from several
// workers can share one connection.
type ReportStatisticsMessage struct {
	WorkerID   string
	Statistics *statistics.TestStatisticsMap
}

func (*ReportStatisticsMessage) Kind() communication.Kind { return KindReportStatistics }

func (m *ReportStatisticsMessage) MarshalStream(z *statistics.Serialiser) ([]byte, error) {
	if m.Statistics == nil {
		return nil, fmt.Errorf("report from %q has no statistics", m.WorkerID)
	}
	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, uint64(len(m.WorkerID))))
	buf.WriteString(m.WorkerID)
	if err := m.Statistics.Serialise(&buf, z, m.WorkerID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ReportStatisticsMessage) UnmarshalStream(z *statistics.Serialiser, data []byte) error {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("reading worker id: %w", err)
	}
	if n > uint64(r.Len()) {
		return fmt.Errorf("%w: worker id length %d", statistics.ErrCorrupt, n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return fmt.Errorf("reading worker id: %w", err)
	}

	stats, err := statistics.DeserialiseTestStatisticsMap(r, z, string(id))
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", statistics.ErrCorrupt, r.Len())
	}
	m.WorkerID = string(id)
	m.Statistics = stats
	return nil
}

// ProcessState is the lifecycle state carried by process reports.
type ProcessState uint8

const (
	StateUnknown ProcessState = iota
	StateStarted
	StateRunning
	StateFinished
)

func (s ProcessState) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// WorkerProcessReport is sent periodically by every worker.
type WorkerProcessReport struct {
	AgentID                string       `cbor:"1,keyasint"`
	WorkerID               string       `cbor:"2,keyasint"`
	Name                   string       `cbor:"3,keyasint,omitempty"`
	State                  ProcessState `cbor:"4,keyasint"`
	NumberOfRunningThreads int          `cbor:"5,keyasint"`
	MaximumNumberOfThreads int          `cbor:"6,keyasint"`
}

func (*WorkerProcessReport) Kind() communication.Kind { return KindWorkerProcessReport }

func (r *WorkerProcessReport) Address() communication.WorkerAddress {
	return communication.WorkerAddress{AgentID: r.AgentID, ID: r.WorkerID}
}

// ClosedScope ends the worker's statistics scope once it has finished; no
// further reports arrive under its id.
func (r *WorkerProcessReport) ClosedScope() (string, bool) {
	return r.WorkerID, r.State == StateFinished
}

// AgentProcessReport is sent periodically by every agent.
type AgentProcessReport struct {
	AgentID            string       `cbor:"1,keyasint"`
	Name               string       `cbor:"2,keyasint,omitempty"`
	AgentNumber        int          `cbor:"3,keyasint"`
	State              ProcessState `cbor:"4,keyasint"`
	NumberOfWorkers    int          `cbor:"5,keyasint"`
	CacheHighWaterMark int64        `cbor:"6,keyasint"`
}

func (*AgentProcessReport) Kind() communication.Kind { return KindAgentProcessReport }

func (r *AgentProcessReport) Address() communication.AgentAddress {
	return communication.AgentAddress{ID: r.AgentID}
}

// StartGrinderMessage tells an agent to start its workers.
type StartGrinderMessage struct {
	Properties  map[string]string `cbor:"1,keyasint,omitempty"`
	AgentNumber int               `cbor:"2,keyasint"`
}

func (*StartGrinderMessage) Kind() communication.Kind { return KindStartGrinder }

// ResetGrinderMessage tells an agent to stop its workers and wait for the
// next start.
type ResetGrinderMessage struct{}

func (*ResetGrinderMessage) Kind() communication.Kind { return KindResetGrinder }

// StopGrinderMessage tells an agent to stop its workers and exit.
type StopGrinderMessage struct{}

func (*StopGrinderMessage) Kind() communication.Kind { return KindStopGrinder }

type StartRecordingMessage struct{}

func (*StartRecordingMessage) Kind() communication.Kind { return KindStartRecording }

type StopRecordingMessage struct{}

func (*StopRecordingMessage) Kind() communication.Kind { return KindStopRecording }

type ResetRecordingMessage struct{}

func (*ResetRecordingMessage) Kind() communication.Kind { return KindResetRecording }

type GetNumberOfAgentsMessage struct{}

func (*GetNumberOfAgentsMessage) Kind() communication.Kind { return KindGetNumberOfAgents }

// SuccessMessage acknowledges a request that returns nothing.
type SuccessMessage struct{}

func (*SuccessMessage) Kind() communication.Kind { return KindSuccess }

// ResultMessage answers a request with a number.
type ResultMessage struct {
	Value int64 `cbor:"1,keyasint"`
}

func (*ResultMessage) Kind() communication.Kind { return KindResult }
