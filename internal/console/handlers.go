package console

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/communication"
	"grindstone/internal/messages"
)

func unexpected(msg communication.Message) error {
	return fmt.Errorf("unexpected message %T for kind %d", msg, msg.Kind())
}

// registerReportHandlers routes what agents and workers send.
func registerReportHandlers(d *communication.MessageDispatchRegistry, model *SampleModel, pc *ProcessControl) {
	d.Set(messages.KindRegisterTests, communication.HandlerFunc(func(msg communication.Message) error {
		m, ok := msg.(*messages.RegisterTestsMessage)
		if !ok {
			return unexpected(msg)
		}
		model.RegisterTests(m.Tests)
		return nil
	}))

	d.Set(messages.KindReportStatistics, communication.HandlerFunc(func(msg communication.Message) error {
		m, ok := msg.(*messages.ReportStatisticsMessage)
		if !ok {
			return unexpected(msg)
		}
		if err := model.AddTestReport(m.Statistics); err != nil {
			return fmt.Errorf("report from worker %s: %w", m.WorkerID, err)
		}
		return nil
	}))

	d.Set(messages.KindAgentProcessReport, communication.HandlerFunc(func(msg communication.Message) error {
		m, ok := msg.(*messages.AgentProcessReport)
		if !ok {
			return unexpected(msg)
		}
		pc.HandleAgentReport(m)
		return nil
	}))

	d.Set(messages.KindWorkerProcessReport, communication.HandlerFunc(func(msg communication.Message) error {
		m, ok := msg.(*messages.WorkerProcessReport)
		if !ok {
			return unexpected(msg)
		}
		pc.HandleWorkerReport(m)
		return nil
	}))
}

// registerRequestHandlers answers console clients.
func registerRequestHandlers(d *communication.MessageDispatchRegistry, model *SampleModel, pc *ProcessControl, logger log.Logger) {
	success := func(fn func()) communication.BlockingHandlerFunc {
		return func(communication.Message) (communication.Message, error) {
			fn()
			return &messages.SuccessMessage{}, nil
		}
	}

	d.SetBlocking(messages.KindStartRecording, success(model.Start))
	d.SetBlocking(messages.KindStopRecording, success(model.Stop))
	d.SetBlocking(messages.KindResetRecording, success(model.Reset))
	d.SetBlocking(messages.KindGetNumberOfAgents, communication.BlockingHandlerFunc(
		func(communication.Message) (communication.Message, error) {
			return &messages.ResultMessage{Value: int64(pc.NumberOfLiveAgents())}, nil
		}))

	d.AddFallback(communication.HandlerFunc(func(msg communication.Message) error {
		level.Warn(logger).Log("msg", "no handler for message", "kind", msg.Kind())
		return nil
	}))
}
