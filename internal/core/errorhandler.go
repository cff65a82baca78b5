package core

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LoggingErrorHandler reports every error at error level.
type LoggingErrorHandler struct {
	logger log.Logger
}

func NewLoggingErrorHandler(logger log.Logger) *LoggingErrorHandler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LoggingErrorHandler{logger: logger}
}

func (h *LoggingErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	level.Error(h.logger).Log("msg", "background error", "err", err)
}

func (h *LoggingErrorHandler) HandleErrorMessage(msg string) {
	level.Error(h.logger).Log("msg", msg)
}
