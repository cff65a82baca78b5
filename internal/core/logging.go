package core

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Log levels accepted by NewLogger.
const (
	LogLevelNone  = "none"
	LogLevelError = "error"
	LogLevelWarn  = "warn"
	LogLevelInfo  = "info"
	LogLevelDebug = "debug"
)

// NewLogger builds a logfmt (or JSON) logger writing to w, filtered to the
// given level and decorated with timestamp and caller keys.
func NewLogger(w io.Writer, logLevel string, formatJSON bool) (log.Logger, error) {
	var allow level.Option

	switch strings.ToLower(logLevel) {
	case LogLevelNone:
		allow = level.AllowNone()
	case LogLevelError:
		allow = level.AllowError()
	case LogLevelWarn:
		allow = level.AllowWarn()
	case LogLevelInfo, "":
		allow = level.AllowInfo()
	case LogLevelDebug:
		allow = level.AllowDebug()
	default:
		return nil, fmt.Errorf("unknown log level %q", logLevel)
	}

	var logger log.Logger
	if formatJSON {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	logger = level.NewFilter(logger, allow)

	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
