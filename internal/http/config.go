package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"grindstone/internal/statistics"
)

// WorkflowConfig is a named sequence of requests run once per script run.
type WorkflowConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
	// Pace is the minimum time between the start of two runs, shared by
	// every thread of a worker. Zero runs flat out.
	Pace    time.Duration `yaml:"pace,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// StepConfig is one request. Each step is recorded as its own test.
type StepConfig struct {
	Name    string            `yaml:"name"`
	Test    int               `yaml:"test,omitempty"`
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Extract map[string]string `yaml:"extract,omitempty"` // variable -> JSONPath
}

// Normalize fills in defaults: GET as the method and the step's position
// as its test number.
func (c *WorkflowConfig) Normalize() {
	for i := range c.Steps {
		s := &c.Steps[i]
		if s.Method == "" {
			s.Method = http.MethodGet
		}
		s.Method = strings.ToUpper(s.Method)
		if s.Test == 0 {
			s.Test = i + 1
		}
	}
}

func (c WorkflowConfig) Validate() error {
	if len(c.Steps) == 0 {
		return errors.New("workflow has no steps")
	}
	if c.Pace < 0 || c.Timeout < 0 {
		return errors.New("workflow pace and timeout must not be negative")
	}
	seen := make(map[int]string)
	var errs []error
	for i, s := range c.Steps {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): url is required", i+1, s.Name))
		}
		if s.Test < 0 {
			errs = append(errs, fmt.Errorf("step %d (%s): negative test number", i+1, s.Name))
		}
		if other, dup := seen[s.Test]; dup && s.Test != 0 {
			errs = append(errs, fmt.Errorf("step %d (%s): test %d already used by %s", i+1, s.Name, s.Test, other))
		}
		seen[s.Test] = s.Name
	}
	return errors.Join(errs...)
}

func (s StepConfig) test() statistics.Test {
	description := s.Name
	if description == "" {
		description = s.Method + " " + s.URL
	}
	return statistics.Test{Number: s.Test, Description: description}
}
