// Package template expands ${...} placeholders in HTTP script steps and
// pulls values out of JSON responses for later steps.
package template

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Variables holds the values known to one run of a script.
type Variables map[string]any

func (v Variables) Get(name string) (any, bool) {
	value, ok := v[name]
	return value, ok
}

func (v Variables) Set(name string, value any) { v[name] = value }

// Merge copies every value of other into v.
func (v Variables) Merge(other Variables) {
	for name, value := range other {
		v[name] = value
	}
}

// Substitute expands ${name}, ${env:NAME} and ${function(args)} in text.
// Every unresolved placeholder is reported in the joined error.
func Substitute(text string, vars Variables) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var errs []error
	result := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		expr := match[2 : len(match)-1]

		if name, ok := strings.CutPrefix(expr, "env:"); ok {
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			errs = append(errs, fmt.Errorf("env var %q not set", name))
			return match
		}

		if value, ok, err := call(expr); ok {
			if err != nil {
				errs = append(errs, err)
				return match
			}
			return value
		}

		if value, ok := vars.Get(expr); ok {
			return fmt.Sprint(value)
		}
		errs = append(errs, fmt.Errorf("variable %q not found", expr))
		return match
	})

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return result, nil
}

// SubstituteMap expands every value of m.
func SubstituteMap(m map[string]string, vars Variables) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}

	result := make(map[string]string, len(m))
	var errs []error
	for k, v := range m {
		expanded, err := Substitute(v, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", k, err))
			continue
		}
		result[k] = expanded
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return result, nil
}
