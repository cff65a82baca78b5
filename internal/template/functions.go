package template

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

const maxRandomString = 1000

var functions = map[string]func(args string) (string, error){
	"ksuid":         noArgs("ksuid", func() string { return ksuid.New().String() }),
	"timestamp":     noArgs("timestamp", func() string { return strconv.FormatInt(time.Now().Unix(), 10) }),
	"timestamp_ms":  noArgs("timestamp_ms", func() string { return strconv.FormatInt(time.Now().UnixMilli(), 10) }),
	"random":        randomInt,
	"random_string": randomString,
	"date":          date,
}

// call evaluates expr when it is a call of a known function. ok is false
// for anything else.
func call(expr string) (result string, ok bool, err error) {
	open := strings.IndexByte(expr, '(')
	if open == -1 || !strings.HasSuffix(expr, ")") {
		return "", false, nil
	}
	name := expr[:open]
	fn, ok := functions[name]
	if !ok {
		return "", false, nil
	}
	result, err = fn(expr[open+1 : len(expr)-1])
	if err != nil {
		return "", true, fmt.Errorf("%s(): %w", name, err)
	}
	return result, true, nil
}

func noArgs(name string, fn func() string) func(string) (string, error) {
	return func(args string) (string, error) {
		if args != "" {
			return "", fmt.Errorf("%s takes no arguments", name)
		}
		return fn(), nil
	}
}

// randomInt returns an integer in [min, max]. Usage: random(1,100).
func randomInt(args string) (string, error) {
	lo, hi, found := strings.Cut(args, ",")
	if !found {
		return "", fmt.Errorf("want two arguments, got %q", args)
	}
	min, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid min: %w", err)
	}
	max, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid max: %w", err)
	}
	if min > max {
		return "", fmt.Errorf("min %d is greater than max %d", min, max)
	}
	return strconv.FormatInt(min+rand.Int64N(max-min+1), 10), nil
}

// randomString returns that many random alphanumerics. Usage:
// random_string(8).
func randomString(args string) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return "", fmt.Errorf("invalid length: %w", err)
	}
	if n <= 0 || n > maxRandomString {
		return "", fmt.Errorf("length must be between 1 and %d", maxRandomString)
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}
	return string(b), nil
}

// date formats the current time with a Go layout, RFC 3339 by default.
// Usage: date(2006-01-02).
func date(args string) (string, error) {
	layout := strings.TrimSpace(args)
	if layout == "" {
		layout = time.RFC3339
	}
	return time.Now().Format(layout), nil
}
