package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract evaluates each rule, a JSONPath such as $.items[0].id, against
// a JSON body and returns the values by variable name.
func Extract(body []byte, rules map[string]string) (Variables, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response body is not valid JSON")
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make(Variables, len(rules))
	var errs []error
	for _, name := range names {
		value := gjson.GetBytes(body, gjsonPath(rules[name]))
		if !value.Exists() {
			errs = append(errs, fmt.Errorf("path %q not found for variable %q", rules[name], name))
			continue
		}
		vars[name] = value.Value()
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return vars, nil
}

// gjsonPath turns $.a.b[0].c into a.b.0.c and [*] into .#.
func gjsonPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '[' {
			if end := strings.IndexByte(path[i:], ']'); end != -1 {
				index := path[i+1 : i+end]
				if index == "*" {
					index = "#"
				}
				b.WriteByte('.')
				b.WriteString(index)
				i += end
				continue
			}
		}
		b.WriteByte(path[i])
	}
	return b.String()
}
