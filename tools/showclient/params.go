// Package showclient holds helpers for the showclient command line tool.
package showclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Assignment is one key=value pair given on the command line.
type Assignment struct {
	Key   string
	Value any
}

// ParseAssignments turns key=value arguments into sync values. Values that are
// valid JSON keep their JSON type; anything else is sent as a string.
func ParseAssignments(args []string) ([]Assignment, error) {
	assignments := make([]Assignment, 0, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", arg)
		}
		assignments = append(assignments, Assignment{Key: key, Value: parseValue(raw)})
	}
	return assignments, nil
}

func parseValue(raw string) any {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}
	return raw
}
