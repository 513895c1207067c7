package commandline

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ParseSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "tuples=1_000_000;threads_per_group=128".
//
// All the keys must be already set with default values in values. The default values are also used
// to set the type to which the string values will be parsed to: int, int32, int64, float64, bool,
// string or []int (comma separated).
//
// A setting "file:<path>" reads the settings from a file, one or more per line. Empty lines and lines
// starting with "#" are skipped.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It updates values accordingly and returns the keys set, in order, or an error in case a key
// is unknown or the parsing failed.
func ParseSettings(values map[string]any, settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		keysSet, err = parseSetting(values, setting, keysSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(values map[string]any, setting string, keysSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return keysSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		contents, err := os.ReadFile(replaceTilde(filePath))
		if err != nil {
			return keysSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				if keysSet, err = parseSetting(values, s, keysSet); err != nil {
					return keysSet, err
				}
			}
		}
		return keysSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return keysSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	value, found := values[key]
	if !found {
		return keysSet, errors.Errorf("can't set %q: unknown key, valid keys are %q", key, slices.Sorted(maps.Keys(values)))
	}

	var err error
	switch v := value.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int32:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []int:
		v = nil
		for _, part := range strings.Split(valueStr, ",") {
			var n int
			if err = json.Unmarshal([]byte(strings.ReplaceAll(part, "_", "")), &n); err != nil {
				break
			}
			v = append(v, n)
		}
		value = v
	default:
		return keysSet, errors.Errorf("don't know how to parse setting %q of type %T", key, value)
	}
	if err != nil {
		return keysSet, errors.Wrapf(err, "failed to parse value %q for %q (type %T)", valueStr, key, values[key])
	}
	values[key] = value
	return append(keysSet, key), nil
}

// SprintSettings formats values sorted by key, in the format accepted by ParseSettings.
func SprintSettings(values map[string]any) string {
	parts := make([]string, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		value := values[key]
		if list, ok := value.([]int); ok {
			strs := make([]string, len(list))
			for i, n := range list {
				strs[i] = fmt.Sprint(n)
			}
			value = strings.Join(strs, ",")
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, value))
	}
	return strings.Join(parts, ";")
}

func replaceTilde(path string) string {
	rest, found := strings.CutPrefix(path, "~/")
	if !found {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
