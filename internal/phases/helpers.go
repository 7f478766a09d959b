package phases

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

// decodeAPs recovers the AP inventory from a global phase result. The value
// is typed in the run that produced it, but after a restart it comes back
// from Redis as generic JSON.
func decodeAPs(v any) []ruckus.AP {
	if aps, ok := v.([]ruckus.AP); ok {
		return aps
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var aps []ruckus.AP
	if err := json.Unmarshal(raw, &aps); err != nil {
		return nil
	}
	return aps
}

// parseVLAN accepts the VLAN ID as a string or a number. Empty means no
// VLAN override.
func parseVLAN(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return checkVLAN(t)
	case int64:
		return checkVLAN(int(t))
	case float64:
		return checkVLAN(int(t))
	case string:
		if t == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("invalid vlan %q", t)
		}
		return checkVLAN(n)
	}
	return 0, fmt.Errorf("invalid vlan value %v", v)
}

func checkVLAN(n int) (int, error) {
	if n < 1 || n > 4094 {
		return 0, fmt.Errorf("vlan %d out of range 1-4094", n)
	}
	return n, nil
}

// strField reads a string field from a raw unit config map.
func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// stringList reads a list-of-strings field from a raw unit config map.
func stringList(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// optionSet reports whether a boolean option is truthy.
func optionSet(options map[string]any, key string) bool {
	switch v := options[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}
