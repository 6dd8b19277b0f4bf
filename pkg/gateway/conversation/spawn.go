package conversation

import (
	"encoding/json"
	"strings"
)

// Spawn is a sub-agent launch inferred from a tool result.
type Spawn struct {
	SessionKey string
	ID         string
	Label      string
	Task       string
}

// ParseSpawn inspects a tool result for a sub-agent spawn. The result must be
// a JSON object whose childSessionKey has "subagent" as its third
// colon-separated segment, e.g. agent:main:subagent:xyz. Anything else,
// including malformed JSON, is not a spawn.
func ParseSpawn(result string) (Spawn, bool) {
	trimmed := strings.TrimSpace(result)
	if !strings.HasPrefix(trimmed, "{") {
		return Spawn{}, false
	}
	var payload struct {
		ChildSessionKey string `json:"childSessionKey"`
		Label           string `json:"label"`
		Task            string `json:"task"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return Spawn{}, false
	}
	key := strings.TrimSpace(payload.ChildSessionKey)
	if !isSubAgentKey(key) {
		return Spawn{}, false
	}
	id := strings.Join(strings.Split(key, ":")[3:], ":")
	if id == "" {
		id = key
	}
	return Spawn{
		SessionKey: key,
		ID:         id,
		Label:      payload.Label,
		Task:       payload.Task,
	}, true
}

func isSubAgentKey(key string) bool {
	parts := strings.Split(key, ":")
	return len(parts) >= 3 && parts[2] == "subagent"
}
