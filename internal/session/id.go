package session

import (
	"strings"

	"github.com/google/uuid"
)

const agentKeyPrefix = "agent:"

// NewSessionKey returns a fresh key of the form agent:<agent>:<uuid>.
func NewSessionKey(agent string) string {
	return agentKeyPrefix + agent + ":" + uuid.NewString()
}

// AgentFromKey extracts the agent id from keys of the form agent:<id>:...
func AgentFromKey(key string) string {
	rest, ok := strings.CutPrefix(strings.TrimSpace(key), agentKeyPrefix)
	if !ok {
		return ""
	}
	agent, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(agent)
}
