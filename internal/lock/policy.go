package lock

import "github.com/mistakeknot/supportline/internal/core"

// Policy decides which agents may act on conversations they do not hold.
type Policy struct {
	overrideRoles map[string]bool
}

// NewPolicy grants takeover and close-without-holding to the given roles.
func NewPolicy(overrideRoles ...string) Policy {
	p := Policy{overrideRoles: make(map[string]bool, len(overrideRoles))}
	for _, r := range overrideRoles {
		if r != "" {
			p.overrideRoles[r] = true
		}
	}
	return p
}

func (p Policy) CanOverride(agent core.Participant) bool {
	return agent.IsAgent() && p.overrideRoles[agent.AgentRole]
}
