package domains

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/protocol"
)

// OfflineThreshold is how long an agent may stay silent before it is
// considered offline. Online is always computed from LastSeenAt, never
// stored.
const OfflineThreshold = 2 * time.Minute

// Agent is the nexus's durable record for one physical agent.
type Agent struct {
	ID             uuid.UUID           `json:"id"`
	Name           string              `json:"name"`
	ProposedName   string              `json:"proposed_name,omitempty"`
	RequestedName  string              `json:"requested_name,omitempty"`
	IPAddress      string              `json:"ip_address"`
	Port           int                 `json:"port"`
	State          protocol.AgentState `json:"state"`
	AuthToken      string              `json:"auth_token,omitempty"`
	PublicToken    string              `json:"public_token,omitempty"`
	ApprovalPushed bool                `json:"approval_pushed"`
	RegisteredAt   time.Time           `json:"registered_at"`
	LastSeenAt     time.Time           `json:"last_seen_at"`
}

// Online reports whether the agent has been seen within the offline
// threshold.
func (a *Agent) Online() bool {
	return a.OnlineAt(time.Now())
}

// OnlineAt is Online against an explicit clock, for deterministic tests.
func (a *Agent) OnlineAt(now time.Time) bool {
	if a.LastSeenAt.IsZero() {
		return false
	}
	return now.Sub(a.LastSeenAt) < OfflineThreshold
}

// BaseURL is the agent's HTTP endpoint used for push fallback delivery.
func (a *Agent) BaseURL() string {
	return "http://" + a.Address()
}

// Address is the agent's host:port registration key.
func (a *Agent) Address() string {
	return net.JoinHostPort(a.IPAddress, strconv.Itoa(a.Port))
}
