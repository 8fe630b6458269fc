package common

import "time"

// ServerAddress represents a network address of a process (hostname:port)
type ServerAddress string

type Server struct {
	ID         int
	NetAddress ServerAddress
}

// Algorithm names a candidate selection policy.
type Algorithm string

const (
	EpsilonGreedy Algorithm = "epsilon-greedy"
	UCB           Algorithm = "ucb"
	UCBPenalize   Algorithm = "ucb-penalize"
	Deterministic Algorithm = "deterministic"
	Randomized    Algorithm = "randomized"
)

// Valid reports whether a is one of the known policies.
func (a Algorithm) Valid() bool {
	switch a {
	case EpsilonGreedy, UCB, UCBPenalize, Deterministic, Randomized:
		return true
	}
	return false
}

// ClusterConfig specifies configuration information related to a
// simulated cluster: membership, bandit hyperparameters and the
// timeouts that drive failure detection and client retries.
type ClusterConfig struct {
	Cluster       []Server
	ClientAddress ServerAddress

	Algorithm Algorithm
	Epsilon   float64
	Decay     float64
	// Alpha is the penalty added to a candidate that stays unresponsive (ucb-penalize).
	Alpha float64
	// Tradeoff is the exploration constant c of the UCB score.
	Tradeoff float64

	EstimateMean float64
	EstimateStd  float64

	PingInterval      time.Duration
	PingTimeout       time.Duration
	BroadcastInterval time.Duration
	ElectionTimeout   time.Duration

	// SlateSize is the number of candidates a node proposes per election round.
	SlateSize int
	// LedgerWindow bounds the request ids remembered per peer.
	LedgerWindow  int
	InitialLeader int

	ClientGrace time.Duration
	NumRequests int
	// MaxRetries caps the retries of one request id before the client gives up (0 = unbounded).
	MaxRetries int
}

// Size returns the number of replicas in the cluster.
func (c ClusterConfig) Size() int {
	return len(c.Cluster)
}

// DefaultSlateSize is (N-1)/3, never below one.
func DefaultSlateSize(n int) int {
	if s := (n - 1) / 3; s > 0 {
		return s
	}
	return 1
}
