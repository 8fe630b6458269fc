package common

// Peer is the sending half of a connection to one process (replica or client).
// Every Send is a separate connection: connect, write one line, close.
type Peer interface {
	GetID() int
	Address() ServerAddress
	Send(msg Message) error
}

// MessageHandler consumes decoded inbound messages.
type MessageHandler interface {
	Handle(msg Message)
}

// Transport abstracts away socket handling from nodes and the client.
type Transport interface {
	// Listen binds the listening socket. It returns once the address is bound
	// so that peers may connect immediately afterwards.
	Listen(address ServerAddress) error
	// Serve is a blocking call. It accepts connections on the bound listener and
	// hands every parsed line to handler until Stop is called.
	Serve(handler MessageHandler) error
	ConnectToPeer(address ServerAddress, id int) Peer
	// Stop closes the listener (permanent). In-flight connections are allowed to finish.
	Stop() error
}

// Recorder receives observability ticks. Implementations decide persistence.
type Recorder interface {
	RecordLeader(event LeaderEvent) error
	RecordEstimates(event EstimateEvent) error
	Close() error
}

// Rand is the randomness capability injected into nodes. *rand.Rand satisfies it.
// Implementations are not required to be safe for concurrent use.
type Rand interface {
	Float64() float64
	NormFloat64() float64
	Intn(n int) int
	Perm(n int) []int
}
