package rpc

import (
	"net"
	"sync"
	"time"

	"github.com/banditelect/leaderelect/common"
	"go.uber.org/multierr"
)

// DialTimeout bounds connection establishment for a single send.
var DialTimeout = 500 * time.Millisecond

var dial = net.DialTimeout

// Peer is the implementation of common.Peer. It holds no connection:
// every Send dials, writes one line and closes. Delivery is best-effort
// and at-most-once; retries are a protocol decision, not a transport one.
type Peer struct {
	id      int
	address common.ServerAddress
}

var _ common.Peer = &Peer{}

func NewPeer(address common.ServerAddress, id int) *Peer {
	return &Peer{
		id:      id,
		address: address,
	}
}

func (peer *Peer) GetID() int {
	return peer.id
}

func (peer *Peer) Address() common.ServerAddress {
	return peer.address
}

func (peer *Peer) Send(msg common.Message) error {
	conn, err := dial("tcp", string(peer.address), DialTimeout)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(DialTimeout)); err != nil {
		return multierr.Combine(err, conn.Close())
	}
	_, writeErr := conn.Write([]byte(common.Encode(msg) + "\n"))
	return multierr.Combine(writeErr, conn.Close())
}

// Broadcast sends msg to every peer concurrently and combines the failures.
func Broadcast(peers []common.Peer, msg common.Message) error {
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		i, peer := i, peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = peer.Send(msg)
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}
