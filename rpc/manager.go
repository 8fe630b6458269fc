package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/banditelect/leaderelect/common"
	log "github.com/sirupsen/logrus"
)

// maxLineSize bounds a single inbound message line.
const maxLineSize = 64 * 1024

// Manager is the implementation of common.Transport over plain TCP: one
// goroutine per accepted connection, reading newline-terminated messages until EOF.
type Manager struct {
	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	conns    sync.WaitGroup
}

var _ common.Transport = &Manager{}

func NewManager() *Manager {
	return &Manager{}
}

func (manager *Manager) Listen(address common.ServerAddress) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.stopped {
		return errors.New("manager is stopped")
	}
	if manager.listener != nil {
		return fmt.Errorf("already listening on %s", manager.listener.Addr())
	}
	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return err
	}
	manager.listener = listener
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (manager *Manager) Addr() net.Addr {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.listener == nil {
		return nil
	}
	return manager.listener.Addr()
}

func (manager *Manager) Serve(handler common.MessageHandler) error {
	manager.mu.Lock()
	listener := manager.listener
	manager.mu.Unlock()
	if listener == nil {
		return errors.New("serve called before listen")
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			manager.mu.Lock()
			stopped := manager.stopped
			manager.mu.Unlock()
			if stopped {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		manager.conns.Add(1)
		go func() {
			defer manager.conns.Done()
			serveConn(conn, handler)
		}()
	}
}

// serveConn reads the connection to EOF. Unparseable lines are logged and
// skipped; they never terminate the reader.
func serveConn(conn net.Conn, handler common.MessageHandler) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg, err := common.Decode(line)
		if err != nil {
			log.WithField("remote", conn.RemoteAddr()).Warnf("dropping unparseable message %q: %v", line, err)
			continue
		}
		handler.Handle(msg)
	}
	if err := scanner.Err(); err != nil {
		log.WithField("remote", conn.RemoteAddr()).Debugf("connection read error: %v", err)
	}
}

func (manager *Manager) ConnectToPeer(address common.ServerAddress, id int) common.Peer {
	return NewPeer(address, id)
}

// Stop closes the listener. Handlers already running finish on their own.
func (manager *Manager) Stop() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.stopped {
		return nil
	}
	manager.stopped = true
	if manager.listener == nil {
		return nil
	}
	return manager.listener.Close()
}

// Wait blocks until every in-flight connection handler has returned.
func (manager *Manager) Wait() {
	manager.conns.Wait()
}
