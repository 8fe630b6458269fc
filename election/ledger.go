package election

// requestWindow remembers the most recent request ids seen from one peer.
type requestWindow struct {
	seen  map[int]struct{}
	order []int
}

// RequestLedger maps a peer id to the request ids already observed from it.
// Each peer keeps at most window ids; the oldest are evicted first.
// It is not safe for concurrent use; the node's mutex guards it.
type RequestLedger struct {
	window int
	peers  map[int]*requestWindow
}

func NewRequestLedger(window int) *RequestLedger {
	if window <= 0 {
		window = 1024
	}
	return &RequestLedger{
		window: window,
		peers:  make(map[int]*requestWindow),
	}
}

// Add records requestID under peer and reports whether it was new.
func (l *RequestLedger) Add(peer, requestID int) bool {
	w, ok := l.peers[peer]
	if !ok {
		w = &requestWindow{seen: make(map[int]struct{})}
		l.peers[peer] = w
	}
	if _, dup := w.seen[requestID]; dup {
		return false
	}
	w.seen[requestID] = struct{}{}
	w.order = append(w.order, requestID)
	if len(w.order) > l.window {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	return true
}

func (l *RequestLedger) Contains(peer, requestID int) bool {
	w, ok := l.peers[peer]
	if !ok {
		return false
	}
	_, found := w.seen[requestID]
	return found
}

// Len returns the number of ids currently remembered for peer.
func (l *RequestLedger) Len(peer int) int {
	if w, ok := l.peers[peer]; ok {
		return len(w.order)
	}
	return 0
}
