package common

// LeaderEvent is emitted whenever a node or the client changes its leader view.
type LeaderEvent struct {
	Node   int
	Leader int
	Stamp  int64
}

// EstimateEvent is a snapshot of one node's failure estimates.
type EstimateEvent struct {
	Node      int
	Stamp     int64
	Estimates []float64
}

// NopRecorder discards every event.
type NopRecorder struct{}

var _ Recorder = NopRecorder{}

func (NopRecorder) RecordLeader(LeaderEvent) error      { return nil }
func (NopRecorder) RecordEstimates(EstimateEvent) error { return nil }
func (NopRecorder) Close() error                        { return nil }
