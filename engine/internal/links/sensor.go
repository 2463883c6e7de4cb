package links

import (
	"context"
	"time"
)

// SensorOpKind enumerates the command kinds the core issues to the sensor
// firmware link (spec.md §6).
type SensorOpKind string

const (
	SensorOpSync   SensorOpKind = "sync"
	SensorOpInit   SensorOpKind = "init"
	SensorOpConfig SensorOpKind = "config"
	SensorOpStart  SensorOpKind = "start"
	SensorOpStop   SensorOpKind = "stop"
	SensorOpStatus SensorOpKind = "status"
	SensorOpReset  SensorOpKind = "reset"
)

// SensorCommand is one request sent over either serial port; RequestID is
// monotonically increasing per link instance so a reply can be correlated
// regardless of which port it arrives on.
type SensorCommand struct {
	RequestID int64
	Op        SensorOpKind
	HeaterProfile map[string]float64 // only meaningful for SensorOpConfig
}

// SensorReply correlates to a SensorCommand by RequestID.
type SensorReply struct {
	RequestID int64
	Ok        bool
	Err       error
}

// SensorReading is one unsolicited `data` event from the array.
type SensorReading struct {
	Timestamp   time.Time
	Index       int
	PrimaryValue float64
	HeaterStep  int
	Environmental map[string]float64
}

// SensorEventKind distinguishes the three unsolicited notification types.
type SensorEventKind string

const (
	SensorEventData  SensorEventKind = "data"
	SensorEventReady SensorEventKind = "ready"
	SensorEventError SensorEventKind = "error"
)

// SensorEvent wraps one unsolicited message; Reading is populated only for
// SensorEventData.
type SensorEvent struct {
	Kind    SensorEventKind
	Reading SensorReading
	Err     error
}

// SensorLink is the core's view of the newline-delimited JSON sensor
// transport, listening on two ports concurrently with live failover
// (spec.md §6).
type SensorLink interface {
	Send(ctx context.Context, cmd SensorCommand) SensorReply
	// Subscribe returns a channel of unsolicited events; the channel is
	// closed when ctx is done or the link is closed.
	Subscribe(ctx context.Context) <-chan SensorEvent
	Configure(policy MotionLinkPolicy)
	Stats() MotionLinkStats
}
