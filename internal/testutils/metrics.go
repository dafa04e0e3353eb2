package testutils

import (
	"time"

	"huddle/internal/core/ports"
)

// NopMetrics satisfies ports.SessionMetrics; embed it to record only the
// calls a test cares about.
type NopMetrics struct{}

var _ ports.SessionMetrics = NopMetrics{}

func (NopMetrics) RecordEvent(string, time.Duration, error) {}
func (NopMetrics) RecordPeerConnected()                     {}
func (NopMetrics) RecordPeerDisconnected()                  {}
func (NopMetrics) RecordRoomCreated()                       {}
func (NopMetrics) RecordRoomClosed()                        {}
func (NopMetrics) RecordEngineError(string)                 {}
func (NopMetrics) RecordRoutersReaped(int)                  {}
func (NopMetrics) SetResourceCounts(ports.ResourceCounts)   {}
