package main

import "sync/atomic"

// PoolMetrics is the in-process operational counter set surfaced by the
// heartbeat log.
type PoolMetrics struct {
	sharesAccepted atomic.Uint64
	sharesRejected atomic.Uint64
	blocksFound    atomic.Uint64
	blocksAccepted atomic.Uint64
	blocksRejected atomic.Uint64
	rpcErrors      atomic.Uint64
	connOpened     atomic.Uint64
	connClosed     atomic.Uint64
}

type PoolMetricsSnapshot struct {
	SharesAccepted uint64
	SharesRejected uint64
	BlocksFound    uint64
	BlocksAccepted uint64
	BlocksRejected uint64
	RPCErrors      uint64
	Connections    uint64
}

func (m *PoolMetrics) RecordShareAccepted()   { m.sharesAccepted.Add(1) }
func (m *PoolMetrics) RecordShareRejected()   { m.sharesRejected.Add(1) }
func (m *PoolMetrics) RecordBlockFound()      { m.blocksFound.Add(1) }
func (m *PoolMetrics) RecordBlockAccepted()   { m.blocksAccepted.Add(1) }
func (m *PoolMetrics) RecordBlockRejected()   { m.blocksRejected.Add(1) }
func (m *PoolMetrics) RecordRPCError()        { m.rpcErrors.Add(1) }
func (m *PoolMetrics) RecordConnectionOpened() { m.connOpened.Add(1) }
func (m *PoolMetrics) RecordConnectionClosed() { m.connClosed.Add(1) }

func (m *PoolMetrics) Snapshot() PoolMetricsSnapshot {
	open := m.connOpened.Load()
	closed := m.connClosed.Load()
	var live uint64
	if open > closed {
		live = open - closed
	}
	return PoolMetricsSnapshot{
		SharesAccepted: m.sharesAccepted.Load(),
		SharesRejected: m.sharesRejected.Load(),
		BlocksFound:    m.blocksFound.Load(),
		BlocksAccepted: m.blocksAccepted.Load(),
		BlocksRejected: m.blocksRejected.Load(),
		RPCErrors:      m.rpcErrors.Load(),
		Connections:    live,
	}
}
