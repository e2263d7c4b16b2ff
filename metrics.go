// Copyright (C) 2024 The Dirmi Authors.

package dirmi

import "expvar"

// sessionMetricsData records session activity counters, shared globally
// among all Sessions.
type sessionMetricsData struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	callOut       expvar.Int // number of outbound calls initiated
	callOutErr    expvar.Int // number of outbound calls reporting an error
	cancelIn      expvar.Int // number of cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound

	emap *expvar.Map
}

var sessionMetrics = newSessionMetricsData()

func newSessionMetricsData() *sessionMetricsData {
	sm := &sessionMetricsData{emap: new(expvar.Map)}
	sm.emap.Set("packets_received", &sm.packetRecv)
	sm.emap.Set("packets_sent", &sm.packetSent)
	sm.emap.Set("packets_dropped", &sm.packetDropped)
	sm.emap.Set("calls_in", &sm.callIn)
	sm.emap.Set("calls_in_failed", &sm.callInErr)
	sm.emap.Set("calls_active", &sm.callActive)
	sm.emap.Set("calls_out", &sm.callOut)
	sm.emap.Set("calls_out_failed", &sm.callOutErr)
	sm.emap.Set("cancels_in", &sm.cancelIn)
	sm.emap.Set("calls_pending", &sm.callPending)
	return sm
}
