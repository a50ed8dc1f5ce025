package flowmux

import "github.com/shadowmesh/rtptun/internal/udpsock"

// serverFlow binds one tunnel SSRC to the dedicated outbound UDP endpoint
// relaying it to its real destination.
type serverFlow struct {
	ssrc     uint32
	endpoint *udpsock.Endpoint
	active   bool
}

// ServerTable is the server side's single-indexed flow table: SSRC to
// outbound endpoint. Each flow owns a dedicated endpoint rather than sharing
// one, so a reply datagram's source endpoint directly identifies its SSRC
// via Endpoint.UserData without a second index.
type ServerTable struct {
	bySSRC map[uint32]*serverFlow
}

// NewServerTable creates an empty table.
func NewServerTable() *ServerTable {
	return &ServerTable{bySSRC: make(map[uint32]*serverFlow)}
}

// Find returns ssrc's outbound endpoint, marking the flow active.
func (t *ServerTable) Find(ssrc uint32) (*udpsock.Endpoint, bool) {
	f, ok := t.bySSRC[ssrc]
	if !ok {
		return nil, false
	}
	f.active = true
	return f.endpoint, true
}

// Touch marks ssrc's flow active without returning its endpoint, for the
// reverse path where the caller already has the endpoint in hand (e.g. via
// Endpoint.UserData) and only needs to refresh the idle timer.
func (t *ServerTable) Touch(ssrc uint32) {
	if f, ok := t.bySSRC[ssrc]; ok {
		f.active = true
	}
}

// Set registers ep as ssrc's outbound endpoint. ep.UserData is set to ssrc
// so a reply received on ep can be attributed back to its flow without a
// reverse lookup.
func (t *ServerTable) Set(ssrc uint32, ep *udpsock.Endpoint) {
	ep.UserData = ssrc
	t.bySSRC[ssrc] = &serverFlow{ssrc: ssrc, endpoint: ep, active: true}
}

// Remove evicts ssrc's flow, if present, and returns its endpoint so the
// caller can destroy it.
func (t *ServerTable) Remove(ssrc uint32) (*udpsock.Endpoint, bool) {
	f, ok := t.bySSRC[ssrc]
	if !ok {
		return nil, false
	}
	delete(t.bySSRC, ssrc)
	return f.endpoint, true
}

// Sweep applies the same two-generation idle eviction policy as
// ClientTable.Sweep, returning the endpoints of evicted flows so the caller
// can destroy them.
func (t *ServerTable) Sweep() []*udpsock.Endpoint {
	var evicted []*udpsock.Endpoint

	for ssrc, f := range t.bySSRC {
		if !f.active {
			evicted = append(evicted, f.endpoint)
			delete(t.bySSRC, ssrc)
			continue
		}
		f.active = false
	}

	return evicted
}

// Len returns the number of live flows, for introspection/monitoring.
func (t *ServerTable) Len() int {
	return len(t.bySSRC)
}

// Evacuate removes every flow regardless of its active state and returns
// their endpoints, for use during shutdown.
func (t *ServerTable) Evacuate() []*udpsock.Endpoint {
	endpoints := make([]*udpsock.Endpoint, 0, len(t.bySSRC))
	for _, f := range t.bySSRC {
		endpoints = append(endpoints, f.endpoint)
	}
	t.bySSRC = make(map[uint32]*serverFlow)
	return endpoints
}
