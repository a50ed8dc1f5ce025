// Package flowmux multiplexes many local UDP flows over one SSRC-addressed
// RTP tunnel. ClientTable maps each distinct local peer address to a
// synthetic SSRC and back; ServerTable maps each SSRC to the outbound UDP
// endpoint relaying it to its real destination. Both tables are only ever
// touched from the owning loop's dispatcher goroutine, so neither needs a
// mutex.
package flowmux

import "net"

// clientFlow is a single local-peer <-> SSRC mapping, indexed from both
// directions by ClientTable.
type clientFlow struct {
	addr   *net.UDPAddr
	ssrc   uint32
	active bool
}

// ClientTable is the client side's doubly-indexed flow table: local source
// address to SSRC, and SSRC back to local source address.
type ClientTable struct {
	byAddr map[string]*clientFlow
	bySSRC map[uint32]*clientFlow
}

// NewClientTable creates an empty table.
func NewClientTable() *ClientTable {
	return &ClientTable{
		byAddr: make(map[string]*clientFlow),
		bySSRC: make(map[uint32]*clientFlow),
	}
}

// Lookup finds the SSRC assigned to addr, marking the flow active (not
// eligible for eviction on the next sweep).
func (t *ClientTable) Lookup(addr *net.UDPAddr) (ssrc uint32, ok bool) {
	f, ok := t.byAddr[addr.String()]
	if !ok {
		return 0, false
	}
	f.active = true
	return f.ssrc, true
}

// LookupOrCreate returns addr's existing SSRC, or assigns one from genSSRC
// and registers a new flow for it.
func (t *ClientTable) LookupOrCreate(addr *net.UDPAddr, genSSRC func() (uint32, error)) (uint32, error) {
	if ssrc, ok := t.Lookup(addr); ok {
		return ssrc, nil
	}

	ssrc, err := genSSRC()
	if err != nil {
		return 0, err
	}

	f := &clientFlow{addr: addr, ssrc: ssrc, active: true}
	t.byAddr[addr.String()] = f
	t.bySSRC[ssrc] = f
	return ssrc, nil
}

// FindBySSRC finds the local address a tunnel SSRC maps to, marking the flow
// active.
func (t *ClientTable) FindBySSRC(ssrc uint32) (addr *net.UDPAddr, ok bool) {
	f, ok := t.bySSRC[ssrc]
	if !ok {
		return nil, false
	}
	f.active = true
	return f.addr, true
}

// Remove evicts a flow by SSRC, if present.
func (t *ClientTable) Remove(ssrc uint32) {
	f, ok := t.bySSRC[ssrc]
	if !ok {
		return
	}
	delete(t.bySSRC, ssrc)
	delete(t.byAddr, f.addr.String())
}

// Sweep implements the two-generation idle eviction policy: a flow that was
// not touched (active==false already) since the previous sweep is evicted;
// any flow still marked active is demoted to inactive and given one more
// sweep period to prove it's still alive. It returns the SSRCs evicted this
// pass, so the caller can release any resources keyed on them.
func (t *ClientTable) Sweep() []uint32 {
	var evicted []uint32

	for ssrc, f := range t.bySSRC {
		if !f.active {
			evicted = append(evicted, ssrc)
			delete(t.bySSRC, ssrc)
			delete(t.byAddr, f.addr.String())
			continue
		}
		f.active = false
	}

	return evicted
}

// Len returns the number of live flows, for introspection/monitoring.
func (t *ClientTable) Len() int {
	return len(t.bySSRC)
}
