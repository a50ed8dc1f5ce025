package flowmux

import (
	"net"
	"testing"
)

func genSSRCSeq(t *testing.T) func() (uint32, error) {
	t.Helper()
	next := uint32(1)
	return func() (uint32, error) {
		ssrc := next
		next++
		return ssrc, nil
	}
}

func TestClientTableLookupOrCreateAssignsOnce(t *testing.T) {
	tbl := NewClientTable()
	gen := genSSRCSeq(t)
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}

	ssrc1, err := tbl.LookupOrCreate(addr, gen)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	ssrc2, err := tbl.LookupOrCreate(addr, gen)
	if err != nil {
		t.Fatalf("LookupOrCreate (repeat): %v", err)
	}

	if ssrc1 != ssrc2 {
		t.Fatalf("repeat LookupOrCreate for same addr assigned a new ssrc: %d != %d", ssrc1, ssrc2)
	}
}

func TestClientTableFindBySSRCReverse(t *testing.T) {
	tbl := NewClientTable()
	gen := genSSRCSeq(t)
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5555}

	ssrc, err := tbl.LookupOrCreate(addr, gen)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	got, ok := tbl.FindBySSRC(ssrc)
	if !ok {
		t.Fatal("FindBySSRC: not found")
	}
	if got.String() != addr.String() {
		t.Fatalf("FindBySSRC = %v, want %v", got, addr)
	}
}

func TestClientTableSweepTwoGenerationEviction(t *testing.T) {
	tbl := NewClientTable()
	gen := genSSRCSeq(t)
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 1}

	ssrc, err := tbl.LookupOrCreate(addr, gen)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	// First sweep after creation: flow was active, demoted to inactive, not evicted.
	if evicted := tbl.Sweep(); len(evicted) != 0 {
		t.Fatalf("first sweep evicted %v, want none", evicted)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len after first sweep = %d, want 1", tbl.Len())
	}

	// Second sweep with no intervening traffic: now evicted.
	evicted := tbl.Sweep()
	if len(evicted) != 1 || evicted[0] != ssrc {
		t.Fatalf("second sweep evicted %v, want [%d]", evicted, ssrc)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len after second sweep = %d, want 0", tbl.Len())
	}
}

func TestClientTableSweepRefreshSurvives(t *testing.T) {
	tbl := NewClientTable()
	gen := genSSRCSeq(t)
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.4"), Port: 2}

	if _, err := tbl.LookupOrCreate(addr, gen); err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	tbl.Sweep() // demote to inactive

	// Traffic arrives again before the next sweep.
	if _, ok := tbl.Lookup(addr); !ok {
		t.Fatal("Lookup: flow should still be present")
	}

	if evicted := tbl.Sweep(); len(evicted) != 0 {
		t.Fatalf("sweep after refresh evicted %v, want none", evicted)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len after refreshed sweep = %d, want 1", tbl.Len())
	}
}
