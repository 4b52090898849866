package metrics

import (
	"encoding/json"
	"testing"
)

func TestCollector_Connections(t *testing.T) {
	c := New()

	c.ConnectionOpened()
	c.ConnectionOpened()
	if c.ActiveConnections() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total = %d, want 2", c.TotalConnections())
	}

	c.ConnectionClosed()
	if c.ActiveConnections() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalConnections())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesUpstream(1024)
	c.BytesDownstream(512)
	c.BytesUpstream(100)

	if c.TotalUpstream() != 1124 {
		t.Errorf("upstream = %d, want 1124", c.TotalUpstream())
	}
	if c.TotalDownstream() != 512 {
		t.Errorf("downstream = %d, want 512", c.TotalDownstream())
	}
}

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()

	if c.SessionsOpened() != 2 {
		t.Errorf("sessions = %d, want 2", c.SessionsOpened())
	}
}

func TestCollector_RejectsAndForcedCloses(t *testing.T) {
	c := New()

	c.ChannelRejected()
	c.ForcedClose(3)
	c.ForcedClose(0)

	if c.ChannelRejects() != 1 {
		t.Errorf("rejects = %d, want 1", c.ChannelRejects())
	}
	if c.ForcedCloses() != 3 {
		t.Errorf("forced = %d, want 3", c.ForcedCloses())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
}

func TestCollector_KeepAlive(t *testing.T) {
	c := New()
	c.RecordKeepAlive()

	snap := c.Snapshot()
	if snap.LastKeepAlive == "" {
		t.Error("expected non-empty keepalive timestamp")
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesUpstream(100)
	c.BytesDownstream(50)
	c.RecordError("test")

	snap := c.Snapshot()
	if snap.ConnectionsActive != 1 {
		t.Errorf("snap active = %d", snap.ConnectionsActive)
	}
	if snap.BytesUpstream != 100 {
		t.Errorf("snap upstream = %d", snap.BytesUpstream)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "test" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesDownstream(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.ConnectionsActive != 1 {
		t.Errorf("JSON active = %d", snap.ConnectionsActive)
	}
	if snap.BytesDownstream != 42 {
		t.Errorf("JSON downstream = %d", snap.BytesDownstream)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.BytesUpstream(100)
	c.BytesDownstream(100)
	c.SessionOpened()
	c.ChannelRejected()
	c.ForcedClose(2)
	c.RecordError("test")
	c.RecordKeepAlive()

	if c.ActiveConnections() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalUpstream() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.ConnectionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
