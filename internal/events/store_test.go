package events

import "testing"

func TestStoreRingBuffer(t *testing.T) {
	s := NewStore(3)

	s.Add(EventDeviceAdded, "AA", "admin", true, "")
	s.Add(EventDeviceOnline, "AA", "", true, "")
	s.Add(EventDeviceAdded, "BB", "admin", true, "")
	s.Add(EventConfigPublished, "AA", "", false, "broker unavailable")

	if s.Count() != 3 {
		t.Fatalf("Expected 3 events, got %d", s.Count())
	}
	if s.LastID() != 4 {
		t.Errorf("Expected last ID 4, got %d", s.LastID())
	}

	all := s.GetAll()
	if all[0].ID != 4 || all[2].ID != 2 {
		t.Errorf("Expected newest first starting at 4, got %d..%d", all[0].ID, all[2].ID)
	}
	if all[0].Success || all[0].Details != "broker unavailable" {
		t.Errorf("Unexpected newest event: %+v", all[0])
	}

	last := s.GetLast(10)
	if len(last) != 3 {
		t.Errorf("Expected GetLast to cap at 3, got %d", len(last))
	}

	since := s.GetSince(3)
	if len(since) != 1 || since[0].Type != EventConfigPublished {
		t.Errorf("Expected one event since 3, got %+v", since)
	}

	forAA := s.ForDevice("AA", 0)
	if len(forAA) != 2 {
		t.Errorf("Expected 2 events for AA, got %d", len(forAA))
	}
	if got := s.ForDevice("AA", 1); len(got) != 1 || got[0].ID != 4 {
		t.Errorf("Expected newest AA event only, got %+v", got)
	}
}
