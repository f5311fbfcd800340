package busaudit

import (
	"testing"
	"time"
)

func TestRecordAndRecentBySubject(t *testing.T) {
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Record(Decision{Subject: "weather", Kind: "P2P", Service: "weather", DurationMS: 12, At: base}); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if err := s.Record(Decision{Subject: "weather", Kind: "P2P", Service: "weather", DurationMS: 8, At: base.Add(time.Second)}); err != nil {
		t.Fatalf("record 2: %v", err)
	}
	if err := s.Record(Decision{Subject: "other", Kind: "P2P", DurationMS: 1, At: base}); err != nil {
		t.Fatalf("record 3: %v", err)
	}

	got, err := s.RecentBySubject("weather", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(got))
	}
	if got[0].DurationMS != 8 {
		t.Fatalf("expected most recent first, got %+v", got[0])
	}
}

func TestRecordDefaultsIDAndTimestamp(t *testing.T) {
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	if err := s.Record(Decision{Subject: "s", Kind: "P2P"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.RecentBySubject("s", 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].ID == "" {
		t.Fatalf("expected a generated ID, got %+v", got)
	}
}
