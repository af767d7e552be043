package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected invalid expression to be rejected")
	}
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected valid 5-field expression, got %v", err)
	}
	if err := s.AddJob("@every 1m", func() {}); err != nil {
		t.Errorf("Expected descriptor expression to be accepted, got %v", err)
	}
}

func TestJobRuns(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs int64
	if err := s.AddJob("@every 100ms", func() { atomic.AddInt64(&runs, 1) }); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt64(&runs) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
