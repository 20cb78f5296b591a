package schedule

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/config"
)

func TestNewScheduleCron(t *testing.T) {
	sched, err := NewSchedule(config.JobConfig{ID: "j", Cron: "0 9 * * *"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.Kind != "cron" {
		t.Fatalf("kind wrong: %s", sched.Kind)
	}

	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(now)
	if err != nil || !ok {
		t.Fatalf("next: %v ok=%v", err, ok)
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNewScheduleCronDescriptor(t *testing.T) {
	sched, err := NewSchedule(config.JobConfig{ID: "j", Cron: "@hourly"})
	if err != nil {
		t.Fatalf("descriptor rejected: %v", err)
	}
	if sched.Kind != "cron" {
		t.Fatalf("kind wrong: %s", sched.Kind)
	}
}

func TestNewScheduleInvalidCron(t *testing.T) {
	_, err := NewSchedule(config.JobConfig{ID: "j", Cron: "not a cron"})
	if err == nil || !strings.Contains(err.Error(), "invalid cron") {
		t.Fatalf("expected invalid cron error, got %v", err)
	}
}

func TestNewScheduleEvery(t *testing.T) {
	sched, err := NewSchedule(config.JobConfig{ID: "j", Every: 5 * time.Minute})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(now)
	if err != nil || !ok {
		t.Fatalf("next: %v ok=%v", err, ok)
	}
	if !next.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("next = %v", next)
	}
}

func TestNewScheduleAt(t *testing.T) {
	sched, err := NewSchedule(config.JobConfig{ID: "j", At: "2026-09-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.Kind != "at" {
		t.Fatalf("kind wrong: %s", sched.Kind)
	}

	before := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(before)
	if err != nil || !ok {
		t.Fatalf("next before: %v ok=%v", err, ok)
	}
	if !next.Equal(sched.At) {
		t.Fatalf("next = %v", next)
	}

	// A one-shot in the past never runs again.
	after := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)
	if _, ok, _ := sched.Next(after); ok {
		t.Fatal("past one-shot should have no next run")
	}
}

func TestNewScheduleAtPlainLayout(t *testing.T) {
	sched, err := NewSchedule(config.JobConfig{ID: "j", At: "2026-09-01 10:00"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.At.Hour() != 10 {
		t.Fatalf("parsed time wrong: %v", sched.At)
	}
}

func TestNewScheduleEmpty(t *testing.T) {
	if _, err := NewSchedule(config.JobConfig{ID: "j"}); err == nil {
		t.Fatal("empty schedule accepted")
	}
}
