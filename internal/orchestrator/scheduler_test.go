package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
)

func TestParseDaily(t *testing.T) {
	tests := []struct {
		input   string
		hour    int
		minute  int
		wantErr bool
	}{
		{input: "06:00", hour: 6, minute: 0},
		{input: "23:59", hour: 23, minute: 59},
		{input: "0:5", hour: 0, minute: 5},
		{input: " 12:30 ", hour: 12, minute: 30},
		{input: "24:00", wantErr: true},
		{input: "12:60", wantErr: true},
		{input: "noon", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			hour, minute, err := parseDaily(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDaily(%q) = %d:%d, want error", tt.input, hour, minute)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDaily(%q): %v", tt.input, err)
			}
			if hour != tt.hour || minute != tt.minute {
				t.Errorf("parseDaily(%q) = %d:%d, want %d:%d", tt.input, hour, minute, tt.hour, tt.minute)
			}
		})
	}
}

func TestNextOccurrence(t *testing.T) {
	sched, err := NewScheduler(&config.ScheduleConfig{Enabled: true, Daily: "06:00"},
		func(context.Context) {}, quietLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	loc := time.Local

	// 当天时刻还没到 → 今天触发
	now := time.Date(2026, 3, 10, 4, 30, 0, 0, loc)
	next := sched.nextOccurrence(now)
	want := time.Date(2026, 3, 10, 6, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// 时刻已过 → 顺延到明天
	now = time.Date(2026, 3, 10, 7, 0, 0, 0, loc)
	next = sched.nextOccurrence(now)
	want = time.Date(2026, 3, 11, 6, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v (across midnight)", next, want)
	}

	// 恰好在触发时刻 → 顺延到明天（不重复触发当次）
	now = time.Date(2026, 3, 10, 6, 0, 0, 0, loc)
	next = sched.nextOccurrence(now)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestSchedulerStart_DisabledReturnsImmediately(t *testing.T) {
	sched, err := NewScheduler(&config.ScheduleConfig{Enabled: false, Daily: "06:00"},
		func(context.Context) { t.Error("run should not be called") }, quietLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sched.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return for disabled scheduler")
	}
}

func TestSchedulerStart_CancelStopsLoop(t *testing.T) {
	sched, err := NewScheduler(&config.ScheduleConfig{Enabled: true, Daily: "06:00"},
		func(context.Context) {}, quietLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not stop on context cancel")
	}
}
