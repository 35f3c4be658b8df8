package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
)

type mockScheduler struct {
	ScheduleSyncsFunc      func(ctx context.Context, pub jobs.Publisher, trigger jobs.Trigger) (int, error)
	TakeDailySnapshotsFunc func(ctx context.Context, date civil.Date) (int, error)
}

func (m *mockScheduler) ScheduleSyncs(ctx context.Context, pub jobs.Publisher, trigger jobs.Trigger) (int, error) {
	return m.ScheduleSyncsFunc(ctx, pub, trigger)
}

func (m *mockScheduler) TakeDailySnapshots(ctx context.Context, date civil.Date) (int, error) {
	return m.TakeDailySnapshotsFunc(ctx, date)
}

func TestRegisterJobs(t *testing.T) {
	log := logger.NewWithWriter(&strings.Builder{})
	ctx := logger.WithContext(context.Background(), log)

	var gotTrigger jobs.Trigger
	var gotDate civil.Date
	svc := &mockScheduler{
		ScheduleSyncsFunc: func(ctx context.Context, pub jobs.Publisher, trigger jobs.Trigger) (int, error) {
			gotTrigger = trigger
			return 1, errors.New("one connection failed")
		},
		TakeDailySnapshotsFunc: func(ctx context.Context, date civil.Date) (int, error) {
			gotDate = date
			return 2, nil
		},
	}
	now := func() time.Time { return time.Date(2025, 3, 31, 23, 30, 0, 0, time.FixedZone("X", -2*3600)) }

	c := newCron(log)
	if err := registerJobs(ctx, c, svc, nil, "@every 6h", "@daily", now); err != nil {
		t.Fatalf("registerJobs() error = %v", err)
	}
	entries := c.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		e.Job.Run()
	}

	if gotTrigger != jobs.TriggerScheduled {
		t.Errorf("trigger = %q", gotTrigger)
	}
	if want := (civil.Date{Year: 2025, Month: time.April, Day: 1}); gotDate != want {
		t.Errorf("snapshot date = %s, want %s (UTC)", gotDate, want)
	}
}

func TestRegisterJobs_Disabled(t *testing.T) {
	c := newCron(logger.NewWithWriter(&strings.Builder{}))
	if err := registerJobs(context.Background(), c, &mockScheduler{}, nil, "", "", time.Now); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Entries()); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestRegisterJobs_InvalidSpec(t *testing.T) {
	c := newCron(logger.NewWithWriter(&strings.Builder{}))
	err := registerJobs(context.Background(), c, &mockScheduler{}, nil, "every now and then", "", time.Now)
	if err == nil || !strings.Contains(err.Error(), "sync schedule") {
		t.Errorf("err = %v", err)
	}
}
