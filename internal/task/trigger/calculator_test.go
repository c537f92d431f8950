package trigger

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"autoflow/internal/task"
)

func newTestCalc(seed int64) *Calculator {
	return New(WithRand(rand.New(rand.NewSource(seed))))
}

func TestNextCronScenario(t *testing.T) {
	t.Parallel()
	c := newTestCalc(1)
	ref := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	got, err := c.Next(task.Schedule{Cron: "0 9 * * *"}, ref, time.UTC)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextCronUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+8", 8*3600)
	c := newTestCalc(1)
	// 2024-01-01T00:30Z is 08:30 local: the 09:00 local fire is 30 minutes away.
	ref := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)
	got, err := c.Next(task.Schedule{Cron: "0 9 * * *"}, ref, loc)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := ref.Add(30 * time.Minute); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextCronStrictlyAfterReference(t *testing.T) {
	t.Parallel()
	c := newTestCalc(1)
	rng := rand.New(rand.NewSource(42))
	exprs := []string{"* * * * *", "*/5 * * * *", "0 9 * * *", "30 23 * * 1-5", "0 0 1 * *", "@hourly", "15 10 29 2 *"}
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, expr := range exprs {
		for i := 0; i < 200; i++ {
			ref := base.Add(time.Duration(rng.Int63n(int64(3 * 365 * 24 * time.Hour))))
			if i%10 == 0 {
				// exact boundary instants must also move forward
				ref = ref.Truncate(time.Hour)
			}
			got, err := c.Next(task.Schedule{Cron: expr}, ref, time.UTC)
			if err != nil {
				t.Fatalf("Next(%q, %v) error: %v", expr, ref, err)
			}
			if !got.After(ref) {
				t.Fatalf("Next(%q, %v) = %v, want strictly after", expr, ref, got)
			}
		}
	}
}

func TestNextCronInvalid(t *testing.T) {
	t.Parallel()
	c := newTestCalc(1)
	for _, expr := range []string{"not-a-cron", "0 9 * *", "61 * * * *", "0 0 30 2 *"} {
		_, err := c.Next(task.Schedule{Cron: expr}, time.Now(), time.UTC)
		if err == nil {
			t.Fatalf("Next(%q) expected error", expr)
		}
		if !errors.Is(err, task.ErrSchedule) {
			t.Fatalf("Next(%q) error = %v, want ScheduleError", expr, err)
		}
	}
}

func TestWindowSpan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		start, end string
		want       time.Duration
	}{
		{start: "09:00", end: "09:00", want: 60 * time.Second},
		{start: "23:30", end: "00:30", want: 3600 * time.Second},
		{start: "09:00", end: "10:30", want: 90 * time.Minute},
		{start: "22:00", end: "02:00", want: 4 * time.Hour},
	}
	for _, tt := range tests {
		got, err := WindowSpan(tt.start, tt.end)
		if err != nil {
			t.Fatalf("WindowSpan(%s,%s) error: %v", tt.start, tt.end, err)
		}
		if got != tt.want {
			t.Fatalf("WindowSpan(%s,%s) = %v, want %v", tt.start, tt.end, got, tt.want)
		}
	}
}

func TestNextWindowWithinBounds(t *testing.T) {
	t.Parallel()
	c := newTestCalc(7)
	s := task.Schedule{WindowStart: "23:30", WindowEnd: "00:30"}
	ref := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	open := time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		got, err := c.Next(s, ref, time.UTC)
		if err != nil {
			t.Fatalf("Next error: %v", err)
		}
		if got.Before(open) || !got.Before(open.Add(time.Hour)) {
			t.Fatalf("Next = %v, want within [%v, %v)", got, open, open.Add(time.Hour))
		}
	}
}

func TestNextWindowZeroWidthClamps(t *testing.T) {
	t.Parallel()
	c := newTestCalc(3)
	s := task.Schedule{WindowStart: "09:00", WindowEnd: "09:00"}
	ref := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	open := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		got, err := c.Next(s, ref, time.UTC)
		if err != nil {
			t.Fatalf("Next error: %v", err)
		}
		if got.Before(open) || !got.Before(open.Add(time.Minute)) {
			t.Fatalf("Next = %v, want within the 60s clamp window", got)
		}
	}
}

func TestNextWindowOpenWindowMovesToNextDay(t *testing.T) {
	t.Parallel()
	c := newTestCalc(5)
	s := task.Schedule{WindowStart: "09:00", WindowEnd: "10:00"}
	fired := time.Date(2024, 1, 1, 9, 20, 0, 0, time.UTC)
	got, err := c.Next(s, fired, time.UTC)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	open := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if got.Before(open) || !got.Before(open.Add(time.Hour)) {
		t.Fatalf("Next = %v, want inside next day's window", got)
	}
}

func TestNextWindowReproducibleWithSeed(t *testing.T) {
	t.Parallel()
	s := task.Schedule{WindowStart: "08:00", WindowEnd: "12:00"}
	ref := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestCalc(99).Next(s, ref, time.UTC)
	b, _ := newTestCalc(99).Next(s, ref, time.UTC)
	if !a.Equal(b) {
		t.Fatalf("same seed gave %v and %v", a, b)
	}
}

func TestNextWindowRerollsEachRecompute(t *testing.T) {
	t.Parallel()
	c := newTestCalc(11)
	s := task.Schedule{WindowStart: "08:00", WindowEnd: "12:00"}
	ref := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	offsets := map[time.Duration]bool{}
	for day := 0; day < 20; day++ {
		got, err := c.Next(s, ref, time.UTC)
		if err != nil {
			t.Fatalf("Next error: %v", err)
		}
		open := time.Date(got.Year(), got.Month(), got.Day(), 8, 0, 0, 0, time.UTC)
		offsets[got.Sub(open)] = true
		ref = got
	}
	if len(offsets) < 2 {
		t.Fatalf("offsets never changed across recomputes: %v", offsets)
	}
}

func TestValidateRejectsMixedAndEmpty(t *testing.T) {
	t.Parallel()
	c := newTestCalc(1)
	bad := []task.Schedule{
		{},
		{Cron: "* * * * *", WindowStart: "09:00", WindowEnd: "10:00"},
		{WindowStart: "25:00", WindowEnd: "10:00"},
		{WindowStart: "09:00", WindowEnd: "9"},
	}
	for _, s := range bad {
		if err := c.Validate(s); !errors.Is(err, task.ErrSchedule) {
			t.Fatalf("Validate(%+v) = %v, want ScheduleError", s, err)
		}
	}
}

func TestLoadLocationFallback(t *testing.T) {
	t.Parallel()
	loc, err := LoadLocation("Nowhere/Invalid", time.UTC)
	if err == nil {
		t.Fatalf("expected error for invalid zone")
	}
	if loc != time.UTC {
		t.Fatalf("fallback = %v, want UTC", loc)
	}
	loc, err = LoadLocation("", time.UTC)
	if err != nil || loc != time.UTC {
		t.Fatalf("empty zone = %v, %v; want UTC, nil", loc, err)
	}
}
