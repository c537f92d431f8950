package task

import (
	"errors"
	"fmt"
	"testing"
)

func TestResolveScriptRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		location string
		kind     string
		want     Kind
	}{
		{location: "/home/headless/Downloads/login.side", want: KindBrowserScript},
		{location: "/opt/jobs/sign.py", want: KindInterpretedScript},
		{location: "backup.SH", want: KindInterpretedScript},
		{location: "nodeloc_sign", want: KindGuiMacro},
		{location: "nodeloc_sign.txt", want: KindGuiMacro},
		{location: "sign.py", kind: "macro", want: KindGuiMacro},
		{location: "sign.py", kind: "bogus", want: KindInterpretedScript},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.location+"/"+tt.kind, func(t *testing.T) {
			t.Parallel()
			got := ResolveScriptRef(tt.location, tt.kind)
			if got.Kind != tt.want {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.want)
			}
			if got.Location != tt.location {
				t.Fatalf("Location = %q, want %q", got.Location, tt.location)
			}
		})
	}
}

func TestScheduleIsWindow(t *testing.T) {
	t.Parallel()
	if (Schedule{Cron: "0 9 * * *"}).IsWindow() {
		t.Fatalf("cron schedule reported as window")
	}
	if !(Schedule{WindowStart: "09:00", WindowEnd: "10:00"}).IsWindow() {
		t.Fatalf("window schedule not reported as window")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	se := &ScheduleError{TaskID: "t1", Spec: "bad", Err: errors.New("parse")}
	wrapped := fmt.Errorf("arm: %w", se)
	if !errors.Is(wrapped, ErrSchedule) {
		t.Fatalf("ScheduleError should match ErrSchedule")
	}
	var got *ScheduleError
	if !errors.As(wrapped, &got) || got.TaskID != "t1" {
		t.Fatalf("errors.As ScheduleError failed: %v", got)
	}

	step := &StepError{Index: 3, Command: "click", Err: errors.New("no such element")}
	if !errors.Is(step, ErrExecution) {
		t.Fatalf("StepError should match ErrExecution")
	}
	if !errors.Is(Launch(errors.New("exec: not found")), ErrLaunch) {
		t.Fatalf("Launch error should match ErrLaunch")
	}
	if Launch(nil) != nil {
		t.Fatalf("Launch(nil) should be nil")
	}
}
