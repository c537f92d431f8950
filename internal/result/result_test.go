package result

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	short := strings.Repeat("a", MaxLog)
	if got := Truncate(short, MaxLog); got != short {
		t.Fatalf("Truncate changed a log at the limit")
	}

	long := strings.Repeat("x", 5000) + "THE END"
	got := Truncate(long, MaxLog)
	if n := utf8.RuneCountInString(got); n != MaxLog {
		t.Fatalf("len = %d, want %d", n, MaxLog)
	}
	if !strings.HasPrefix(got, TruncatedMarker) || !strings.HasSuffix(got, "THE END") {
		t.Fatalf("Truncate lost marker or tail: %q...%q", got[:30], got[len(got)-10:])
	}

	// Multi-byte runes are counted, not bytes.
	cjk := strings.Repeat("日志", 3000)
	if n := utf8.RuneCountInString(Truncate(cjk, MaxLog)); n != MaxLog {
		t.Fatalf("rune len = %d, want %d", n, MaxLog)
	}
}

func TestFromExecution(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	tk := task.Task{ID: "t1", Name: "Checkin <daily>", Script: task.ResolveScriptRef("/s/flow.side", "")}
	ex := task.Execution{
		ID: "e1", Source: task.SourceScheduled, StartTime: start, EndTime: start.Add(1500 * time.Millisecond),
		Outcome: task.OutcomeFailed, ExitCode: -1, StepIndex: 3, StepCommand: "click",
		Output: "a < b & c", Err: errors.New("element not found"),
	}
	r := FromExecution(tk, ex)
	if r.DurationMs != 1500 || r.FailureStepIndex == nil || *r.FailureStepIndex != 3 || r.Kind != task.KindBrowserScript {
		t.Fatalf("result = %+v", r)
	}
	if r.Success() {
		t.Fatalf("failed result reported success")
	}

	body := r.Body()
	for _, want := range []string{
		"<b>Task:</b> Checkin &lt;daily&gt;",
		"<b>Failed step:</b> #3 click",
		"<pre>a &lt; b &amp; c</pre>",
		"<b>Time:</b> 2024-03-01 08:00:00",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if !strings.HasPrefix(r.Title(), "❌") {
		t.Fatalf("Title = %q", r.Title())
	}

	ok := FromExecution(tk, task.Execution{Outcome: task.OutcomeSuccess})
	if ok.FailureStepIndex != nil || !ok.Success() || !strings.HasPrefix(ok.Title(), "✅") {
		t.Fatalf("success result = %+v", ok)
	}
}

type recordingNotifier struct {
	titles []string
	fail   error
	panic  bool
}

func (n *recordingNotifier) Notify(title string, success bool, body string) error {
	if n.panic {
		panic("channel exploded")
	}
	n.titles = append(n.titles, title)
	return n.fail
}

func TestDeliverNeverPanics(t *testing.T) {
	t.Parallel()
	r := FromExecution(task.Task{ID: "x"}, task.Execution{Outcome: task.OutcomeSuccess})

	rec := &recordingNotifier{}
	Deliver(rec, r, logx.Nop())
	if len(rec.titles) != 1 {
		t.Fatalf("notifications = %d, want 1", len(rec.titles))
	}

	Deliver(&recordingNotifier{panic: true}, r, logx.Nop())
	Deliver(&recordingNotifier{fail: errors.New("down")}, r, logx.Nop())
	Deliver(nil, r, logx.Nop())
}
