package metrics

import (
	"strings"
	"testing"
)

func TestRegistryTextExportIncludesHelpAndType(t *testing.T) {
	r := NewRegistry("controller")
	r.SetWorkers(4, 1, 3, 0)
	r.SetQueue(10, 100, 2)
	r.SetBackpressureActive(true)
	r.IncTaskStarted("worker-0")
	r.ObserveTaskDuration("worker-0", 42)

	text, err := r.TextExport()
	if err != nil {
		t.Fatalf("TextExport: %v", err)
	}
	if !strings.Contains(text, "# HELP controller_workers_total") {
		t.Fatalf("expected HELP line for workers_total, got:\n%s", text)
	}
	if !strings.Contains(text, "# TYPE controller_queue_depth gauge") {
		t.Fatalf("expected TYPE line for queue_depth, got:\n%s", text)
	}
	if !strings.Contains(text, "controller_task_duration_ms_bucket") {
		t.Fatalf("expected histogram bucket rows, got:\n%s", text)
	}
}

func TestRegistryJSONSnapshot(t *testing.T) {
	r := NewRegistry("controller")
	r.SetWorkers(2, 1, 1, 0)
	r.SetQueue(5, 50, 0)
	r.IncTaskCompleted("worker-0")

	snap, err := r.JSONSnapshot()
	if err != nil {
		t.Fatalf("JSONSnapshot: %v", err)
	}
	if snap.WorkersTotal != 2 || snap.WorkersActive != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.TasksCompleted["worker-0"] != 1 {
		t.Fatalf("expected worker-0 completed count 1, got %+v", snap.TasksCompleted)
	}
}
