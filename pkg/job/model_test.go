package job

import (
	"testing"
	"time"
)

func TestJob_ApplyProgress_DroppedAfterCompletion(t *testing.T) {
	j := NewJob("job1", "container", []string{"Patient"}, DataPeriod{
		Start: time.Unix(0, 0),
		End:   time.Unix(3600, 0),
	}, time.Now())

	if ok := j.ApplyProgress("Patient", "tok1", 10, 5, 1, 1); !ok {
		t.Fatalf("expected first progress write to apply")
	}
	if got := j.ResourceProgresses["Patient"]; got != "tok1" {
		t.Fatalf("ResourceProgresses[Patient] = %q, want tok1", got)
	}

	j.MarkResourceCompleted("Patient")

	if ok := j.ApplyProgress("Patient", "tok2", 10, 10, 1, 2); ok {
		t.Fatalf("expected progress write on completed resource to be dropped")
	}
	if got := j.ResourceProgresses["Patient"]; got != DrainedToken {
		t.Fatalf("completed resource's token mutated: got %q", got)
	}
	if got := j.ProcessedResourceCounts["Patient"]; got != 5 {
		t.Fatalf("completed resource's processed count mutated: got %d", got)
	}
}

func TestJob_Clone_Independent(t *testing.T) {
	j := NewJob("job1", "container", []string{"Patient", "Encounter"}, DataPeriod{
		Start: time.Unix(0, 0),
		End:   time.Unix(3600, 0),
	}, time.Now())
	j.ApplyProgress("Patient", "tok1", 1, 1, 0, 1)

	c := j.Clone()
	c.ApplyProgress("Patient", "tok2", 2, 2, 0, 2)
	c.MarkResourceCompleted("Encounter")

	if j.ResourceProgresses["Patient"] != "tok1" {
		t.Fatalf("original mutated by clone: %q", j.ResourceProgresses["Patient"])
	}
	if j.IsResourceCompleted("Encounter") {
		t.Fatalf("original mutated by clone's MarkResourceCompleted")
	}
}

func TestDataPeriod_Valid(t *testing.T) {
	start := time.Unix(0, 0)
	end := time.Unix(100, 0)

	if !(DataPeriod{Start: start, End: end}).Valid() {
		t.Errorf("expected start < end to be valid")
	}
	if (DataPeriod{Start: end, End: start}).Valid() {
		t.Errorf("expected start > end to be invalid")
	}
	if (DataPeriod{Start: start, End: start}).Valid() {
		t.Errorf("expected start == end to be invalid")
	}
}
