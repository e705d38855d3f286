package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *fakePruner) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

type sumCounter struct{ total float64 }

func (c *sumCounter) Add(v float64) { c.total += v }

func TestRetentionJob(t *testing.T) {
	p := &fakePruner{n: 3}
	c := &sumCounter{}
	job := RetentionJob(p, 48*time.Hour, c, testLogger())

	before := time.Now()
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	want := before.Add(-48 * time.Hour)
	if d := p.cutoff.Sub(want); d < 0 || d > time.Second {
		t.Errorf("cutoff %v not ~48h ago (%v)", p.cutoff, want)
	}
	if c.total != 3 {
		t.Errorf("counter = %v, want 3", c.total)
	}

	p.err = errors.New("db down")
	if err := job(context.Background()); err == nil {
		t.Error("expected prune error to surface")
	}
}

func TestAddRetention(t *testing.T) {
	s := New(testLogger())
	p := &fakePruner{}

	added, err := s.AddRetention(p, 0, "", nil)
	if err != nil || added {
		t.Fatalf("zero retention should be disabled: %v %v", added, err)
	}
	if len(s.List()) != 0 {
		t.Fatal("disabled retention registered a job")
	}

	added, err = s.AddRetention(p, 24*time.Hour, "", nil)
	if err != nil || !added {
		t.Fatalf("AddRetention: %v %v", added, err)
	}
	jobs := s.List()
	if len(jobs) != 1 || jobs[0].Name != RetentionJobName || jobs[0].Schedule != DefaultRetentionSchedule {
		t.Errorf("unexpected jobs %+v", jobs)
	}
	if err := s.RunNow(RetentionJobName); err != nil {
		t.Errorf("RunNow: %v", err)
	}
}
