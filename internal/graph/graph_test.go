package graph

import (
	"reflect"
	"sort"
	"testing"
)

func TestDetectCycle_NoCycle(t *testing.T) {
	g := New()
	g.Add("a", nil)
	g.Add("b", []string{"a"})

	if cycle := g.DetectCycle("c", []string{"b"}); cycle != nil {
		t.Errorf("expected no cycle, got %v", cycle)
	}
}

func TestDetectCycle_DirectCycle(t *testing.T) {
	g := New()
	g.Add("a", []string{"b"})

	// b would depend on a, while a already depends on b.
	cycle := g.DetectCycle("b", []string{"a"})
	if cycle == nil {
		t.Fatal("expected cycle")
	}
	want := []string{"b", "a", "b"}
	if !reflect.DeepEqual(cycle, want) {
		t.Errorf("cycle path = %v, want %v", cycle, want)
	}
}

func TestDetectCycle_TransitiveCycle(t *testing.T) {
	g := New()
	g.Add("a", []string{"b"})
	g.Add("b", []string{"c"})

	cycle := g.DetectCycle("c", []string{"a"})
	if cycle == nil {
		t.Fatal("expected transitive cycle c -> a -> b -> c")
	}
	if cycle[0] != "c" || cycle[len(cycle)-1] != "c" {
		t.Errorf("cycle should start and end at c, got %v", cycle)
	}
}

func TestDetectCycle_SelfDependency(t *testing.T) {
	g := New()
	if cycle := g.DetectCycle("a", []string{"a"}); cycle == nil {
		t.Fatal("self-dependency should be reported as a cycle")
	}
}

func TestDetectCycle_IgnoresUnrelatedCycle(t *testing.T) {
	// x and y form a pre-existing cycle that does not involve the new task.
	g := New()
	g.Add("x", []string{"y"})
	g.Add("y", []string{"x"})

	if cycle := g.DetectCycle("new", []string{"x"}); cycle != nil {
		t.Errorf("cycle not involving the new task should not block it, got %v", cycle)
	}
}

func TestInDegrees(t *testing.T) {
	g := New()
	g.Add("a", nil)
	g.Add("b", []string{"a"})
	g.Add("c", []string{"a", "b"})
	g.Add("d", []string{"finished-elsewhere"})

	got := g.InDegrees()
	want := map[string]int{"a": 0, "b": 1, "c": 2, "d": 0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("InDegrees() = %v, want %v", got, want)
	}
}

func TestReady(t *testing.T) {
	g := New()
	g.Add("a", nil)
	g.Add("b", []string{"a"})
	g.Add("c", []string{"b"})

	completed := map[string]bool{"a": true}
	ready := g.Ready(func(dep string) bool { return completed[dep] })
	sort.Strings(ready)

	want := []string{"a", "b"}
	if !reflect.DeepEqual(ready, want) {
		t.Errorf("Ready() = %v, want %v", ready, want)
	}
}

func TestDependents(t *testing.T) {
	g := New()
	g.Add("a", nil)
	g.Add("b", []string{"a"})
	g.Add("c", []string{"a"})

	deps := g.Dependents("a")
	sort.Strings(deps)
	if !reflect.DeepEqual(deps, []string{"b", "c"}) {
		t.Errorf("Dependents(a) = %v, want [b c]", deps)
	}
	if got := g.Dependents("c"); got != nil {
		t.Errorf("Dependents(c) = %v, want nil", got)
	}
}

func TestRemoveKeepsIncomingEdges(t *testing.T) {
	g := New()
	g.Add("a", nil)
	g.Add("b", []string{"a"})
	g.Remove("a")

	if g.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", g.Size())
	}
	// b still depends on the now-missing a; readiness must fail safe.
	ready := g.Ready(func(dep string) bool { return false })
	if len(ready) != 0 {
		t.Errorf("task with missing dependency should not be ready, got %v", ready)
	}
}
