package domain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func stage(id, ref string, reqs ...string) *Stage {
	return &Stage{ID: id, RefID: ref, RequisiteStageRefIDs: reqs}
}

func synthetic(id, parent string, owner SyntheticStageOwner) *Stage {
	return &Stage{ID: id, RefID: id, ParentStageID: parent, SyntheticStageOwner: owner}
}

func ids(stages []*Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.ID
	}
	return out
}

func TestSortStages(t *testing.T) {
	tests := []struct {
		name   string
		stages []*Stage
		want   []string
	}{
		{
			name:   "requisites before dependents",
			stages: []*Stage{stage("c", "3", "2"), stage("a", "1"), stage("b", "2", "1")},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "independent siblings by id",
			stages: []*Stage{stage("b", "2"), stage("a", "1"), stage("c", "3", "1")},
			want:   []string{"a", "b", "c"},
		},
		{
			name: "synthetic children surround their parent",
			stages: []*Stage{
				synthetic("after", "a", StageAfter),
				stage("a", "1"),
				synthetic("before", "a", StageBefore),
				stage("b", "2", "1"),
			},
			want: []string{"before", "a", "after", "b"},
		},
		{
			name:   "nested synthetics",
			stages: []*Stage{synthetic("inner", "before", StageAfter), stage("a", "1"), synthetic("before", "a", StageBefore)},
			want:   []string{"before", "inner", "a"},
		},
		{
			name:   "orphans last",
			stages: []*Stage{synthetic("lost", "gone", StageBefore), stage("a", "1")},
			want:   []string{"a", "lost"},
		},
		{
			name:   "children of orphans follow them",
			stages: []*Stage{synthetic("kid", "lost", StageAfter), stage("a", "1"), synthetic("lost", "gone", StageBefore)},
			want:   []string{"a", "lost", "kid"},
		},
		{
			name:   "parent cycles are kept",
			stages: []*Stage{synthetic("y", "x", StageAfter), stage("a", "1"), synthetic("x", "y", StageAfter)},
			want:   []string{"a", "x", "y"},
		},
		{
			name:   "self parent is kept",
			stages: []*Stage{synthetic("self", "self", StageAfter), stage("a", "1")},
			want:   []string{"a", "self"},
		},
		{
			name:   "cycles fall back to id order",
			stages: []*Stage{stage("b", "2", "1"), stage("a", "1", "2"), stage("c", "3")},
			want:   []string{"c", "a", "b"},
		},
		{
			name:   "unknown requisites ignored",
			stages: []*Stage{stage("b", "2", "99"), stage("a", "1", "2")},
			want:   []string{"b", "a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ids(SortStages(tt.stages))); diff != "" {
				t.Fatalf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDownstream(t *testing.T) {
	stages := []*Stage{
		stage("a", "1"),
		stage("b", "2", "1"),
		stage("c", "3", "2"),
		stage("d", "4"),
		stage("e", "5", "3", "4"),
		synthetic("s", "b", StageBefore),
	}
	got := Downstream(stages, "2")
	want := map[string]bool{"3": true, "5": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("downstream mismatch (-want +got):\n%s", diff)
	}
	if len(Downstream(stages, "5")) != 0 {
		t.Fatalf("leaf stage should have nothing downstream")
	}
}

func TestSyntheticDescendants(t *testing.T) {
	stages := []*Stage{
		stage("a", "1"),
		synthetic("s1", "a", StageBefore),
		synthetic("s2", "s1", StageAfter),
		synthetic("s3", "s2", StageAfter),
		stage("b", "2"),
		synthetic("t1", "b", StageBefore),
	}
	got := SyntheticDescendants(stages, map[string]bool{"a": true})
	want := map[string]bool{"s1": true, "s2": true, "s3": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("descendants mismatch (-want +got):\n%s", diff)
	}
}

func TestStageValidate(t *testing.T) {
	if err := (&Stage{}).Validate(); err == nil {
		t.Fatalf("expected missing id to fail")
	}
	if err := (&Stage{ID: "x", ParentStageID: "p"}).Validate(); err == nil {
		t.Fatalf("expected parent without owner to fail")
	}
	if err := (&Stage{ID: "x", SyntheticStageOwner: StageAfter}).Validate(); err == nil {
		t.Fatalf("expected owner without parent to fail")
	}
	if err := synthetic("x", "x", StageAfter).Validate(); err == nil {
		t.Fatalf("expected self parent to fail")
	}
	if err := synthetic("x", "p", StageBefore).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAllStagesSettled(t *testing.T) {
	e := &Execution{Stages: []*Stage{{ID: "a", Status: StatusSucceeded}, {ID: "b", Status: StatusNotStarted}}}
	if !e.AllStagesSettled() {
		t.Fatalf("expected settled")
	}
	e.Stages = append(e.Stages, &Stage{ID: "c", Status: StatusRunning})
	if e.AllStagesSettled() {
		t.Fatalf("running stage is in flight")
	}
}

func TestParseExecutionType(t *testing.T) {
	for in, want := range map[string]ExecutionType{"pipeline": Pipeline, " ORCHESTRATION ": Orchestration} {
		got, err := ParseExecutionType(in)
		if err != nil || got != want {
			t.Fatalf("ParseExecutionType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseExecutionType("job"); err == nil {
		t.Fatalf("expected error")
	}
}
