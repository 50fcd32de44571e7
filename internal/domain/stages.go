package domain

import "sort"

// SortStages orders stages for presentation: top-level stages topologically by
// requisiteStageRefIds, each surrounded by its synthetic STAGE_BEFORE and
// STAGE_AFTER children. Ties break on id, which is time-ordered. Stages whose
// parent is missing, and stages caught in a parent cycle, follow in id order
// so that every input stage appears exactly once.
func SortStages(stages []*Stage) []*Stage {
	if len(stages) < 2 {
		return stages
	}
	byID := make(map[string]*Stage, len(stages))
	for _, s := range stages {
		byID[s.ID] = s
	}
	children := map[string][]*Stage{}
	var top []*Stage
	var orphans []*Stage
	for _, s := range stages {
		switch {
		case s.ParentStageID == "":
			top = append(top, s)
		case byID[s.ParentStageID] != nil:
			children[s.ParentStageID] = append(children[s.ParentStageID], s)
		default:
			orphans = append(orphans, s)
		}
	}

	out := make([]*Stage, 0, len(stages))
	emitted := make(map[string]bool, len(stages))
	var emit func(s *Stage)
	emit = func(s *Stage) {
		if emitted[s.ID] {
			return
		}
		emitted[s.ID] = true
		kids := topological(children[s.ID])
		for _, k := range kids {
			if k.SyntheticStageOwner == StageBefore {
				emit(k)
			}
		}
		out = append(out, s)
		for _, k := range kids {
			if k.SyntheticStageOwner != StageBefore {
				emit(k)
			}
		}
	}
	for _, s := range topological(top) {
		emit(s)
	}
	sortByID(orphans)
	for _, s := range orphans {
		emit(s)
	}
	if len(out) < len(stages) {
		rest := make([]*Stage, 0, len(stages)-len(out))
		for _, s := range stages {
			if !emitted[s.ID] {
				rest = append(rest, s)
			}
		}
		sortByID(rest)
		for _, s := range rest {
			emit(s)
		}
	}
	return out
}

// topological sorts siblings using Kahn's algorithm over ref ids. Edges to
// refs outside the sibling set are ignored; anything left in a cycle is
// appended in id order.
func topological(stages []*Stage) []*Stage {
	if len(stages) < 2 {
		return stages
	}
	sorted := append([]*Stage(nil), stages...)
	sortByID(sorted)

	refs := map[string]bool{}
	for _, s := range sorted {
		refs[s.RefID] = true
	}
	indegree := map[string]int{}
	dependents := map[string][]*Stage{}
	for _, s := range sorted {
		for _, req := range s.RequisiteStageRefIDs {
			if req == s.RefID || !refs[req] {
				continue
			}
			indegree[s.ID]++
			dependents[req] = append(dependents[req], s)
		}
	}

	var ready, out []*Stage
	for _, s := range sorted {
		if indegree[s.ID] == 0 {
			ready = append(ready, s)
		}
	}
	done := map[string]bool{}
	for len(ready) > 0 {
		s := ready[0]
		ready = ready[1:]
		if done[s.ID] {
			continue
		}
		done[s.ID] = true
		out = append(out, s)
		for _, d := range dependents[s.RefID] {
			indegree[d.ID]--
			if indegree[d.ID] == 0 {
				ready = append(ready, d)
			}
		}
		sortByID(ready)
	}
	for _, s := range sorted {
		if !done[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func sortByID(stages []*Stage) {
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].ID < stages[j].ID })
}

// Downstream returns the ref ids of every top-level stage that depends,
// directly or transitively, on refID.
func Downstream(stages []*Stage, refID string) map[string]bool {
	seen := map[string]bool{}
	queue := []string{refID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, s := range stages {
			if s.ParentStageID != "" || seen[s.RefID] {
				continue
			}
			for _, req := range s.RequisiteStageRefIDs {
				if req == cur {
					seen[s.RefID] = true
					queue = append(queue, s.RefID)
					break
				}
			}
		}
	}
	return seen
}

// SyntheticDescendants returns the ids of every stage whose parent chain
// leads to one of the given stage ids.
func SyntheticDescendants(stages []*Stage, parents map[string]bool) map[string]bool {
	out := map[string]bool{}
	changed := true
	for changed {
		changed = false
		for _, s := range stages {
			if s.ParentStageID == "" || out[s.ID] {
				continue
			}
			if parents[s.ParentStageID] || out[s.ParentStageID] {
				out[s.ID] = true
				changed = true
			}
		}
	}
	return out
}
