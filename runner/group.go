package runner

// group is an ordered set of runners pinned to the same worker and co-billed
// for elapsed wall time. Index 0 ("front") is the primary runner a group was
// created for; the last element ("back") is the current top of stack used
// by sub-runner pumping (see Runner.AddSubTaskRunner).
//
// A group's slice is only ever mutated while the owning worker holds
// runningMu.
type group struct {
	runners []*Runner
}

func newGroup(r *Runner) *group {
	return &group{runners: []*Runner{r}}
}

func (g *group) front() *Runner {
	return g.runners[0]
}

func (g *group) back() *Runner {
	return g.runners[len(g.runners)-1]
}

// push appends r to the back of the group, making it the new top of stack.
func (g *group) push(r *Runner) {
	g.runners = append(g.runners, r)
}

// remove deletes r from the group, wherever it sits. It reports whether r
// was found.
func (g *group) remove(r *Runner) bool {
	for i, candidate := range g.runners {
		if candidate == r {
			g.runners = append(g.runners[:i], g.runners[i+1:]...)
			return true
		}
	}
	return false
}

// containsID reports whether a runner with the given id is in the group.
func (g *group) containsID(id uint64) bool {
	for _, r := range g.runners {
		if r.ID() == id {
			return true
		}
	}
	return false
}

// hasUnschedulable reports whether any runner in the group is pinned
// (is_schedulable == false); such groups must never migrate.
func (g *group) hasUnschedulable() bool {
	for _, r := range g.runners {
		if !r.IsSchedulable() {
			return true
		}
	}
	return false
}

// orderingWeight is the comparator key used to sort a worker's running
// groups: priority * accumulated-time of the group's front runner, smaller
// sorting first (higher priority).
func (g *group) orderingWeight() int64 {
	f := g.front()
	return int64(f.Priority()) * int64(f.Time())
}
