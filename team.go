package scratch

import (
	"sync"
)

// Team is passed to a Kernel for every team of a launch
type Team struct {
	index   int
	launch  *Launch
	scratch *TeamScratchHandle
}

// Index returns the team's position in the league, starting at 0
func (t *Team) Index() int {
	return t.index
}

// LeagueSize returns the number of teams in the launch
func (t *Team) LeagueSize() int {
	return t.launch.teamCount
}

// TeamSize returns the number of workers in the team
func (t *Team) TeamSize() int {
	return t.launch.teamSize
}

func (t *Team) Launch() *Launch {
	return t.launch
}

// Scratch returns the team's scratch lease
func (t *Team) Scratch() *TeamScratchHandle {
	return t.scratch
}

// ThreadRange splits [0, n) across the team's workers and calls fn for every index. It returns once
// every worker has finished, which makes each call a team barrier: writes made by one call are
// visible to every worker of the next.
func (t *Team) ThreadRange(n int, fn func(thread, index int)) {
	if n <= 0 {
		return
	}

	workers := min(t.launch.teamSize, n)
	if workers <= 1 {
		for index := 0; index < n; index++ {
			fn(0, index)
		}
		return
	}

	var wg sync.WaitGroup
	per := (n + workers - 1) / workers
	for thread := 0; thread < workers; thread++ {
		first := thread * per
		last := min(first+per, n)
		if first >= last {
			break
		}

		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			for index := first; index < last; index++ {
				fn(thread, index)
			}
		}(thread)
	}
	wg.Wait()
}
