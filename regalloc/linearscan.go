package regalloc

import "sort"

// linearScan implements the classic Poletto-Sarkar algorithm: intervals
// are already sorted by start; walk them, keep a set of active
// assignments, expire intervals that have ended, and spill the
// active interval whose end is latest if no physical register is free.
func linearScan(intervals []interval, numRegs int) Assignment {
	assign := make(Assignment, len(intervals))

	type activeEntry struct {
		iv  interval
		reg int
	}

	var active []activeEntry

	free := make([]bool, numRegs)
	for i := range free {
		free[i] = true
	}

	nextSpillSlot := 0

	expireOldIntervals := func(pos int) {
		kept := active[:0]

		for _, a := range active {
			if a.iv.end < pos {
				free[a.reg] = true

				continue
			}

			kept = append(kept, a)
		}

		active = kept
	}

	allocSpillSlot := func() int {
		off := nextSpillSlot
		nextSpillSlot += 8

		return off
	}

	firstFree := func() (int, bool) {
		for i, f := range free {
			if f {
				return i, true
			}
		}

		return 0, false
	}

	for _, iv := range intervals {
		expireOldIntervals(iv.start)

		r, ok := firstFree()
		if !ok {
			// Spill the active interval with the furthest end, per
			// ; if the new interval itself ends
			// furthest, spill it instead of evicting an active one.
			sort.Slice(active, func(i, j int) bool { return active[i].iv.end > active[j].iv.end })

			if len(active) > 0 && active[0].iv.end > iv.end {
				victim := active[0]
				active = active[1:]

				assign[victim.iv.reg] = stackSlot(allocSpillSlot())
				free[victim.reg] = false // will be reused immediately below

				r = victim.reg
			} else {
				assign[iv.reg] = stackSlot(allocSpillSlot())

				continue
			}
		} else {
			free[r] = false
		}

		assign[iv.reg] = physReg(r)
		active = append(active, activeEntry{iv: iv, reg: r})
	}

	return assign
}
