// Package scheduler drives the real-time co-simulation loop. Each step starts
// at t0 + n·period on the wall clock, collects agent setpoints for a bounded
// window, solves the grid and publishes the result. A late step never shifts
// the schedule of the following ones.
package scheduler
