package main

import "time"

// cpuUsage is the CPU time consumed by this process so far.
type cpuUsage struct {
	User   time.Duration
	System time.Duration
}

func (u cpuUsage) Total() time.Duration {
	return u.User + u.System
}

func (u cpuUsage) Sub(before cpuUsage) cpuUsage {
	return cpuUsage{User: u.User - before.User, System: u.System - before.System}
}
