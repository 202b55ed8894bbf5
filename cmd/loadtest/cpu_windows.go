package main

import (
	"time"

	"golang.org/x/sys/windows"
)

func processCPUUsage() cpuUsage {
	var creation, exit, kernel, user windows.Filetime
	if err := windows.GetProcessTimes(windows.CurrentProcess(), &creation, &exit, &kernel, &user); err != nil {
		return cpuUsage{}
	}
	return cpuUsage{
		User:   filetimeDuration(user),
		System: filetimeDuration(kernel),
	}
}

// filetimeDuration converts a FILETIME interval (100ns ticks) to a Duration.
func filetimeDuration(ft windows.Filetime) time.Duration {
	return time.Duration(int64(ft.HighDateTime)<<32|int64(ft.LowDateTime)) * 100
}
