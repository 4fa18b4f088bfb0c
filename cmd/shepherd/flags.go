package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type StartFlags struct {
	Daemonize bool
	LogFile   string
	JSON      bool
}

type StopFlags struct {
	Wait time.Duration
}

type StatusFlags struct {
	JSON          bool
	ResetRestarts []string
}

type RestartFlags struct {
	Wait      time.Duration
	Daemonize bool
	LogFile   string
	JSON      bool
}

type WatchdogFlags struct {
	Once bool
	JSON bool
}

type ServeFlags struct {
	Listen string
}

type PoolInitFlags struct {
	Layout string
	JSON   bool
}

type PoolStatusFlags struct {
	JSON bool
}

type PoolAssignFlags struct {
	Task    string
	Profile string
}

type PoolCompleteFlags struct {
	Runner  string
	Success bool
}

type PoolResetFlags struct {
	Runner string
}
