package main

import "time"

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
}

// OutputFlags selects the output format of read commands
type OutputFlags struct {
	Output string // json or yaml
}

// ListenerFlags holds flags for stop-listener
type ListenerFlags struct {
	ID string
}

// DocumentFlags holds flags for add, update and remove
type DocumentFlags struct {
	Collection string
	ID         string
	Data       string
}

// WatchFlags holds flags for the watch command
type WatchFlags struct {
	Collection string
	ID         string
	Where      []string
	Order      string
	Limit      int
	Output     string
}
