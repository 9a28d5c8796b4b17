package models

import "time"

// ContainerInfo is a summary of one container as reported by the runtime.
type ContainerInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Image   string    `json:"image"`
	State   string    `json:"state"`
	Status  string    `json:"status"`
	Created time.Time `json:"created"`
}

// Running reports whether the runtime considers the container running.
func (c ContainerInfo) Running() bool {
	return c.State == "running"
}

// ContainerAction is a lifecycle operation a client may request.
type ContainerAction string

const (
	ActionStart   ContainerAction = "start"
	ActionStop    ContainerAction = "stop"
	ActionRestart ContainerAction = "restart"
)

// Valid reports whether a is a supported action.
func (a ContainerAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart:
		return true
	}
	return false
}
