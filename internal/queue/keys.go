// Copyright 2025 James Ross
package queue

import "fmt"

const keyPrefix = "orchestrator:queue"

// Keys centralizes the Redis key layout for a single named queue.
type Keys struct {
	Name string
}

func NewKeys(name string) Keys { return Keys{Name: name} }

func (k Keys) Waiting() string    { return fmt.Sprintf("%s:%s:waiting", keyPrefix, k.Name) }
func (k Keys) Delayed() string    { return fmt.Sprintf("%s:%s:delayed", keyPrefix, k.Name) }
func (k Keys) Active() string     { return fmt.Sprintf("%s:%s:active", keyPrefix, k.Name) }
func (k Keys) Completed() string  { return fmt.Sprintf("%s:%s:completed", keyPrefix, k.Name) }
func (k Keys) Failed() string     { return fmt.Sprintf("%s:%s:failed", keyPrefix, k.Name) }
func (k Keys) Dead() string       { return fmt.Sprintf("%s:%s:dead", keyPrefix, k.Name) }
func (k Keys) Job(id string) string { return fmt.Sprintf("%s:%s:job:%s", keyPrefix, k.Name, id) }
func (k Keys) Seq() string        { return fmt.Sprintf("%s:%s:seq", keyPrefix, k.Name) }
func (k Keys) Paused() string     { return fmt.Sprintf("%s:%s:paused", keyPrefix, k.Name) }
