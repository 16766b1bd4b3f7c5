package control

import (
	"context"
	"fmt"

	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/types"
)

// Controller is the outward command surface. Every method only emits an
// event; the returned dispatch completes when the fleet's handler is done.
type Controller struct {
	bus *events.Bus
}

// New creates a controller on bus
func New(bus *events.Bus) *Controller {
	return &Controller{bus: bus}
}

// Shutdown stops the targeted workers. Without force they are drained
// first.
func (c *Controller) Shutdown(target types.Target, force bool) *events.Dispatch {
	return c.bus.Emit(events.ShutdownRequest{Target: target, Force: force, Reason: "operator request"})
}

// Delete drains, stops and removes the targeted workers
func (c *Controller) Delete(target types.Target, force bool) *events.Dispatch {
	return c.bus.Emit(events.ShutdownRequest{Target: target, Force: force, Delete: true, Reason: "operator delete"})
}

func (c *Controller) Wake(target types.Target) *events.Dispatch {
	return c.bus.Emit(events.WakeRequest{Target: target})
}

func (c *Controller) Sleep(target types.Target) *events.Dispatch {
	return c.bus.Emit(events.SleepRequest{Target: target})
}

// Message broadcasts text to the clients of the targeted workers
func (c *Controller) Message(target types.Target, text string) *events.Dispatch {
	return c.bus.Emit(events.MessageRequest{Target: target, Text: text})
}

// Raw sends console-style input as raw bytes; see protocol.ParseRaw
func (c *Controller) Raw(target types.Target, input string) (*events.Dispatch, error) {
	data, err := protocol.ParseRaw(input)
	if err != nil {
		return nil, fmt.Errorf("invalid raw command: %w", err)
	}
	return c.bus.Emit(events.RawCommandRequest{Target: target, Data: data}), nil
}

// Status returns a snapshot of every worker
func (c *Controller) Status(ctx context.Context) ([]types.WorkerSnapshot, error) {
	q := &events.StatusQuery{}
	if err := c.bus.Emit(q).Wait(ctx); err != nil {
		return nil, err
	}
	return q.Workers(), nil
}

// StartAll starts every enabled worker under the start concurrency limit
func (c *Controller) StartAll() *events.Dispatch {
	return c.bus.Emit(events.StartRequest{Target: types.AllWorkers()})
}

func (c *Controller) Start(id types.WorkerID) *events.Dispatch {
	return c.bus.Emit(events.StartRequest{Target: types.Worker(id)})
}

func (c *Controller) Enable(id types.WorkerID) *events.Dispatch {
	return c.bus.Emit(events.EnableRequest{ID: id})
}

func (c *Controller) Disable(id types.WorkerID) *events.Dispatch {
	return c.bus.Emit(events.DisableRequest{ID: id})
}

// Remove deletes a worker from the fleet without stopping its process
func (c *Controller) Remove(id types.WorkerID) *events.Dispatch {
	return c.bus.Emit(events.RemoveRequest{ID: id})
}

// ScheduleRestart drains and restarts the targeted workers
func (c *Controller) ScheduleRestart(target types.Target, reason string) *events.Dispatch {
	return c.bus.Emit(events.ScheduleRestartRequest{Target: target, Reason: reason})
}
