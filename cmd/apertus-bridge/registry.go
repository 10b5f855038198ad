package main

import (
	"errors"
	"log/slog"
	"sync"

	"apertus-bridge/internal/bridge"
	"apertus-bridge/internal/store"
)

// registryQueue bounds the events waiting for a registry write.
const registryQueue = 256

// recordNodes keeps the node registry current from bridge events. Writes run
// on a separate goroutine and events are dropped when the queue is full. The
// returned func unsubscribes and waits for queued writes to finish.
func recordNodes(events *bridge.EventBus, db store.Store, logger *slog.Logger) func() {
	logger = logger.With("component", "registry")
	queue := make(chan bridge.Event, registryQueue)
	done := make(chan struct{})

	enqueue := func(e bridge.Event) {
		select {
		case <-done:
		case queue <- e:
		default:
			logger.Warn("registry queue full, dropping event", "node", e.NodeID, "type", e.Type)
		}
	}
	offTelemetry := events.On(bridge.EventTelemetry, enqueue)
	offCommand := events.On(bridge.EventCommand, enqueue)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case e := <-queue:
				writeNode(db, e, logger)
			case <-done:
				for {
					select {
					case e := <-queue:
						writeNode(db, e, logger)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			offTelemetry()
			offCommand()
			close(done)
			wg.Wait()
		})
	}
}

func writeNode(db store.Store, e bridge.Event, logger *slog.Logger) {
	switch data := e.Data.(type) {
	case bridge.TelemetryData:
		if err := db.RecordTelemetry(e.NodeID, data.Fields, e.Time); err != nil {
			logger.Warn("record telemetry", "node", e.NodeID, "err", err)
		}
	case bridge.CommandData:
		if data.Error != "" {
			return
		}
		if err := db.RecordCommand(e.NodeID, data.Payload, e.Time); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Debug("command for unregistered node", "node", e.NodeID)
				return
			}
			logger.Warn("record command", "node", e.NodeID, "err", err)
		}
	}
}
