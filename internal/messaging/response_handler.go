package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

// EventSink consumes delivery receipts and inbound responses. The engine
// implements this to advance enrollments.
type EventSink interface {
	HandleReceipt(ctx context.Context, receipt models.Receipt)
	HandleResponse(ctx context.Context, response models.Response)
}

// Dispatcher fans in receipt and response events from every channel
// service and forwards them to a single sink. Each service gets its own
// pair of drain goroutines so a slow channel cannot starve the others.
type Dispatcher struct {
	sink     EventSink
	services []Service
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given services.
func NewDispatcher(sink EventSink, services ...Service) *Dispatcher {
	return &Dispatcher{sink: sink, services: services}
}

// Start launches the drain goroutines. They exit when the context is
// cancelled or when the service channels close.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, svc := range d.services {
		d.wg.Add(2)
		go d.drainReceipts(ctx, svc)
		go d.drainResponses(ctx, svc)
	}
	slog.Debug("Dispatcher started", "services", len(d.services))
}

// Wait blocks until every drain goroutine has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drainReceipts(ctx context.Context, svc Service) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-svc.Receipts():
			if !ok {
				return
			}
			d.sink.HandleReceipt(ctx, receipt)
		}
	}
}

func (d *Dispatcher) drainResponses(ctx context.Context, svc Service) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case response, ok := <-svc.Responses():
			if !ok {
				return
			}
			d.sink.HandleResponse(ctx, response)
		}
	}
}
