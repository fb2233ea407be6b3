package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/edge-gateway/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisher publishes gateway events to COMMS subjects.
type CommsPublisher struct {
	nc *comms.Conn
}

// NewCommsPublisher creates a new CommsPublisher.
func NewCommsPublisher(nc *comms.Conn) *CommsPublisher {
	return &CommsPublisher{nc: nc}
}

// PublishLifecycle publishes a ConnectionLifecycleEvent to both the
// phase-scoped and global lifecycle subjects.
func (p *CommsPublisher) PublishLifecycle(_ context.Context, event *ConnectionLifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	phaseSubject := commsutil.BuildLifecycleSubject(event.Phase)
	if err := p.nc.Publish(phaseSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, phaseSubject, err))
		return err
	}
	if err := p.nc.Publish(commsutil.SubjectLifecycle, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, commsutil.SubjectLifecycle, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - published %s for connection %s", commsPublisherLogPrefix, event.Phase, event.ConnectionID))
	return nil
}
