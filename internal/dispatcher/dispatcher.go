// Package dispatcher routes bus messages by action and maps handler outcomes
// to acknowledgement decisions.
package dispatcher

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/services/bus"
)

const (
	ActionTranslate = "translate"
	ActionStatus    = "status"

	// StatusAck acknowledges a fully-handled message.
	StatusAck = http.StatusOK
	// StatusAckWithError acknowledges a message whose processing failed in a
	// way that redelivery cannot fix.
	StatusAckWithError = http.StatusAccepted
	// StatusNotOK asks the bus to redeliver.
	StatusNotOK = http.StatusInternalServerError
)

type translatePipeline interface {
	Run(ctx context.Context, importID string) error
}

type statusController interface {
	Apply(ctx context.Context, attrs map[string]string) error
}

type Dispatcher struct {
	logger logger.Logger
	stats  stats.Stats

	pipeline translatePipeline
	status   statusController
}

func New(log logger.Logger, stat stats.Stats, pipeline translatePipeline, status statusController) *Dispatcher {
	return &Dispatcher{
		logger:   log.Child("dispatcher"),
		stats:    stat,
		pipeline: pipeline,
		status:   status,
	}
}

// Dispatch handles one bus message and returns the acknowledgement status.
// Attribute keys are normalized from camelCase to snake_case exactly once
// here; handlers only ever see snake_case.
func (d *Dispatcher) Dispatch(ctx context.Context, attrs bus.Attributes) int {
	normalized := make(map[string]string, len(attrs))
	for k, v := range attrs {
		normalized[strcase.ToSnake(k)] = v
	}

	action := normalized[bus.AttrAction]
	var err error
	switch action {
	case ActionTranslate:
		err = d.pipeline.Run(ctx, normalized["import_id"])
	case ActionStatus:
		err = d.status.Apply(ctx, normalized)
	default:
		d.logger.Errorf("message with unknown action %q dropped", action)
		return StatusAckWithError
	}

	status := d.resolve(action, err)
	d.stats.NewTaggedStat("dispatcher_messages", stats.CountType, stats.Tags{
		"action": action,
		"status": http.StatusText(status),
	}).Increment()
	return status
}

func (d *Dispatcher) resolve(action string, err error) int {
	if err == nil {
		return StatusAck
	}

	if e, ok := imperr.As(err); ok {
		if e.Ack() == imperr.Nack {
			d.logger.Errorf("%s handler failed, requesting redelivery: %v", action, err)
			return StatusNotOK
		}
		d.logger.Warnf("%s handler failed permanently (error id %s): %v", action, e.ErrorID, err)
		return StatusAckWithError
	}

	// Unknown errors never retry: redelivering a programmer error loops
	// forever. Log with a correlation id and drop the message.
	errorID := uuid.NewString()
	d.logger.Errorf("%s handler failed with untyped error (error id %s): %v", action, errorID, err)
	return StatusAckWithError
}
