// Package events announces merge outcomes to downstream consumers.
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const EventResourceMerged = "resource.merged"

type Publisher interface {
	PublishResourceEvent(ctx context.Context, event *kafka.ResourceEvent) error
}

// Emitter handles event emission for merges
type Emitter struct {
	producer Publisher
	logger   ectologger.Logger
}

func NewEmitter(producer Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// MergedData is the payload of a resource.merged event.
type MergedData struct {
	DeprecatedIDs []int64           `json:"deprecated_ids"`
	MergedFields  map[string]any    `json:"merged_fields,omitempty"`
	Stats         models.MergeStats `json:"stats"`
	Warnings      []string          `json:"warnings,omitempty"`
}

// PublishMerged emits resource.merged for a successful merge.
func (e *Emitter) PublishMerged(ctx context.Context, result models.MergeResult) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.PublishMerged")
	defer span.End()

	data, err := json.Marshal(MergedData{
		DeprecatedIDs: result.DeprecatedIDs,
		MergedFields:  result.MergedFields,
		Stats:         result.Stats,
		Warnings:      result.Warnings,
	})
	if err != nil {
		return err
	}

	event := &kafka.ResourceEvent{
		EventID:      uuid.New().String(),
		EventType:    EventResourceMerged,
		ResourceType: string(result.ResourceType),
		ResourceID:   result.CanonicalID,
		Data:         data,
	}

	if err := e.producer.PublishResourceEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit resource.merged event")
		return err
	}

	return nil
}
