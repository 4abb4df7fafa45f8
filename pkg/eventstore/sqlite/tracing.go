package sqlite

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trustplane/trustplane/pkg/eventstore"
)

var tracer = otel.Tracer("github.com/trustplane/trustplane/pkg/eventstore/sqlite")

// Push appends the intents' commands in one transaction.
//
// Per intent the current aggregate version must equal ExpectedVersion,
// otherwise the whole push aborts with a concurrency conflict. Constraint
// additions insert into the side table; a duplicate primary key surfaces as
// an AlreadyExists error carrying the constraint name.
func (s *Store) Push(ctx context.Context, instanceID, creator string, intents ...*eventstore.Intent) ([]*eventstore.Event, error) {
	ctx, span := tracer.Start(ctx, "eventstore.Push", trace.WithAttributes(
		attribute.String("instance_id", instanceID),
		attribute.Int("intent_count", len(intents)),
	))
	events, err := s.push(ctx, instanceID, creator, intents...)
	endSpan(span, err)
	return events, err
}

// Filter returns events matching the query in per-instance position order.
func (s *Store) Filter(ctx context.Context, query *eventstore.SearchQuery) ([]*eventstore.Event, error) {
	instanceID := ""
	if query != nil {
		instanceID = query.InstanceID
	}
	ctx, span := tracer.Start(ctx, "eventstore.Filter", trace.WithAttributes(
		attribute.String("instance_id", instanceID),
	))
	events, err := s.filter(ctx, query)
	endSpan(span, err)
	return events, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
