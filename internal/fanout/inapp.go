package fanout

import (
	"context"
	"time"

	"fanout/internal/notification"
	logx "fanout/pkg/logx"
)

// InAppDispatcher records one inbox row per recipient with a single sink
// write per batch. Every recipient counts as sent; a failed write is reported
// as a batch error without revising the counts.
type InAppDispatcher struct {
	sink RecordSink
	log  logx.Logger
}

func NewInAppDispatcher(sink RecordSink, log logx.Logger) *InAppDispatcher {
	return &InAppDispatcher{sink: sink, log: log.With(logx.Component("inapp"))}
}

func (d *InAppDispatcher) Channel() notification.Channel { return notification.ChannelInApp }

func (d *InAppDispatcher) DispatchBatch(ctx context.Context, rec notification.Record, recipients []notification.Recipient) ([]notification.DeliveryOutcome, []error) {
	if len(recipients) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	outcomes := make([]notification.DeliveryOutcome, 0, len(recipients))
	for _, r := range recipients {
		outcomes = append(outcomes, notification.DeliveryOutcome{
			NotificationID: rec.ID,
			RecipientID:    r.ID,
			Channel:        notification.ChannelInApp,
			Status:         notification.OutcomeSent,
			At:             now,
		})
	}

	if err := d.sink.AppendDeliveryOutcomes(ctx, outcomes); err != nil {
		d.log.Warn("in-app rows not recorded", logx.String("notification", rec.ID), logx.Int("rows", len(outcomes)), logx.Err(err))
		return outcomes, []error{&notification.SinkWriteError{Op: "append in-app outcomes", Err: err}}
	}
	return outcomes, nil
}
