package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/notification"
	logx "fanout/pkg/logx"
)

func pushRecord() notification.Record {
	return notification.Record{ID: "n1", Request: pushRequest(), Status: notification.StatusProcessing}
}

func TestPushChunksGatewayQueries(t *testing.T) {
	gw := newFakeGateway()
	rs := recipients(25)
	for _, r := range rs {
		gw.add(r.ID, 1)
	}
	d := NewPushDispatcher(PushConfig{}, gw, newFakeTransport(), nil, logx.Nop())

	outs, errs := d.DispatchBatch(context.Background(), pushRecord(), rs)
	require.Empty(t, errs)
	assert.Len(t, outs, 25)
	require.Len(t, gw.queries, 3)
	for _, q := range gw.queries {
		assert.LessOrEqual(t, len(q), 10)
	}
}

func TestPushCollapsesEndpointsPerRecipient(t *testing.T) {
	gw := newFakeGateway()
	rs := recipients(3)
	gw.add(rs[0].ID, 3)
	gw.add(rs[1].ID, 2)
	tr := newFakeTransport()
	tr.result = func(ctx context.Context, ep notification.SubscriptionEndpoint) sendResult {
		if ep.ID == "u000-ep1" {
			return sendResult{ok: true}
		}
		return sendResult{err: errors.New("timeout")}
	}
	d := NewPushDispatcher(PushConfig{}, gw, tr, nil, logx.Nop())

	outs, errs := d.DispatchBatch(context.Background(), pushRecord(), rs)
	require.Empty(t, errs)
	require.Len(t, outs, 2, "recipient without endpoints has no push outcome")
	assert.Equal(t, "u000", outs[0].RecipientID)
	assert.Equal(t, notification.OutcomeSent, outs[0].Status)
	assert.Equal(t, 3, outs[0].Endpoints)
	assert.Equal(t, notification.OutcomeFailed, outs[1].Status)
	assert.Contains(t, outs[1].Error, "timeout")
	assert.Equal(t, 5, tr.total())
}

func TestPushSkipsInactiveAndForeignEndpoints(t *testing.T) {
	gw := newFakeGateway()
	rs := recipients(1)
	gw.endpoints[rs[0].ID] = []notification.SubscriptionEndpoint{
		{ID: "off", RecipientID: rs[0].ID, Active: false},
		{ID: "stray", RecipientID: "someone-else", Active: true},
	}
	tr := newFakeTransport()
	d := NewPushDispatcher(PushConfig{}, gw, tr, nil, logx.Nop())

	outs, errs := d.DispatchBatch(context.Background(), pushRecord(), rs)
	assert.Empty(t, errs)
	assert.Empty(t, outs)
	assert.Equal(t, 0, tr.total())
}

func TestPushLookupFailureIsBatchError(t *testing.T) {
	gw := newFakeGateway()
	gw.lookupErr = errors.New("index missing")
	rs := recipients(12)
	d := NewPushDispatcher(PushConfig{}, gw, newFakeTransport(), nil, logx.Nop())

	outs, errs := d.DispatchBatch(context.Background(), pushRecord(), rs)
	assert.Empty(t, outs)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "index missing")
}

func TestPushCallTimeout(t *testing.T) {
	gw := newFakeGateway()
	rs := recipients(1)
	gw.add(rs[0].ID, 1)
	tr := newFakeTransport()
	tr.result = func(ctx context.Context, ep notification.SubscriptionEndpoint) sendResult {
		<-ctx.Done()
		return sendResult{err: ctx.Err()}
	}
	d := NewPushDispatcher(PushConfig{CallTimeout: 20 * time.Millisecond}, gw, tr, nil, logx.Nop())

	start := time.Now()
	outs, _ := d.DispatchBatch(context.Background(), pushRecord(), rs)
	require.Len(t, outs, 1)
	assert.Equal(t, notification.OutcomeFailed, outs[0].Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPushRecordsOutcomesInOneWrite(t *testing.T) {
	gw := newFakeGateway()
	rs := recipients(4)
	for _, r := range rs {
		gw.add(r.ID, 1)
	}
	sink := newFakeSink()
	d := NewPushDispatcher(PushConfig{}, gw, newFakeTransport(), sink, logx.Nop())

	_, errs := d.DispatchBatch(context.Background(), pushRecord(), rs)
	require.Empty(t, errs)
	assert.Equal(t, 1, sink.appends)
	assert.Len(t, sink.outcomes, 4)
}

func TestInAppOneSentPerRecipient(t *testing.T) {
	sink := newFakeSink()
	d := NewInAppDispatcher(sink, logx.Nop())

	outs, errs := d.DispatchBatch(context.Background(), pushRecord(), recipients(7))
	require.Empty(t, errs)
	require.Len(t, outs, 7)
	for _, o := range outs {
		assert.Equal(t, notification.OutcomeSent, o.Status)
		assert.Equal(t, notification.ChannelInApp, o.Channel)
	}
	assert.Equal(t, 1, sink.appends)
}

func TestPushDeactivationDoesNotHoldBatch(t *testing.T) {
	gw := newFakeGateway()
	gw.deactHold = make(chan struct{})
	rs := recipients(2)
	gw.add(rs[0].ID, 1)
	gw.add(rs[1].ID, 1)
	tr := newFakeTransport()
	tr.result = func(ctx context.Context, ep notification.SubscriptionEndpoint) sendResult {
		if ep.RecipientID == rs[0].ID {
			return sendResult{invalid: true}
		}
		return sendResult{ok: true}
	}
	d := NewPushDispatcher(PushConfig{DeactivateTimeout: time.Minute}, gw, tr, nil, logx.Nop())

	done := make(chan []notification.DeliveryOutcome, 1)
	go func() {
		outs, _ := d.DispatchBatch(context.Background(), pushRecord(), rs)
		done <- outs
	}()

	var outs []notification.DeliveryOutcome
	select {
	case outs = <-done:
	case <-time.After(time.Second):
		t.Fatal("batch waited on endpoint deactivation")
	}
	require.Len(t, outs, 2)
	assert.Equal(t, notification.OutcomeFailed, outs[0].Status)
	assert.Equal(t, notification.OutcomeSent, outs[1].Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
	assert.Empty(t, gw.deactivatedIDs())

	close(gw.deactHold)
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, []string{rs[0].ID + "/" + rs[0].ID + "-ep0"}, gw.deactivatedIDs())
}
