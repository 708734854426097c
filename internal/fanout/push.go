package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fanout/internal/notification"
	logx "fanout/pkg/logx"
)

const (
	// DefaultQueryLimit is used when a gateway reports no ceiling.
	DefaultQueryLimit = 10

	DefaultPushCallTimeout = 10 * time.Second
)

type PushConfig struct {
	// CallTimeout bounds one transport call. A stalled call becomes a failed outcome.
	CallTimeout time.Duration
	// DeactivateTimeout bounds one endpoint deactivation.
	DeactivateTimeout time.Duration
	Defaults          notification.PayloadDefaults
}

func (c PushConfig) withDefaults() PushConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultPushCallTimeout
	}
	if c.DeactivateTimeout <= 0 {
		c.DeactivateTimeout = 5 * time.Second
	}
	return c
}

// PushDispatcher sends a batch over the push channel: one transport call per
// active endpoint, all concurrent, collapsed to one outcome per recipient.
// Recipients without endpoints produce no outcome.
type PushDispatcher struct {
	gw   SubscriptionGateway
	tr   PushTransport
	sink RecordSink
	log  logx.Logger

	mu  sync.RWMutex
	cfg PushConfig

	// deactivations still running in the background.
	bg sync.WaitGroup
}

// NewPushDispatcher builds the push channel. sink may be nil to skip
// persisting push delivery rows.
func NewPushDispatcher(cfg PushConfig, gw SubscriptionGateway, tr PushTransport, sink RecordSink, log logx.Logger) *PushDispatcher {
	return &PushDispatcher{
		gw:   gw,
		tr:   tr,
		sink: sink,
		log:  log.With(logx.Component("push")),
		cfg:  cfg.withDefaults(),
	}
}

func (d *PushDispatcher) Channel() notification.Channel { return notification.ChannelPush }

func (d *PushDispatcher) Apply(cfg PushConfig) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *PushDispatcher) config() PushConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

type pushAttempt struct {
	ep      notification.SubscriptionEndpoint
	ok      bool
	invalid bool
	err     error
}

func (d *PushDispatcher) DispatchBatch(ctx context.Context, rec notification.Record, recipients []notification.Recipient) ([]notification.DeliveryOutcome, []error) {
	if !rec.Request.PushEnabled || len(recipients) == 0 {
		return nil, nil
	}
	cfg := d.config()

	endpoints, errs := d.lookup(ctx, recipients)
	if len(endpoints) == 0 {
		return nil, errs
	}

	payload := notification.BuildPushPayload(rec, cfg.Defaults)
	attempts := make([]pushAttempt, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep notification.SubscriptionEndpoint) {
			defer wg.Done()
			attempts[i] = d.send(ctx, cfg, ep, payload)
		}(i, ep)
	}
	wg.Wait()

	outcomes := collapse(rec.ID, recipients, attempts, time.Now().UTC())
	if d.sink != nil && len(outcomes) > 0 {
		if err := d.sink.AppendDeliveryOutcomes(ctx, outcomes); err != nil {
			d.log.Warn("push outcomes not recorded", logx.String("notification", rec.ID), logx.Int("rows", len(outcomes)), logx.Err(err))
			errs = append(errs, &notification.SinkWriteError{Op: "append push outcomes", Err: err})
		}
	}
	return outcomes, errs
}

// lookup queries the gateway in chunks no larger than its ceiling and keeps
// only active endpoints that belong to the batch.
func (d *PushDispatcher) lookup(ctx context.Context, recipients []notification.Recipient) ([]notification.SubscriptionEndpoint, []error) {
	limit := d.gw.QueryLimit()
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	inBatch := make(map[string]struct{}, len(recipients))
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		inBatch[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}

	type chunkResult struct {
		eps []notification.SubscriptionEndpoint
		err error
	}
	chunks := (len(ids) + limit - 1) / limit
	results := make([]chunkResult, chunks)
	var wg sync.WaitGroup
	for c := 0; c < chunks; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			part := ids[c*limit : min((c+1)*limit, len(ids))]
			eps, err := d.gw.GetActiveEndpoints(ctx, part)
			if err != nil {
				err = fmt.Errorf("lookup endpoints for %d recipients: %w", len(part), err)
			}
			results[c] = chunkResult{eps: eps, err: err}
		}(c)
	}
	wg.Wait()

	var (
		out  []notification.SubscriptionEndpoint
		errs []error
	)
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		for _, ep := range r.eps {
			if !ep.Active {
				continue
			}
			if _, ok := inBatch[ep.RecipientID]; !ok {
				continue
			}
			out = append(out, ep)
		}
	}
	return out, errs
}

func (d *PushDispatcher) send(ctx context.Context, cfg PushConfig, ep notification.SubscriptionEndpoint, p notification.PushPayload) (a pushAttempt) {
	a.ep = ep
	defer func() {
		if r := recover(); r != nil {
			a.ok = false
			a.err = &notification.TransportError{EndpointID: ep.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	ok, invalid, err := d.tr.SendPush(callCtx, ep, p)
	cancel()

	switch {
	case invalid:
		a.invalid = true
		a.err = &notification.TransportError{EndpointID: ep.ID, EndpointInvalid: true, Err: err}
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			d.deactivate(ctx, cfg, ep)
		}()
	case err != nil || !ok:
		a.err = &notification.TransportError{EndpointID: ep.ID, Err: err}
	default:
		a.ok = true
	}
	if a.err != nil {
		d.log.Debug("push failed", logx.String("notification", p.NotificationID), logx.String("recipient", ep.RecipientID), logx.Err(a.err))
	}
	return a
}

// Wait blocks until background endpoint deactivations finish or ctx is done.
func (d *PushDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deactivate runs off the batch path once the outcome is decided; its failure
// is only logged.
func (d *PushDispatcher) deactivate(ctx context.Context, cfg PushConfig, ep notification.SubscriptionEndpoint) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DeactivateTimeout)
	defer cancel()
	if err := d.gw.DeactivateEndpoint(dctx, ep.RecipientID, ep.ID); err != nil {
		d.log.Warn("endpoint deactivation failed", logx.String("recipient", ep.RecipientID), logx.String("endpoint", ep.ID), logx.Err(err))
		return
	}
	d.log.Info("endpoint deactivated", logx.String("recipient", ep.RecipientID), logx.String("endpoint", ep.ID))
}

// collapse turns endpoint attempts into one outcome per recipient, in batch
// order: sent when any endpoint accepted the payload, failed otherwise.
func collapse(notificationID string, recipients []notification.Recipient, attempts []pushAttempt, at time.Time) []notification.DeliveryOutcome {
	byRecipient := make(map[string][]pushAttempt, len(attempts))
	for _, a := range attempts {
		byRecipient[a.ep.RecipientID] = append(byRecipient[a.ep.RecipientID], a)
	}

	out := make([]notification.DeliveryOutcome, 0, len(byRecipient))
	for _, r := range recipients {
		as, ok := byRecipient[r.ID]
		if !ok {
			continue
		}
		delete(byRecipient, r.ID)

		o := notification.DeliveryOutcome{
			NotificationID: notificationID,
			RecipientID:    r.ID,
			Channel:        notification.ChannelPush,
			Status:         notification.OutcomeFailed,
			Endpoints:      len(as),
			At:             at,
		}
		var msgs []string
		for _, a := range as {
			if a.ok {
				o.Status = notification.OutcomeSent
				msgs = nil
				break
			}
			if a.err != nil {
				msgs = append(msgs, a.err.Error())
			}
		}
		if o.Status == notification.OutcomeFailed {
			o.Error = strings.Join(msgs, "; ")
			if o.Error == "" {
				o.Error = "push rejected"
			}
		}
		out = append(out, o)
	}
	return out
}
