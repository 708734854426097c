package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fanout/internal/eventbus"
	"fanout/internal/notification"
	"fanout/internal/task/engine"
	logx "fanout/pkg/logx"
)

type finalCall struct {
	ID     string
	Stats  notification.DeliveryStats
	Errors []string
}

type fakeSink struct {
	mu        sync.Mutex
	seq       int
	createErr error
	appendErr error
	records   map[string]notification.Record
	outcomes  []notification.DeliveryOutcome
	appends   int
	finals    []finalCall
	finalCh   chan finalCall
}

func newFakeSink() *fakeSink {
	return &fakeSink{records: map[string]notification.Record{}, finalCh: make(chan finalCall, 16)}
}

func (s *fakeSink) CreateNotificationRecord(ctx context.Context, req notification.Request) (notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return notification.Record{}, s.createErr
	}
	s.seq++
	rec := notification.Record{ID: fmt.Sprintf("n%d", s.seq), Request: req, Status: notification.StatusProcessing, CreatedAt: time.Now()}
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *fakeSink) FinalizeNotificationRecord(ctx context.Context, id string, stats notification.DeliveryStats, errs []string) error {
	s.mu.Lock()
	rec := s.records[id]
	if !rec.Status.CanAdvance(notification.StatusCompleted) {
		s.mu.Unlock()
		return notification.ErrStatusRegression
	}
	rec.Status = notification.StatusCompleted
	rec.Stats = stats
	rec.Errors = errs
	s.records[id] = rec
	call := finalCall{ID: id, Stats: stats, Errors: errs}
	s.finals = append(s.finals, call)
	s.mu.Unlock()
	s.finalCh <- call
	return nil
}

func (s *fakeSink) AppendDeliveryOutcomes(ctx context.Context, outcomes []notification.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.appendErr != nil {
		return s.appendErr
	}
	s.outcomes = append(s.outcomes, outcomes...)
	return nil
}

func (s *fakeSink) waitFinal(t *testing.T) finalCall {
	t.Helper()
	select {
	case c := <-s.finalCh:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("record was not finalized")
		return finalCall{}
	}
}

func (s *fakeSink) finalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finals)
}

type fakeResolver struct {
	recipients []notification.Recipient
	err        error
}

func (r *fakeResolver) ResolveRecipients(ctx context.Context, selectors []notification.RecipientSelector) ([]notification.Recipient, error) {
	return r.recipients, r.err
}

type fakeGateway struct {
	mu          sync.Mutex
	limit       int
	endpoints   map[string][]notification.SubscriptionEndpoint
	queries     [][]string
	deactivated []string
	lookupErr   error
	deactErr    error
	// deactHold, when set, stalls DeactivateEndpoint until closed.
	deactHold chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{limit: 10, endpoints: map[string][]notification.SubscriptionEndpoint{}}
}

func (g *fakeGateway) add(recipientID string, n int) {
	for i := 0; i < n; i++ {
		g.endpoints[recipientID] = append(g.endpoints[recipientID], notification.SubscriptionEndpoint{
			ID:          fmt.Sprintf("%s-ep%d", recipientID, i),
			RecipientID: recipientID,
			Address:     "https://push.example/" + recipientID,
			Active:      true,
		})
	}
}

func (g *fakeGateway) QueryLimit() int { return g.limit }

func (g *fakeGateway) GetActiveEndpoints(ctx context.Context, ids []string) ([]notification.SubscriptionEndpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, append([]string(nil), ids...))
	if len(ids) > g.limit {
		return nil, errors.New("query ceiling exceeded")
	}
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	var out []notification.SubscriptionEndpoint
	for _, id := range ids {
		out = append(out, g.endpoints[id]...)
	}
	return out, nil
}

func (g *fakeGateway) DeactivateEndpoint(ctx context.Context, recipientID, endpointID string) error {
	if g.deactHold != nil {
		<-g.deactHold
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deactivated = append(g.deactivated, recipientID+"/"+endpointID)
	return g.deactErr
}

func (g *fakeGateway) deactivatedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.deactivated...)
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queries)
}

type sendResult struct {
	ok, invalid bool
	err         error
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  map[string]int
	result func(ctx context.Context, ep notification.SubscriptionEndpoint) sendResult
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: map[string]int{}}
}

func (tr *fakeTransport) SendPush(ctx context.Context, ep notification.SubscriptionEndpoint, p notification.PushPayload) (bool, bool, error) {
	tr.mu.Lock()
	tr.calls[ep.ID]++
	fn := tr.result
	tr.mu.Unlock()
	if fn == nil {
		return true, false, nil
	}
	r := fn(ctx, ep)
	return r.ok, r.invalid, r.err
}

func (tr *fakeTransport) total() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, c := range tr.calls {
		n += c
	}
	return n
}

type failingRunner struct{ err error }

func (r failingRunner) Submit(ctx context.Context, t engine.Task) error { return r.err }

func recipients(n int) []notification.Recipient {
	out := make([]notification.Recipient, n)
	for i := range out {
		out[i] = notification.Recipient{ID: fmt.Sprintf("u%03d", i), Role: notification.RoleMember}
	}
	return out
}

type harness struct {
	sink      *fakeSink
	resolver  *fakeResolver
	gateway   *fakeGateway
	transport *fakeTransport
	bus       eventbus.Bus
	push      *PushDispatcher
	coord     *Coordinator
}

func newHarness(t *testing.T, rs []notification.Recipient) *harness {
	t.Helper()
	h := &harness{
		sink:      newFakeSink(),
		resolver:  &fakeResolver{recipients: rs},
		gateway:   newFakeGateway(),
		transport: newFakeTransport(),
		bus:       eventbus.New(),
	}
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 8}, logx.Nop(), h.bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	h.push = NewPushDispatcher(PushConfig{CallTimeout: time.Second}, h.gateway, h.transport, h.sink, logx.Nop())
	inapp := NewInAppDispatcher(h.sink, logx.Nop())
	h.coord = New(Config{}, Deps{
		Resolver:    h.resolver,
		Sink:        h.sink,
		Runner:      eng,
		Dispatchers: []ChannelDispatcher{h.push, inapp},
		Bus:         h.bus,
		Log:         logx.Nop(),
	})
	return h
}

func pushRequest() notification.Request {
	return notification.Request{
		Title:       "School closed",
		Body:        "Snow day",
		Priority:    notification.PriorityHigh,
		Selectors:   []notification.RecipientSelector{{Kind: notification.SelectAllParents}},
		PushEnabled: true,
	}
}
