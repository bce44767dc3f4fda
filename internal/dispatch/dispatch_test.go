package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TradeBridge/internal/audit"
	"github.com/BTreeMap/TradeBridge/internal/metrics"
	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/store"
)

type fakeHost struct {
	mu         sync.Mutex
	commands   []string
	broadcasts []string
	failOn     string
}

func (h *fakeHost) Execute(ctx context.Context, command string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOn != "" && command == h.failOn {
		return errors.New("unknown command")
	}
	h.commands = append(h.commands, command)
	return nil
}

func (h *fakeHost) Broadcast(ctx context.Context, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, message)
	return nil
}

func (h *fakeHost) snapshot() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...), append([]string(nil), h.broadcasts...)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAudit) Record(e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	donations []store.Donation
	err       error
}

func (s *fakeSink) LogDonation(ctx context.Context, d store.Donation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.donations = append(s.donations, d)
	return nil
}

func (s *fakeSink) RecentDonations(ctx context.Context, limit int) ([]store.Donation, error) {
	return nil, nil
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	go d.Run(context.Background())
}

func TestDeliverUsesTemplateAndBroadcasts(t *testing.T) {
	host := &fakeHost{}
	log := &fakeAudit{}
	sink := &fakeSink{}
	m := metrics.New()
	d := New(host, host,
		WithRewardTemplate("lp user %player% parent add %item%"),
		WithBroadcastTemplate("%buyer% bought %item% (#%item_id%)"),
		WithAuditLog(log), WithAuditSink(sink), WithMetrics(m))
	runDispatcher(t, d)

	item := models.PendingItem{ID: "42", Name: "VIP"}
	require.NoError(t, d.Submit(context.Background(), NewDelivery("Steve", "steve", item)))
	require.NoError(t, d.Close(context.Background()))

	cmds, casts := host.snapshot()
	require.Equal(t, []string{"lp user Steve parent add VIP"}, cmds)
	require.Equal(t, []string{"steve bought VIP (#42)"}, casts)
	require.Len(t, log.entries, 1)
	require.Equal(t, audit.ResultDelivered, log.entries[0].Result)
	require.Len(t, sink.donations, 1)
	require.Equal(t, "steve", sink.donations[0].Buyer)
	require.Equal(t, log.entries[0].DeliveryID, sink.donations[0].ID)
	require.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(deliveriesOK), "tradebridge_deliveries_total"))
}

const deliveriesOK = `
# HELP tradebridge_deliveries_total Reward deliveries attempted, by result.
# TYPE tradebridge_deliveries_total counter
tradebridge_deliveries_total{result="ok"} 1
`

const deliveriesFailed = `
# HELP tradebridge_deliveries_total Reward deliveries attempted, by result.
# TYPE tradebridge_deliveries_total counter
tradebridge_deliveries_total{result="failed"} 1
`

func TestItemCommandsOverrideTemplate(t *testing.T) {
	host := &fakeHost{}
	d := New(host, host, WithRewardTemplate("unused %player%"), WithBroadcastTemplate(""))
	runDispatcher(t, d)

	item := models.PendingItem{ID: "7", Name: "Kit", Commands: []string{"/kit %player% starter", "  ", "eco give %player% 100"}}
	require.NoError(t, d.Submit(context.Background(), NewDelivery("Alex", "alex", item)))
	require.NoError(t, d.Close(context.Background()))

	cmds, casts := host.snapshot()
	require.Equal(t, []string{"kit Alex starter", "eco give Alex 100"}, cmds)
	require.Empty(t, casts, "empty broadcast template disables broadcasts")
}

func TestFailedDeliveryIsNotRetried(t *testing.T) {
	host := &fakeHost{failOn: "broken Steve"}
	log := &fakeAudit{}
	sink := &fakeSink{}
	m := metrics.New()
	d := New(host, host, WithRewardTemplate("broken %player%"), WithAuditLog(log), WithAuditSink(sink), WithMetrics(m))
	runDispatcher(t, d)

	require.NoError(t, d.Submit(context.Background(), NewDelivery("Steve", "steve", models.PendingItem{ID: "1", Name: "X"})))
	require.NoError(t, d.Close(context.Background()))

	cmds, casts := host.snapshot()
	require.Empty(t, cmds)
	require.Empty(t, casts, "no broadcast for a failed delivery")
	require.Empty(t, sink.donations)
	require.Len(t, log.entries, 1)
	require.Equal(t, audit.ResultFailed, log.entries[0].Result)
	require.Error(t, log.entries[0].Error)
	require.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(deliveriesFailed), "tradebridge_deliveries_total"))
}

// scriptedHost returns errs[i] for the i-th Execute call.
type scriptedHost struct {
	fakeHost
	calls int
	errs  []error
}

func (h *scriptedHost) Execute(ctx context.Context, command string) error {
	h.mu.Lock()
	i := h.calls
	h.calls++
	h.mu.Unlock()
	if i < len(h.errs) && h.errs[i] != nil {
		return h.errs[i]
	}
	return h.fakeHost.Execute(ctx, command)
}

type fakeRequeuer struct {
	mu    sync.Mutex
	items []Delivery
}

func (r *fakeRequeuer) Requeue(_ context.Context, del Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, del)
}

func (r *fakeRequeuer) all() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.items...)
}

var errOffline = fmt.Errorf("no session: %w", ErrExecutorUnavailable)

const deliveriesRequeued = `
# HELP tradebridge_deliveries_total Reward deliveries attempted, by result.
# TYPE tradebridge_deliveries_total counter
tradebridge_deliveries_total{result="requeued"} 1
`

func TestUnavailableExecutorHandsDeliveryBack(t *testing.T) {
	host := &scriptedHost{errs: []error{errOffline}}
	log := &fakeAudit{}
	sink := &fakeSink{}
	req := &fakeRequeuer{}
	m := metrics.New()
	d := New(host, host, WithAuditLog(log), WithAuditSink(sink), WithMetrics(m))
	d.SetRequeuer(req)
	runDispatcher(t, d)

	del := NewDelivery("Steve", "steve", models.PendingItem{ID: "42", Name: "VIP", Source: models.SourceCallback})
	require.NoError(t, d.Submit(context.Background(), del))
	require.NoError(t, d.Close(context.Background()))

	got := req.all()
	require.Len(t, got, 1)
	require.Equal(t, "steve", got[0].Buyer)
	require.Equal(t, "42", got[0].ItemID)
	require.Equal(t, models.SourceCallback, got[0].Source)

	cmds, casts := host.snapshot()
	require.Empty(t, cmds)
	require.Empty(t, casts)
	require.Empty(t, log.entries, "nothing was delivered or failed")
	require.Empty(t, sink.donations)
	require.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(deliveriesRequeued), "tradebridge_deliveries_total"))
}

func TestUnavailableAfterFirstCommandIsNotHandedBack(t *testing.T) {
	host := &scriptedHost{errs: []error{nil, errOffline}}
	log := &fakeAudit{}
	req := &fakeRequeuer{}
	d := New(host, host, WithAuditLog(log))
	d.SetRequeuer(req)
	runDispatcher(t, d)

	item := models.PendingItem{ID: "7", Name: "Kit", Commands: []string{"kit %player%", "eco give %player% 100"}}
	require.NoError(t, d.Submit(context.Background(), NewDelivery("Alex", "alex", item)))
	require.NoError(t, d.Close(context.Background()))

	require.Empty(t, req.all(), "a partially run delivery must not be granted again")
	cmds, _ := host.snapshot()
	require.Equal(t, []string{"kit Alex"}, cmds)
	require.Len(t, log.entries, 1)
	require.Equal(t, audit.ResultFailed, log.entries[0].Result)
}

func TestUnavailableWithoutRequeuerFails(t *testing.T) {
	host := &scriptedHost{errs: []error{errOffline}}
	log := &fakeAudit{}
	d := New(host, host, WithAuditLog(log))
	runDispatcher(t, d)

	require.NoError(t, d.Submit(context.Background(), NewDelivery("Steve", "steve", models.PendingItem{ID: "1", Name: "X"})))
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, log.entries, 1)
	require.Equal(t, audit.ResultFailed, log.entries[0].Result)
}

func TestAuditSinkFailureIsSwallowed(t *testing.T) {
	host := &fakeHost{}
	sink := &fakeSink{err: errors.New("db down")}
	d := New(host, host, WithAuditSink(sink))
	runDispatcher(t, d)

	require.NoError(t, d.Submit(context.Background(), NewDelivery("Steve", "steve", models.PendingItem{ID: "1", Name: "say hi"})))
	require.NoError(t, d.Close(context.Background()))

	cmds, casts := host.snapshot()
	require.Equal(t, []string{"say hi"}, cmds, "default template runs the item name as the command")
	require.Len(t, casts, 1)
}

func TestCloseDrainsInOrderAndRejectsNewWork(t *testing.T) {
	host := &fakeHost{}
	d := New(host, host, WithBroadcastTemplate(""))

	for i, name := range []string{"a", "b", "c"} {
		item := models.PendingItem{ID: string(rune('1' + i)), Name: "give %player% " + name}
		require.NoError(t, d.Submit(context.Background(), NewDelivery("Steve", "steve", item)))
	}
	require.Equal(t, 3, d.Pending())

	// No Run yet: Close must still drain.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	cmds, _ := host.snapshot()
	require.Equal(t, []string{"give Steve a", "give Steve b", "give Steve c"}, cmds)
	require.ErrorIs(t, d.Submit(context.Background(), Delivery{}), ErrClosed)
}

func TestSubmitRespectsContextWhenFull(t *testing.T) {
	host := &fakeHost{}
	d := New(host, host, WithBufferSize(1))
	require.NoError(t, d.Submit(context.Background(), Delivery{Player: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Submit(ctx, Delivery{Player: "b"}), context.DeadlineExceeded)
}

func TestRender(t *testing.T) {
	del := Delivery{Player: "Steve", Buyer: "steve", ItemID: "42", ItemName: "VIP"}
	require.Equal(t, "steve/Steve/VIP/42", Render("%buyer%/%player%/%item%/%item_id%", del))

	del.ItemName = "lp user %player% group set vip"
	require.Equal(t, "lp user Steve group set vip", Render("%item%", del))
}
