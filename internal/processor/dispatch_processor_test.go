package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/nimasrn/followup-gateway/internal/gateways"
	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/repository"
	"github.com/nimasrn/followup-gateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	calls atomic.Int32
	mu    sync.Mutex
	reqs  []*gateway.SendRequest
	fn    func(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResponse, error)
}

func (f *fakeSender) Send(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResponse, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &gateway.SendResponse{MessageID: fmt.Sprintf("ext-%d", n), Status: "queued"}, nil
}

func (f *fakeSender) last() *gateway.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeSession struct {
	err error
}

func (f *fakeSession) CheckConnected(context.Context) error { return f.err }

type fixture struct {
	deliveries *repository.DeliveryRepository
	templates  *repository.TemplateRepository
	sender     *fakeSender
	session    *fakeSession
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repository.OpenTestDB(t)
	f := &fixture{
		deliveries: repository.NewDeliveryRepository(db),
		templates:  repository.NewTemplateRepository(db),
		sender:     &fakeSender{},
		session:    &fakeSession{},
	}
	f.dispatcher = NewDispatcher(f.deliveries, f.templates, f.sender, f.session,
		RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, time.Second, time.Minute)
	return f
}

func (f *fixture) template(t *testing.T, body string) *model.Template {
	t.Helper()
	tmpl, err := f.templates.Create(context.Background(), &model.Template{
		Name:           "service done",
		Trigger:        model.TriggerServiceCompleted,
		Body:           body,
		ChannelEnabled: true,
		PayloadKind:    model.PayloadText,
		AutoDispatch:   true,
		Active:         true,
	})
	require.NoError(t, err)
	return tmpl
}

func (f *fixture) pending(t *testing.T, tmpl *model.Template, vars map[string]string) *model.DeliveryRecord {
	t.Helper()
	rec := &model.DeliveryRecord{
		Recipient:   "+4915112345678",
		Trigger:     model.TriggerServiceCompleted,
		PayloadKind: model.PayloadText,
		Variables:   vars,
		ScheduledAt: time.Now().UTC().Add(-time.Second),
		State:       model.StatePending,
	}
	if tmpl != nil {
		rec.TemplateID = &tmpl.ID
	} else {
		rec.Trigger = model.TriggerManual
		rec.Body = "ad-hoc hello"
	}
	created, err := f.deliveries.Create(context.Background(), rec)
	require.NoError(t, err)
	return created
}

// claimAt claims whatever is due at the given time for a single owner.
func (f *fixture) claimAt(t *testing.T, at time.Time) []*model.DeliveryRecord {
	t.Helper()
	claimed, err := f.deliveries.ClaimDue(context.Background(), "test-worker", at, time.Minute, 10)
	require.NoError(t, err)
	return claimed
}

func (f *fixture) reload(t *testing.T, id int64) *model.DeliveryRecord {
	t.Helper()
	rec, err := f.deliveries.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestDispatcher_Success(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, "Hi {{customer_name}}, your {{vehicle}} is ready.")
	rec := f.pending(t, tmpl, map[string]string{"customer_name": "Ana", "vehicle": "Golf"})

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)

	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateSent, got.State)
	require.NotNil(t, got.ExternalMessageID)
	assert.Equal(t, "ext-1", *got.ExternalMessageID)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, "Hi Ana, your Golf is ready.", got.RenderedContent)
	assert.Empty(t, got.ClaimedBy)

	req := f.sender.last()
	assert.Equal(t, "+4915112345678", req.Recipient)
	assert.Equal(t, "text", req.Kind)
	assert.Equal(t, "Hi Ana, your Golf is ready.", req.Content)

	updatedTmpl, err := f.templates.Get(context.Background(), tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updatedTmpl.UsageCount)
	assert.NotNil(t, updatedTmpl.LastUsedAt)

	transitions, err := f.deliveries.ListTransitions(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, model.StatePending, transitions[0].From)
	assert.Equal(t, model.StateSent, transitions[0].To)
}

func TestDispatcher_AdHoc(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, nil, nil)

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, "ad-hoc hello", f.sender.last().Content)
	assert.Equal(t, model.StateSent, f.reload(t, rec.ID).State)
}

func TestDispatcher_NoDoubleSend(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := f.deliveries.ClaimDue(context.Background(), fmt.Sprintf("worker-%d", i), time.Now().UTC(), time.Minute, 1)
			if !assert.NoError(t, err) {
				return
			}
			for _, c := range claimed {
				_, err := f.dispatcher.Dispatch(context.Background(), c)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.sender.calls.Load())
	assert.Equal(t, model.StateSent, f.reload(t, rec.ID).State)
}

func TestDispatcher_RetryBound(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(context.Context, *gateway.SendRequest) (*gateway.SendResponse, error) {
		return nil, errors.New("connection reset")
	}
	rec := f.pending(t, nil, nil)

	var outcomes []Outcome
	for i := 0; i < 10; i++ {
		claimed := f.claimAt(t, time.Now().UTC().Add(time.Hour))
		if len(claimed) == 0 {
			break
		}
		outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
	}

	assert.Equal(t, []Outcome{OutcomeRetry, OutcomeRetry, OutcomeExhausted}, outcomes)
	assert.Equal(t, int32(3), f.sender.calls.Load())

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.False(t, got.Retryable)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "connection reset", got.LastError)
	assert.True(t, got.IsTerminal())
}

func TestDispatcher_RetrySchedulesNextAttempt(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.policy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	f.sender.fn = func(context.Context, *gateway.SendRequest) (*gateway.SendResponse, error) {
		return nil, &gateway.StatusError{Provider: "p", Code: 503}
	}
	rec := f.pending(t, nil, nil)

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.True(t, got.Retryable)
	require.NotNil(t, got.NextAttemptAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *got.NextAttemptAt, time.Minute)

	assert.Empty(t, f.claimAt(t, time.Now().UTC()), "not due before the backoff elapses")
}

func TestDispatcher_PermanentRejection(t *testing.T) {
	f := newFixture(t)
	f.sender.fn = func(context.Context, *gateway.SendRequest) (*gateway.SendResponse, error) {
		return nil, &gateway.StatusError{Provider: "p", Code: 400, Body: "invalid number"}
	}
	rec := f.pending(t, nil, nil)

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.False(t, got.Retryable)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, f.claimAt(t, time.Now().UTC().Add(24*time.Hour)))
}

func TestDispatcher_RenderFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, "Hi {{customer_name}}")
	rec := f.pending(t, tmpl, map[string]string{"vehicle": "Golf"})

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenderFailed, outcome)
	assert.Zero(t, f.sender.calls.Load())

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.False(t, got.Retryable)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.LastError, "customer_name")
}

func TestDispatcher_MissingTemplateIsTerminal(t *testing.T) {
	f := newFixture(t)
	missing := &model.Template{ID: 4242}
	rec := f.pending(t, missing, map[string]string{"customer_name": "Ana"})

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenderFailed, outcome)
	assert.Equal(t, model.StateFailed, f.reload(t, rec.ID).State)
}

func TestDispatcher_ContentFrozenAcrossRetries(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, "Hi {{customer_name}}, v1")
	rec := f.pending(t, tmpl, map[string]string{"customer_name": "Ana"})

	fail := true
	f.sender.fn = func(context.Context, *gateway.SendRequest) (*gateway.SendResponse, error) {
		if fail {
			return nil, errors.New("timeout")
		}
		return &gateway.SendResponse{MessageID: "ext-frozen"}, nil
	}

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	_, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana, v1", f.reload(t, rec.ID).RenderedContent)

	tmpl.Body = "Hi {{customer_name}}, v2"
	require.NoError(t, f.templates.Save(context.Background(), tmpl))

	fail = false
	claimed = f.claimAt(t, time.Now().UTC().Add(time.Hour))
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, "Hi Ana, v1", f.sender.last().Content)
	assert.Equal(t, "Hi Ana, v1", f.reload(t, rec.ID).RenderedContent)
}

func TestDispatcher_EmptyCaptionFrozenAcrossRetries(t *testing.T) {
	f := newFixture(t)
	tmpl, err := f.templates.Create(context.Background(), &model.Template{
		Name:           "workshop photo",
		Trigger:        model.TriggerServiceCompleted,
		Body:           "{{service_type}}",
		ChannelEnabled: true,
		PayloadKind:    model.PayloadImage,
		Attachment:     "https://cdn.example.com/done.png",
		AutoDispatch:   true,
		Active:         true,
	})
	require.NoError(t, err)
	rec, err := f.deliveries.Create(context.Background(), &model.DeliveryRecord{
		Recipient:   "+4915112345678",
		TemplateID:  &tmpl.ID,
		Trigger:     model.TriggerServiceCompleted,
		PayloadKind: model.PayloadImage,
		Attachment:  tmpl.Attachment,
		Variables:   map[string]string{"customer_name": "Ana"},
		ScheduledAt: time.Now().UTC().Add(-time.Second),
		State:       model.StatePending,
	})
	require.NoError(t, err)

	fail := true
	f.sender.fn = func(context.Context, *gateway.SendRequest) (*gateway.SendResponse, error) {
		if fail {
			return nil, errors.New("connection reset")
		}
		return &gateway.SendResponse{MessageID: "ext-image"}, nil
	}

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	_, err = f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, "", f.sender.last().Content)

	got := f.reload(t, rec.ID)
	assert.True(t, got.Frozen())
	assert.Empty(t, got.RenderedContent)

	tmpl.Body = "EDITED CAPTION"
	require.NoError(t, f.templates.Save(context.Background(), tmpl))

	fail = false
	claimed = f.claimAt(t, time.Now().UTC().Add(time.Hour))
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	last := f.sender.last()
	assert.Equal(t, "", last.Content)
	assert.Equal(t, "image", last.Kind)
	assert.Equal(t, "https://cdn.example.com/done.png", last.Attachment)
	assert.Empty(t, f.reload(t, rec.ID).RenderedContent)
}

func TestDispatcher_SendTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.sendTimeout = 20 * time.Millisecond
	f.sender.fn = func(ctx context.Context, _ *gateway.SendRequest) (*gateway.SendResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	rec := f.pending(t, nil, nil)

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.True(t, got.Retryable)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())
}

func TestDispatcher_CancelledWhileScheduled(t *testing.T) {
	f := newFixture(t)
	rec, err := f.deliveries.Create(context.Background(), &model.DeliveryRecord{
		Recipient:   "+4915112345678",
		Trigger:     model.TriggerManual,
		PayloadKind: model.PayloadText,
		Body:        "see you tomorrow",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
		State:       model.StatePending,
	})
	require.NoError(t, err)

	_, err = f.deliveries.Update(context.Background(), rec.ID, "cancelled", func(r *model.DeliveryRecord) error {
		return r.Cancel(time.Now().UTC())
	})
	require.NoError(t, err)

	claimed := f.claimAt(t, time.Now().UTC().Add(2*time.Hour))
	for _, c := range claimed {
		_, err := f.dispatcher.Dispatch(context.Background(), c)
		require.NoError(t, err)
	}

	assert.Empty(t, claimed)
	assert.Zero(t, f.sender.calls.Load())
	assert.Equal(t, model.StateCancelled, f.reload(t, rec.ID).State)
}

func TestDispatcher_RenewsLeaseBeforeSend(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, nil, nil)

	now := time.Now().UTC()
	claimed, err := f.deliveries.ClaimDue(context.Background(), "worker-a", now, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var leaseDuringSend *time.Time
	f.sender.fn = func(ctx context.Context, _ *gateway.SendRequest) (*gateway.SendResponse, error) {
		leaseDuringSend = f.reload(t, rec.ID).ClaimExpiresAt
		return &gateway.SendResponse{MessageID: "ext-renewed"}, nil
	}

	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	require.NotNil(t, leaseDuringSend)
	assert.True(t, leaseDuringSend.After(now.Add(30*time.Second)), "lease extended to the dispatcher lease")
}

func TestDispatcher_FailureNotRecordedAfterTakeover(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, nil, nil)

	f.sender.fn = func(ctx context.Context, _ *gateway.SendRequest) (*gateway.SendResponse, error) {
		_, err := f.deliveries.Update(ctx, rec.ID, "", func(r *model.DeliveryRecord) error {
			r.ClaimedBy = "worker-b"
			return nil
		})
		require.NoError(t, err)
		return nil, errors.New("connection reset")
	}

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeLeaseLost, outcome)

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StatePending, got.State)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "worker-b", got.ClaimedBy)
}

func TestDispatcher_CancelledBeforeSend(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, nil, nil)

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)

	_, err := f.deliveries.Update(context.Background(), rec.ID, "cancelled", func(r *model.DeliveryRecord) error {
		return r.Cancel(time.Now().UTC())
	})
	require.NoError(t, err)

	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Zero(t, f.sender.calls.Load())
	assert.Equal(t, model.StateCancelled, f.reload(t, rec.ID).State)
}

func TestDispatcher_CancelledWhileInFlight(t *testing.T) {
	f := newFixture(t)
	rec := f.pending(t, nil, nil)

	f.sender.fn = func(ctx context.Context, _ *gateway.SendRequest) (*gateway.SendResponse, error) {
		_, err := f.deliveries.Update(ctx, rec.ID, "cancelled", func(r *model.DeliveryRecord) error {
			return r.Cancel(time.Now().UTC())
		})
		require.NoError(t, err)
		return &gateway.SendResponse{MessageID: "ext-late"}, nil
	}

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateCancelled, got.State)
	assert.Nil(t, got.ExternalMessageID)
}

func TestDispatcher_ChannelDisconnected(t *testing.T) {
	f := newFixture(t)
	f.session.err = fmt.Errorf("%w: session is qr", session.ErrChannelDisconnected)
	rec := f.pending(t, nil, nil)

	claimed := f.claimAt(t, time.Now().UTC())
	require.Len(t, claimed, 1)
	outcome, err := f.dispatcher.Dispatch(context.Background(), claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Zero(t, f.sender.calls.Load())

	got := f.reload(t, rec.ID)
	assert.Equal(t, model.StateFailed, got.State)
	assert.True(t, got.Retryable)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "disconnected")
}

func TestDispatcher_LeaseLost(t *testing.T) {
	f := newFixture(t)
	f.pending(t, nil, nil)

	now := time.Now().UTC()
	stale, err := f.deliveries.ClaimDue(context.Background(), "worker-a", now, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	fresh, err := f.deliveries.ClaimDue(context.Background(), "worker-b", now.Add(time.Minute), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	outcome, err := f.dispatcher.Dispatch(context.Background(), stale[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeLeaseLost, outcome)
	assert.Zero(t, f.sender.calls.Load())

	outcome, err = f.dispatcher.Dispatch(context.Background(), fresh[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, int32(1), f.sender.calls.Load())
}
