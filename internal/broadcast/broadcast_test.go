package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/audience"
	"announcement-dispatcher/internal/audit"
	"announcement-dispatcher/internal/config"
	"announcement-dispatcher/internal/delivery"
	"announcement-dispatcher/internal/directory"
	"announcement-dispatcher/internal/models"
	"announcement-dispatcher/internal/notifier"
	"announcement-dispatcher/internal/queue"
	"announcement-dispatcher/internal/store"
	"announcement-dispatcher/internal/worker"
)

type scriptedNotifier struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newScriptedNotifier() *scriptedNotifier {
	return &scriptedNotifier{fail: map[string]bool{}, calls: map[string]int{}}
}

func (n *scriptedNotifier) Send(_ context.Context, msg notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[msg.To]++
	if n.fail[msg.To] {
		return &notifier.Error{Transport: "smtp", Code: 550, Message: "mailbox unavailable", Permanent: true}
	}
	return nil
}

func (n *scriptedNotifier) setFail(addr string, fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[addr] = fail
}

type engine struct {
	store     *store.Memory
	dir       *directory.Static
	queue     *queue.MemoryQueue
	notifier  *scriptedNotifier
	svc       *Service
	deliverer *delivery.Deliverer
	processor *worker.Processor
}

func newEngine(t *testing.T, tenants ...models.Tenant) *engine {
	t.Helper()
	cfg := config.Config{MaxAttempts: 1, NotifyTimeout: time.Second, VisibilityTimeout: time.Minute}
	mem := store.NewMemory()
	dir := directory.NewStatic(tenants...)
	q := queue.NewMemoryQueue(cfg)
	n := newScriptedNotifier()
	sink := audit.NewSink(mem, zerolog.Nop())

	d := NewDispatcher(cfg, mem, audience.NewResolver(dir), q, sink, zerolog.Nop())
	deliverer := delivery.NewDeliverer(cfg, mem, n, sink, zerolog.Nop())
	return &engine{
		store:     mem,
		dir:       dir,
		queue:     q,
		notifier:  n,
		svc:       NewService(mem, d, sink, zerolog.Nop()),
		deliverer: deliverer,
		processor: worker.NewProcessor(cfg, q, deliverer, nil, zerolog.Nop()),
	}
}

func (e *engine) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		processed, err := e.processor.ProcessOne(context.Background())
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !processed {
			return
		}
	}
	t.Fatalf("queue did not drain")
}

func (e *engine) create(t *testing.T, aud models.Audience) models.Announcement {
	t.Helper()
	a, err := e.svc.Create(context.Background(), CreateParams{
		Title:     "Scheduled maintenance",
		Body:      "The dashboard is read-only from 22:00 to 23:00 UTC.",
		Priority:  models.PriorityImportant,
		Audience:  aud,
		CreatedBy: "ops-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func threeTenants() []models.Tenant {
	return []models.Tenant{
		{ID: "t1", Name: "Acme", ContactEmail: "ops@acme.test", SubscriptionStatus: models.SubscriptionActive},
		{ID: "t2", Name: "Globex", ContactEmail: "it@globex.test", SubscriptionStatus: models.SubscriptionTrial},
		{ID: "t3", Name: "Initech", ContactEmail: "admin@initech.test", SubscriptionStatus: models.SubscriptionSuspended},
	}
}

func assertCounters(t *testing.T, a models.Announcement, status models.Status, total, ok, failed int) {
	t.Helper()
	if a.Status != status || a.TotalRecipients != total || a.SuccessfulCount != ok || a.FailedCount != failed {
		t.Fatalf("want %s (%d,%d,%d), got %s (%d,%d,%d)", status, total, ok, failed,
			a.Status, a.TotalRecipients, a.SuccessfulCount, a.FailedCount)
	}
}

func auditEvents(t *testing.T, e *engine, id string) []string {
	t.Helper()
	events, err := e.store.ListAudit(context.Background(), id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Event
	}
	return out
}

func TestScenarioAllSucceed(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	a := e.create(t, models.AudienceAll{})

	started, err := e.svc.Send(ctx, a.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	assertCounters(t, started, models.StatusSending, 3, 0, 0)
	if started.SentAt == nil {
		t.Fatalf("sent_at must be set on dispatch")
	}

	e.drain(t)
	got, _ := e.svc.Get(ctx, a.ID)
	assertCounters(t, got, models.StatusSent, 3, 3, 0)

	if events := strings.Join(auditEvents(t, e, a.ID), ","); events != "created,sent,completed:sent" {
		t.Fatalf("unexpected audit trail %s", events)
	}
}

func TestScenarioPartialFailureThenResend(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	e.notifier.setFail("it@globex.test", true)
	a := e.create(t, models.AudienceAll{})

	if _, err := e.svc.Send(ctx, a.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	e.drain(t)
	got, _ := e.svc.Get(ctx, a.ID)
	assertCounters(t, got, models.StatusPartiallyFailed, 3, 2, 1)

	failed := models.DeliveryFailed
	rows, _ := e.svc.ListRecipients(ctx, a.ID, &failed)
	if len(rows) != 1 || rows[0].TenantID != "t2" || rows[0].ErrorMessage == nil {
		t.Fatalf("unexpected failed rows %+v", rows)
	}
	firstSentAt := *got.SentAt

	e.notifier.setFail("it@globex.test", false)
	resent, err := e.svc.Resend(ctx, a.ID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	assertCounters(t, resent, models.StatusSending, 3, 2, 0)

	e.drain(t)
	got, _ = e.svc.Get(ctx, a.ID)
	assertCounters(t, got, models.StatusSent, 3, 3, 0)
	if !got.SentAt.Equal(firstSentAt) {
		t.Fatalf("sent_at must not move on resend")
	}
	if e.notifier.calls["ops@acme.test"] != 1 || e.notifier.calls["it@globex.test"] != 2 {
		t.Fatalf("resend must only touch failed recipients: %v", e.notifier.calls)
	}
	trail := strings.Join(auditEvents(t, e, a.ID), ",")
	if trail != "created,sent,completed:partially_failed,resent,completed:sent" {
		t.Fatalf("unexpected audit trail %s", trail)
	}
}

func TestScenarioSpecificSkipsMissingTenants(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	aud, err := models.ParseAudience("specific", []string{"t1", "t3", "t-gone"})
	if err != nil {
		t.Fatalf("audience: %v", err)
	}
	a := e.create(t, aud)

	started, err := e.svc.Send(ctx, a.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if started.TotalRecipients != 2 {
		t.Fatalf("expected 2 recipients, got %d", started.TotalRecipients)
	}
	e.drain(t)
	got, _ := e.svc.Get(ctx, a.ID)
	assertCounters(t, got, models.StatusSent, 2, 2, 0)
}

func TestAllFailedRun(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	for _, tn := range threeTenants() {
		e.notifier.setFail(tn.ContactEmail, true)
	}
	a := e.create(t, models.AudienceAll{})
	if _, err := e.svc.Send(context.Background(), a.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	e.drain(t)
	got, _ := e.svc.Get(context.Background(), a.ID)
	assertCounters(t, got, models.StatusFailed, 3, 0, 3)
}

func TestSendGuards(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	a := e.create(t, models.AudienceActiveOnly{})

	if _, err := e.svc.Send(ctx, a.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := e.svc.Send(ctx, a.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second send while sending must be refused, got %v", err)
	}
	if _, err := e.svc.Resend(ctx, a.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("resend while sending must be refused, got %v", err)
	}
	if err := e.svc.Delete(ctx, a.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("delete while sending must be refused, got %v", err)
	}
	title := "new title"
	if _, err := e.svc.Update(ctx, a.ID, UpdateParams{Title: &title}); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("update while sending must be refused, got %v", err)
	}

	e.drain(t)
	if _, err := e.svc.Send(ctx, a.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("send after sent must be refused, got %v", err)
	}
	if _, err := e.svc.Resend(ctx, a.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("resend of a fully sent run must be refused, got %v", err)
	}
	if _, err := e.svc.Send(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendLeavesAnnouncementUntouchedOnResolveFailure(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	a := e.create(t, models.AudienceAll{})

	e.dir.FailWith(errors.New("directory unreachable"))
	if _, err := e.svc.Send(ctx, a.ID); err == nil || !strings.Contains(err.Error(), "directory unreachable") {
		t.Fatalf("expected resolve error, got %v", err)
	}
	got, _ := e.svc.Get(ctx, a.ID)
	assertCounters(t, got, models.StatusDraft, 0, 0, 0)
	if rows, _ := e.svc.ListRecipients(ctx, a.ID, nil); len(rows) != 0 {
		t.Fatalf("no ledger rows may exist after a failed fan-out: %+v", rows)
	}

	e.dir.FailWith(nil)
	if _, err := e.svc.Send(ctx, a.ID); err != nil {
		t.Fatalf("fan-out must be retriable: %v", err)
	}
}

func TestSendRejectsEmptyAudience(t *testing.T) {
	e := newEngine(t, models.Tenant{ID: "t1", ContactEmail: "not-an-address", SubscriptionStatus: models.SubscriptionActive})
	a := e.create(t, models.AudienceAll{})
	if _, err := e.svc.Send(context.Background(), a.ID); !errors.Is(err, models.ErrEmptyAudience) {
		t.Fatalf("expected empty audience, got %v", err)
	}
	got, _ := e.svc.Get(context.Background(), a.ID)
	if got.Status != models.StatusDraft {
		t.Fatalf("status must not change, got %s", got.Status)
	}
}

func TestCreateAndUpdateScheduling(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	if _, err := e.svc.Create(ctx, CreateParams{Body: "b", Audience: models.AudienceAll{}}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing title must fail validation, got %v", err)
	}
	if _, err := e.svc.Create(ctx, CreateParams{Title: "t", Body: "b"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing audience must fail validation, got %v", err)
	}
	if _, err := e.svc.Create(ctx, CreateParams{Title: "t", Body: "b", Audience: models.AudienceAll{}, ScheduledAt: &past}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("past schedule must fail validation, got %v", err)
	}
	if _, err := e.svc.Create(ctx, CreateParams{Title: "t", Body: "b", Audience: models.AudienceAll{}, Priority: "critical"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown priority must fail validation, got %v", err)
	}

	a, err := e.svc.Create(ctx, CreateParams{Title: "t", Body: "b", Audience: models.AudienceAll{}, ScheduledAt: &future})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != models.StatusScheduled || a.Priority != models.PriorityNormal || a.Channel != models.DefaultChannel || a.CreatedBy != "system" {
		t.Fatalf("unexpected defaults %+v", a)
	}

	a, err = e.svc.Update(ctx, a.ID, UpdateParams{ClearSchedule: true})
	if err != nil || a.Status != models.StatusDraft || a.ScheduledAt != nil {
		t.Fatalf("clearing the schedule must return to draft: %+v %v", a, err)
	}
	urgent := models.PriorityUrgent
	a, err = e.svc.Update(ctx, a.ID, UpdateParams{ScheduledAt: &future, Priority: &urgent, Audience: models.AudienceTrialOnly{}})
	if err != nil || a.Status != models.StatusScheduled || a.Priority != models.PriorityUrgent || a.Audience.Kind() != models.AudienceKindTrialOnly {
		t.Fatalf("unexpected update result %+v %v", a, err)
	}
	blank := "  "
	if _, err := e.svc.Update(ctx, a.ID, UpdateParams{Title: &blank}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("blank title must fail validation, got %v", err)
	}
}

func TestDeleteEmitsAuditAndCascades(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	a := e.create(t, models.AudienceAll{})
	if _, err := e.svc.Send(ctx, a.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	e.drain(t)

	if err := e.svc.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.svc.Get(ctx, a.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := e.svc.ListRecipients(ctx, a.ID, nil); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("ledger must go with the announcement, got %v", err)
	}
	trail := auditEvents(t, e, a.ID)
	if trail[len(trail)-1] != models.EventDeleted {
		t.Fatalf("expected deleted event last, got %v", trail)
	}
}

type plannedTask struct {
	task  queue.Task
	runAt time.Time
}

type recordingSubmitter struct {
	mu      sync.Mutex
	planned []plannedTask
	err     error
}

func (r *recordingSubmitter) Enqueue(_ context.Context, t queue.Task, runAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.planned = append(r.planned, plannedTask{t, runAt})
	return true, nil
}

func TestStartRunStaggersTasks(t *testing.T) {
	mem := store.NewMemory()
	sub := &recordingSubmitter{}
	cfg := config.Config{StaggerMin: time.Second, StaggerMax: 5 * time.Second}
	d := NewDispatcher(cfg, mem, audience.NewResolver(directory.NewStatic(threeTenants()...)), sub, audit.NewSink(mem, zerolog.Nop()), zerolog.Nop())
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	offsets := []int64{0, int64(2 * time.Second), int64(4 * time.Second)}
	d.jitter = func(n int64) int64 {
		if n != int64(4*time.Second)+1 {
			t.Fatalf("unexpected jitter range %d", n)
		}
		o := offsets[0]
		offsets = offsets[1:]
		return o
	}

	a, _ := mem.CreateAnnouncement(context.Background(), store.CreateAnnouncementParams{
		Title: "t", Body: "b", Priority: models.PriorityUrgent, Audience: models.AudienceAll{},
	})
	if _, err := d.StartRun(context.Background(), a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(sub.planned) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(sub.planned))
	}
	want := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}
	for i, p := range sub.planned {
		if got := p.runAt.Sub(now); got != want[i] {
			t.Fatalf("task %d offset %s, want %s", i, got, want[i])
		}
		if p.task.Priority != "high" || p.task.AnnouncementID != a.ID || p.task.ID != queue.TaskID(p.task.RecipientID, 0) {
			t.Fatalf("unexpected task %+v", p.task)
		}
	}
}

func TestRedriveRecoversFailedSubmission(t *testing.T) {
	mem := store.NewMemory()
	sub := &recordingSubmitter{err: errors.New("redis down")}
	d := NewDispatcher(config.Config{}, mem, audience.NewResolver(directory.NewStatic(threeTenants()...)), sub, audit.NewSink(mem, zerolog.Nop()), zerolog.Nop())
	svc := NewService(mem, d, audit.NewSink(mem, zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	a, _ := mem.CreateAnnouncement(ctx, store.CreateAnnouncementParams{Title: "t", Body: "b", Audience: models.AudienceAll{}})
	started, err := svc.Send(ctx, a.ID)
	if err != nil {
		t.Fatalf("submission failures after commit must not fail the send: %v", err)
	}
	if started.Status != models.StatusSending || len(sub.planned) != 0 {
		t.Fatalf("unexpected state %+v, planned %d", started, len(sub.planned))
	}

	sub.err = nil
	n, err := svc.RedriveStalled(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("redrive: n=%d err=%v", n, err)
	}
	if len(sub.planned) != 3 {
		t.Fatalf("expected all pending rows resubmitted, got %d", len(sub.planned))
	}
	if _, err := d.Redrive(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendDueStartsElapsedSchedules(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	a, err := e.svc.Create(ctx, CreateParams{Title: "t", Body: "b", Audience: models.AudienceAll{}, ScheduledAt: &future})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if n, _ := e.svc.SendDue(ctx, 10); n != 0 {
		t.Fatalf("nothing is due yet")
	}
	e.svc.now = func() time.Time { return future.Add(time.Minute) }
	if n, err := e.svc.SendDue(ctx, 10); err != nil || n != 1 {
		t.Fatalf("expected one scheduled send, n=%d err=%v", n, err)
	}
	if n, _ := e.svc.SendDue(ctx, 10); n != 0 {
		t.Fatalf("a started run is no longer due")
	}
	e.drain(t)
	got, _ := e.svc.Get(ctx, a.ID)
	assertCounters(t, got, models.StatusSent, 3, 3, 0)
}

// resendAfterSettle resends the announcement once its run has completed,
// before the worker acks the task that completed it.
type resendAfterSettle struct {
	inner *delivery.Deliverer
	once  sync.Once
	after func(ctx context.Context, announcementID string)
}

func (r *resendAfterSettle) Attempt(ctx context.Context, announcementID, recipientID string, final bool) error {
	err := r.inner.Attempt(ctx, announcementID, recipientID, final)
	r.after(ctx, announcementID)
	return err
}

func (r *resendAfterSettle) Abandon(ctx context.Context, announcementID, recipientID string, cause error) error {
	return r.inner.Abandon(ctx, announcementID, recipientID, cause)
}

func TestResendBeforeAckDoesNotStrandRun(t *testing.T) {
	e := newEngine(t, threeTenants()...)
	ctx := context.Background()
	e.notifier.setFail("it@globex.test", true)
	a := e.create(t, models.AudienceAll{})

	exec := &resendAfterSettle{inner: e.deliverer}
	exec.after = func(ctx context.Context, id string) {
		got, _ := e.svc.Get(ctx, id)
		if !got.Status.Resendable() {
			return
		}
		exec.once.Do(func() {
			e.notifier.setFail("it@globex.test", false)
			if _, err := e.svc.Resend(ctx, id); err != nil {
				t.Errorf("resend: %v", err)
			}
		})
	}
	e.processor = worker.NewProcessor(config.Config{MaxAttempts: 1, VisibilityTimeout: time.Minute}, e.queue, exec, nil, zerolog.Nop())

	if _, err := e.svc.Send(ctx, a.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	e.drain(t)

	got, _ := e.svc.Get(ctx, a.ID)
	assertCounters(t, got, models.StatusSent, 3, 3, 0)
	if e.notifier.calls["it@globex.test"] != 2 {
		t.Fatalf("resent row must be delivered again, calls %v", e.notifier.calls)
	}
	rows, _ := e.svc.ListRecipients(ctx, a.ID, nil)
	for _, r := range rows {
		if r.Status == models.DeliveryPending {
			t.Fatalf("row %s left pending", r.ID)
		}
	}
}

func TestRedriveKeepsTaskInBackoff(t *testing.T) {
	e := newEngine(t, threeTenants()[0])
	ctx := context.Background()
	a := e.create(t, models.AudienceAll{})
	if _, err := e.svc.Send(ctx, a.ID); err != nil {
		t.Fatalf("send: %v", err)
	}

	leased, err := e.queue.DequeueWithLease(ctx)
	if err != nil || leased.ID == "" {
		t.Fatalf("dequeue: %+v %v", leased, err)
	}
	leased.Attempts = 2
	if err := e.queue.Retry(ctx, leased, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("retry: %v", err)
	}

	n, err := e.svc.RedriveStalled(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("redrive: n=%d err=%v", n, err)
	}
	if depth, _ := e.queue.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("redrive must not queue a second copy, depth %d", depth)
	}
	if promoted, _ := e.queue.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); promoted != 1 {
		t.Fatalf("expected one scheduled task, got %d", promoted)
	}
	again, _ := e.queue.DequeueWithLease(ctx)
	if again.ID != leased.ID || again.Attempts != 2 {
		t.Fatalf("redrive reset the task: %+v", again)
	}
}
