package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// Dispatcher hands calendar side effects off the request path.
type Dispatcher interface {
	DispatchCreateMeeting(ctx context.Context, p CreateMeetingPayload) error
	DispatchDeleteEvent(ctx context.Context, p DeleteEventPayload) error
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqDispatcher enqueues tasks on Redis for the worker process.
type AsynqDispatcher struct {
	client enqueuer
	opts   TaskOptions
}

func NewAsynqDispatcher(client *asynq.Client, opts TaskOptions) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, opts: opts}
}

func (d *AsynqDispatcher) DispatchCreateMeeting(ctx context.Context, p CreateMeetingPayload) error {
	task, opts, err := NewCreateMeetingTask(p, d.opts)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task, opts)
}

func (d *AsynqDispatcher) DispatchDeleteEvent(ctx context.Context, p DeleteEventPayload) error {
	task, opts, err := NewDeleteEventTask(p, d.opts)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task, opts)
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, task *asynq.Task, opts []asynq.Option) error {
	_, err := d.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// InlineDispatcher runs the handler on a goroutine in the same process. It is used
// with the in-memory store where no worker process exists.
type InlineDispatcher struct {
	handler *Handler
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewInlineDispatcher(handler *Handler, timeout time.Duration, log *slog.Logger) *InlineDispatcher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InlineDispatcher{handler: handler, timeout: timeout, log: log.With(slog.String("component", "tasks.inline"))}
}

func (d *InlineDispatcher) DispatchCreateMeeting(ctx context.Context, p CreateMeetingPayload) error {
	d.run(ctx, TypeCreateMeeting, func(ctx context.Context) error { return d.handler.CreateMeeting(ctx, p) })
	return nil
}

func (d *InlineDispatcher) DispatchDeleteEvent(ctx context.Context, p DeleteEventPayload) error {
	d.run(ctx, TypeDeleteEvent, func(ctx context.Context) error { return d.handler.DeleteEvent(ctx, p) })
	return nil
}

func (d *InlineDispatcher) run(parent context.Context, taskType string, fn func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.log.Warn("calendar task failed", slog.String("task", taskType), slog.Any("error", err))
		}
	}()
}

// Wait blocks until every dispatched task has finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// NopDispatcher drops every task. Used when the calendar integration is disabled.
type NopDispatcher struct{}

func (NopDispatcher) DispatchCreateMeeting(context.Context, CreateMeetingPayload) error { return nil }
func (NopDispatcher) DispatchDeleteEvent(context.Context, DeleteEventPayload) error     { return nil }

var (
	_ Dispatcher = (*AsynqDispatcher)(nil)
	_ Dispatcher = (*InlineDispatcher)(nil)
	_ Dispatcher = NopDispatcher{}
)
