package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

var ErrInvalidSchedule = errors.New("jobs: invalid cron expression")

// PayloadFunc builds the payload for a recurring job firing at the given time.
type PayloadFunc func(at time.Time) ([]byte, error)

type recurring struct {
	kind    string
	expr    string
	payload PayloadFunc
}

// RegisterRecurring enqueues a job of kind on every tick of the cron
// expression once the dispatcher is started. It must be called before Start.
func (d *Dispatcher) RegisterRecurring(kind, expr string, payload PayloadFunc) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
	if payload == nil {
		return fmt.Errorf("jobs: payload func is required for %s", kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	d.recurring = append(d.recurring, recurring{kind: kind, expr: expr, payload: payload})
	return nil
}

func (d *Dispatcher) scheduleLoop(ctx context.Context, r recurring) {
	log := d.logger.With().Str("task_kind", r.kind).Str("cron", r.expr).Logger()
	log.Debug().Msg("recurring schedule started")

	for {
		now := d.now()
		next, err := gronx.NextTickAfter(r.expr, now, false)
		if err != nil {
			log.Error().Err(err).Msg("next tick failed")
			select {
			case <-d.after(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-d.after(next.Sub(now)):
			d.fire(ctx, r, next)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) fire(ctx context.Context, r recurring, at time.Time) {
	payload, err := r.payload(at)
	if err != nil {
		d.logger.Error().Err(err).Str("task_kind", r.kind).Msg("recurring payload failed")
		return
	}
	if _, err := d.Enqueue(ctx, r.kind, payload); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn().Err(err).Str("task_kind", r.kind).Msg("recurring enqueue failed")
	}
}
