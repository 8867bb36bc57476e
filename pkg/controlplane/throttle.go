package controlplane

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Throttled spaces out calls to a Service with a token bucket so many
// concurrent waiters stay under the read quota. It never retries.
type Throttled struct {
	inner   Service
	limiter *rate.Limiter
}

var _ Service = (*Throttled)(nil)

// Throttle wraps inner so every RPC first waits on a limiter allowing rps
// calls per second. A non-positive rps returns inner unchanged.
func Throttle(inner Service, rps float64, burst int) Service {
	if rps <= 0 {
		return inner
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// wait blocks for a token. The limiter fails early, with an error of its
// own, when the next token lands after ctx's deadline; that case is reported
// as context.DeadlineExceeded.
func (t *Throttled) wait(ctx context.Context) error {
	err := t.limiter.Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (t *Throttled) Create(ctx context.Context, parent string, job *PipelineJob, jobID string, timeout time.Duration) (*PipelineJob, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Create(ctx, parent, job, jobID, timeout)
}

func (t *Throttled) Get(ctx context.Context, name string) (*PipelineJob, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Get(ctx, name)
}

func (t *Throttled) Cancel(ctx context.Context, name string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.inner.Cancel(ctx, name)
}

func (t *Throttled) List(ctx context.Context, parent, filter, orderBy string) ([]*PipelineJob, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.List(ctx, parent, filter, orderBy)
}

func (t *Throttled) Delete(ctx context.Context, name string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.inner.Delete(ctx, name)
}

func (t *Throttled) GetContext(ctx context.Context, name string) (*Context, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.GetContext(ctx, name)
}

func (t *Throttled) ListExecutions(ctx context.Context, store, filter string) ([]*Execution, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ListExecutions(ctx, store, filter)
}

func (t *Throttled) ListArtifacts(ctx context.Context, store, filter string) ([]*Artifact, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ListArtifacts(ctx, store, filter)
}

func (t *Throttled) AddContextChildren(ctx context.Context, parent string, children []string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.inner.AddContextChildren(ctx, parent, children)
}
