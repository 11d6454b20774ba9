package biosign

import (
	"context"
	"sync"

	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// Pending is the completion of one signature request. It resolves exactly
// once, with either a result or an error.
type Pending struct {
	token      uint64
	done       chan struct{}
	once       sync.Once
	result     *interfaces.SignedResult
	err        error
	onComplete func(*interfaces.SignedResult, error)
}

func newPending(token uint64, onComplete func(*interfaces.SignedResult, error)) *Pending {
	return &Pending{
		token:      token,
		done:       make(chan struct{}),
		onComplete: onComplete,
	}
}

// Token is the ceremony token assigned to the request.
func (p *Pending) Token() uint64 {
	return p.token
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the request is resolved and returns its outcome.
func (p *Pending) Result() (*interfaces.SignedResult, error) {
	<-p.done
	return p.result, p.err
}

// Wait is Result bounded by ctx. Giving up on the wait does not cancel the
// request; use Orchestrator.Cancel or the request context for that.
func (p *Pending) Wait(ctx context.Context) (*interfaces.SignedResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) resolve(result *interfaces.SignedResult, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
		resolved = true
	})
	if resolved && p.onComplete != nil {
		p.onComplete(result, err)
	}
	return resolved
}
