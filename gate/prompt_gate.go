package gate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"go.uber.org/atomic"
)

// ErrInputClosed is reported through OnError when the sample source ends.
var ErrInputClosed = errors.New("biometric input closed")

// sampleBacklog bounds the samples queued for one ceremony.
const sampleBacklog = 16

// PromptGate runs ceremonies against a line-oriented sample source, such as
// a terminal or a sensor bridge writing one sample per line. Each line is one
// authentication attempt compared against the enrollment.
//
// A line belongs to the ceremony that is current when it is read. Lines read
// while no ceremony runs are discarded, and a ceremony's unread lines are
// discarded with it, so a sample never carries over to a later request.
type PromptGate struct {
	enrollment *Enrollment
	sink       interfaces.AuthorizationSink
	input      io.Reader
	out        io.Writer
	log        *slog.Logger

	startReader sync.Once
	inputDone   chan struct{}
	done        chan struct{}
	exhausted   atomic.Bool
	discarded   atomic.Int64

	mu         sync.Mutex
	closed     bool
	ceremonies map[interfaces.CeremonyHandle]*ceremony
	current    *ceremony
	wg         sync.WaitGroup
}

type ceremony struct {
	cancel  context.CancelFunc
	samples chan string
}

// NewPromptGate creates a gate reading samples from input. On a match the
// gate authorizes the alias with sink before reporting success.
// A nil enrollment or input makes the gate report no strong authentication.
func NewPromptGate(enrollment *Enrollment, input io.Reader, sink interfaces.AuthorizationSink, log *slog.Logger) *PromptGate {
	return &PromptGate{
		enrollment: enrollment,
		sink:       sink,
		input:      input,
		out:        io.Discard,
		log:        log,
		inputDone:  make(chan struct{}),
		done:       make(chan struct{}),
		ceremonies: make(map[interfaces.CeremonyHandle]*ceremony),
	}
}

// WithPromptWriter sets where prompts are rendered.
func (g *PromptGate) WithPromptWriter(w io.Writer) *PromptGate {
	g.out = w
	return g
}

// IsStrongAuthAvailable reports whether an enrollment and a sample source
// are configured.
func (g *PromptGate) IsStrongAuthAvailable(ctx context.Context, prompt interfaces.PromptContext) bool {
	return g.enrollment != nil && g.input != nil && g.sink != nil && !g.exhausted.Load()
}

// StartCeremony presents the prompt and evaluates samples until one matches,
// the input ends or the ceremony is cancelled.
func (g *PromptGate) StartCeremony(ctx context.Context, req interfaces.CeremonyRequest, cb interfaces.CeremonyCallbacks) (interfaces.CeremonyHandle, error) {
	if !g.IsStrongAuthAvailable(ctx, req.Prompt) {
		return "", interfaces.ErrCapabilityUnavailable
	}

	handle := interfaces.CeremonyHandle(uuid.NewString())
	ceremonyCtx, cancel := context.WithCancel(ctx)
	c := &ceremony{cancel: cancel, samples: make(chan string, sampleBacklog)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: gate closed", interfaces.ErrCapabilityUnavailable)
	}
	g.ceremonies[handle] = c
	g.current = c
	g.wg.Add(1)
	g.mu.Unlock()

	g.startReader.Do(func() {
		go g.readSamples()
	})

	g.log.Debug("Starting biometric ceremony",
		slog.String("alias", req.Alias.String()),
		slog.Uint64("token", req.Token),
		slog.String("handle", string(handle)))

	g.renderPrompt(req.Prompt)

	go func() {
		defer g.wg.Done()
		defer cancel()
		defer g.forget(handle)
		g.runCeremony(ceremonyCtx, c, req, cb)
	}()

	return handle, nil
}

// Cancel stops a ceremony. Unknown or finished handles are ignored.
func (g *PromptGate) Cancel(handle interfaces.CeremonyHandle) {
	g.mu.Lock()
	c, ok := g.ceremonies[handle]
	g.removeLocked(handle)
	g.mu.Unlock()

	if ok {
		g.log.Debug("Cancelling biometric ceremony", slog.String("handle", string(handle)))
		c.cancel()
	}
}

// Close cancels running ceremonies and waits for them to return. The
// sample reader stops once the input returns from its current read.
func (g *PromptGate) Close() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.done)
	}
	for handle, c := range g.ceremonies {
		c.cancel()
		g.removeLocked(handle)
	}
	g.mu.Unlock()

	g.wg.Wait()
}

func (g *PromptGate) runCeremony(ctx context.Context, c *ceremony, req interfaces.CeremonyRequest, cb interfaces.CeremonyCallbacks) {
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case sample := <-c.samples:
			if ctx.Err() != nil {
				g.log.Debug("Dropping sample for cancelled ceremony", slog.Uint64("token", req.Token))
				return
			}
			if g.evaluate(req, sample, cb) {
				return
			}
		case <-g.inputDone:
			// Lines read before the input ended are still attempts.
		drain:
			for {
				select {
				case sample := <-c.samples:
					if ctx.Err() != nil {
						return
					}
					if g.evaluate(req, sample, cb) {
						return
					}
				default:
					break drain
				}
			}
			if ctx.Err() == nil {
				cb.OnError(ErrInputClosed)
			}
			return
		}
	}
}

// evaluate reports one attempt and whether the ceremony is over.
func (g *PromptGate) evaluate(req interfaces.CeremonyRequest, sample string, cb interfaces.CeremonyCallbacks) bool {
	if g.enrollment.Matches(sample) {
		g.sink.Authorize(req.Alias)
		cb.OnSuccess()
		return true
	}

	g.log.Info("Biometric sample rejected",
		slog.String("alias", req.Alias.String()),
		slog.Uint64("token", req.Token))
	cb.OnFailedAttempt()
	return false
}

// readSamples never blocks on a ceremony, so a line is routed as soon as it
// arrives rather than when some later ceremony asks for input. Lines that
// arrived in one read are routed together.
func (g *PromptGate) readSamples() {
	defer close(g.inputDone)
	defer g.exhausted.Store(true)

	reader := bufio.NewReader(g.input)
	for {
		batch, err := readBatch(reader)
		select {
		case <-g.done:
			return
		default:
		}
		if len(batch) > 0 {
			g.dispatch(batch)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				g.log.Warn("Biometric input failed", "err", err)
			}
			return
		}
	}
}

// readBatch returns the next line and any further complete lines already
// buffered behind it.
func readBatch(reader *bufio.Reader) ([]string, error) {
	line, err := reader.ReadString('\n')
	var batch []string
	if line != "" {
		batch = append(batch, strings.TrimRight(line, "\r\n"))
	}
	if err != nil {
		return batch, err
	}

	for reader.Buffered() > 0 {
		buffered, _ := reader.Peek(reader.Buffered())
		if !bytes.Contains(buffered, []byte{'\n'}) {
			break
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return batch, err
		}
		batch = append(batch, strings.TrimRight(line, "\r\n"))
	}
	return batch, nil
}

func (g *PromptGate) dispatch(batch []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil {
		g.discarded.Add(int64(len(batch)))
		g.log.Debug("Discarding samples read with no ceremony running", slog.Int("count", len(batch)))
		return
	}
	for _, sample := range batch {
		select {
		case g.current.samples <- sample:
		default:
			g.discarded.Inc()
			g.log.Warn("Discarding sample, ceremony backlog full")
		}
	}
}

func (g *PromptGate) renderPrompt(prompt interfaces.PromptContext) {
	for _, line := range []string{prompt.Title, prompt.Subtitle, prompt.Description} {
		if line != "" {
			fmt.Fprintln(g.out, line)
		}
	}
}

func (g *PromptGate) forget(handle interfaces.CeremonyHandle) {
	g.mu.Lock()
	g.removeLocked(handle)
	g.mu.Unlock()
}

func (g *PromptGate) removeLocked(handle interfaces.CeremonyHandle) {
	c, ok := g.ceremonies[handle]
	if !ok {
		return
	}
	delete(g.ceremonies, handle)
	if g.current == c {
		g.current = nil
	}
}

var _ interfaces.BiometricGate = (*PromptGate)(nil)
