package biosign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-biometric-signer/cryptoutils"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/ruteri/tee-biometric-signer/metrics"
)

// Orchestrator binds one key alias to a custodian and a biometric gate and
// runs the gated signing flow for it.
//
// At most one signature request is in flight. Starting a new request
// supersedes the previous one and resets the failure counter. Every gate
// callback is bound to the token of the request that started the ceremony
// and is ignored once that request is no longer current.
type Orchestrator struct {
	alias     interfaces.KeyAlias
	custodian interfaces.KeyCustodian
	gate      interfaces.BiometricGate

	log          *slog.Logger
	metrics      *metrics.CeremonyMetrics
	failureLimit int
	scheme       interfaces.Scheme
	now          func() time.Time

	mu        sync.Mutex
	phase     Phase
	token     uint64
	failures  int
	inflight  *request
	keyScheme interfaces.Scheme

	// signMu serializes custodian Sign calls.
	signMu sync.Mutex
}

type request struct {
	ctx     context.Context
	token   uint64
	payload []byte
	pending *Pending

	handle    interfaces.CeremonyHandle
	hasHandle bool
	signing   bool
	resolved  bool
	stopWatch func() bool
}

// New creates an orchestrator for alias.
func New(alias interfaces.KeyAlias, custodian interfaces.KeyCustodian, gate interfaces.BiometricGate, opts ...Option) (*Orchestrator, error) {
	if _, err := interfaces.NewKeyAlias(alias.String()); err != nil {
		return nil, err
	}
	if custodian == nil {
		return nil, errors.New("custodian is required")
	}
	if gate == nil {
		return nil, errors.New("biometric gate is required")
	}

	o := &Orchestrator{
		alias:        alias,
		custodian:    custodian,
		gate:         gate,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		failureLimit: DefaultFailureLimit,
		scheme:       interfaces.SchemeECDSAP256SHA256,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.scheme.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedScheme, err)
	}
	o.log = o.log.With(slog.String("alias", alias.String()))

	return o, nil
}

// Alias returns the key alias bound at construction.
func (o *Orchestrator) Alias() interfaces.KeyAlias {
	return o.alias
}

// State returns a snapshot of the ceremony state.
func (o *Orchestrator) State() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{Phase: o.phase, Token: o.token, Failures: o.failures}
}

// CreateKeyPair generates a key pair that requires biometric authorization
// for every use. It fails with ErrCapabilityUnavailable, without touching
// the custodian, when the device cannot perform strong authentication.
// An existing key under the alias is replaced.
func (o *Orchestrator) CreateKeyPair(ctx context.Context, prompt interfaces.PromptContext) (*interfaces.KeyPairHandle, error) {
	if !o.gate.IsStrongAuthAvailable(ctx, prompt) {
		o.log.Warn("Strong authentication unavailable, key pair not created")
		return nil, interfaces.ErrCapabilityUnavailable
	}

	handle, err := o.custodian.Generate(ctx, o.alias, interfaces.KeyGenOptions{
		RequireAuthPerUse: true,
		Scheme:            o.scheme,
	})
	if err != nil {
		o.log.Error("Key pair generation failed", "err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrKeyGenerationFailed, err)
	}

	o.rememberScheme(handle.Scheme)
	o.log.Info("Created key pair", slog.String("scheme", string(handle.Scheme)))
	return handle, nil
}

// DeleteKeyPair removes the key pair. It does not require authentication.
func (o *Orchestrator) DeleteKeyPair(ctx context.Context) (bool, error) {
	deleted, err := o.custodian.Delete(ctx, o.alias)
	if err != nil {
		return false, err
	}
	o.rememberScheme("")
	if deleted {
		o.log.Info("Deleted key pair")
	}
	return deleted, nil
}

// Exists reports whether the key pair is present. ExistenceUnknown comes
// with an error wrapping ErrStoreUnavailable.
func (o *Orchestrator) Exists(ctx context.Context) (interfaces.Existence, error) {
	return o.custodian.Exists(ctx, o.alias)
}

// LoadKeyPair returns the handle of an existing key pair.
func (o *Orchestrator) LoadKeyPair(ctx context.Context) (*interfaces.KeyPairHandle, error) {
	handle, err := o.custodian.Load(ctx, o.alias)
	if err != nil {
		return nil, err
	}
	o.rememberScheme(handle.Scheme)
	return handle, nil
}

// EncodePublicKey returns the text encoding of the handle's public key.
func (o *Orchestrator) EncodePublicKey(handle *interfaces.KeyPairHandle) (interfaces.PublicKeyEncoding, error) {
	if handle == nil {
		return "", errors.New("nil key pair handle")
	}
	return cryptoutils.EncodePublicKey(handle.Public)
}

// Verify checks signature over payload against an encoded public key. It
// needs no key pair and no authentication.
func (o *Orchestrator) Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool {
	return o.custodian.Verify(publicKey, payload, signature)
}

// RequestSignature starts a biometric ceremony and signs payload once it
// succeeds. The returned Pending resolves with:
//   - the SignedResult on success
//   - ErrSigningFailed when the custodian rejects the signature
//   - ErrAuthenticationAborted after the failure limit or a gate error
//   - ErrCeremonySuperseded when a newer request replaces this one
//   - ErrCeremonyCancelled when ctx ends or Cancel is called
func (o *Orchestrator) RequestSignature(ctx context.Context, payload []byte, prompt interfaces.PromptContext) *Pending {
	return o.requestSignature(ctx, payload, prompt, nil)
}

// RequestSignatureFunc is RequestSignature with a completion callback.
// onComplete is called exactly once, from whichever goroutine resolves the
// request, and may start a new request.
func (o *Orchestrator) RequestSignatureFunc(ctx context.Context, payload []byte, prompt interfaces.PromptContext, onComplete func(*interfaces.SignedResult, error)) {
	o.requestSignature(ctx, payload, prompt, onComplete)
}

// Cancel aborts the in-flight request, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	req := o.inflight
	if req == nil {
		o.mu.Unlock()
		return
	}
	o.token++
	f := o.finishLocked(req, PhaseClosed)
	o.mu.Unlock()

	o.complete(req, f, nil, interfaces.ErrCeremonyCancelled, metrics.OutcomeCancelled, true)
}

func (o *Orchestrator) requestSignature(ctx context.Context, payload []byte, prompt interfaces.PromptContext, onComplete func(*interfaces.SignedResult, error)) *Pending {
	o.mu.Lock()
	o.token++
	req := &request{
		ctx:     ctx,
		token:   o.token,
		payload: bytes.Clone(payload),
		pending: newPending(o.token, onComplete),
	}

	prev := o.inflight
	var prevFinish finish
	if prev != nil {
		prevFinish = o.finishLocked(prev, PhaseClosed)
	}

	o.failures = 0
	o.inflight = req
	o.phase = PhaseWaitingAuth
	req.stopWatch = context.AfterFunc(ctx, func() { o.cancelRequest(req) })
	o.mu.Unlock()

	o.metrics.CeremonyStarted()
	log := o.log.With(slog.Uint64("token", req.token))

	if prev != nil {
		log.Info("Superseding in-flight signature request", slog.Uint64("supersededToken", prev.token))
		o.complete(prev, prevFinish, nil, interfaces.ErrCeremonySuperseded, metrics.OutcomeSuperseded, true)
	}

	callbacks := interfaces.CeremonyCallbacks{
		OnSuccess:       func() { o.onAuthenticated(req) },
		OnFailedAttempt: func() { o.onFailedAttempt(req) },
		OnError:         func(err error) { o.onGateError(req, err) },
	}

	log.Debug("Starting biometric ceremony")
	handle, err := o.gate.StartCeremony(ctx, interfaces.CeremonyRequest{
		Alias:  o.alias,
		Token:  req.token,
		Prompt: prompt,
	}, callbacks)
	if err != nil {
		log.Warn("Biometric ceremony could not start", "err", err)
		o.onGateError(req, err)
		return req.pending
	}

	o.mu.Lock()
	req.handle = handle
	req.hasHandle = true
	resolved := req.resolved
	o.mu.Unlock()

	// Resolved before the handle was known, for instance by a newer
	// request or a synchronous gate.
	if resolved {
		o.gate.Cancel(handle)
	}

	return req.pending
}

func (o *Orchestrator) onAuthenticated(req *request) {
	o.mu.Lock()
	if !o.isCurrentLocked(req) || req.signing {
		o.mu.Unlock()
		o.log.Debug("Ignoring stale authentication", slog.Uint64("token", req.token))
		return
	}
	req.signing = true
	o.phase = PhaseSigning
	o.mu.Unlock()

	result, err := o.sign(req)

	// Signing ends in DONE whether or not the custodian produced a signature.
	o.mu.Lock()
	f := o.finishLocked(req, PhaseDone)
	o.mu.Unlock()

	if err != nil {
		o.log.Error("Signing failed", slog.Uint64("token", req.token), "err", err)
		o.complete(req, f, nil, fmt.Errorf("%w: %w", interfaces.ErrSigningFailed, err), metrics.OutcomeSignFailed, false)
		return
	}

	o.log.Info("Payload signed", slog.Uint64("token", req.token))
	o.complete(req, f, result, nil, metrics.OutcomeSigned, false)
}

func (o *Orchestrator) sign(req *request) (*interfaces.SignedResult, error) {
	scheme, err := o.signingScheme(req.ctx)
	if err != nil {
		return nil, err
	}

	o.signMu.Lock()
	signature, err := o.custodian.Sign(req.ctx, o.alias, req.payload)
	o.signMu.Unlock()
	if err != nil {
		return nil, err
	}

	return interfaces.NewSignedResult(o.alias, scheme, req.token, req.payload, signature, o.now()), nil
}

func (o *Orchestrator) onFailedAttempt(req *request) {
	o.mu.Lock()
	if !o.isCurrentLocked(req) || req.signing {
		o.mu.Unlock()
		o.log.Debug("Ignoring stale failed attempt", slog.Uint64("token", req.token))
		return
	}
	o.failures++
	failures := o.failures
	var f finish
	if failures >= o.failureLimit {
		f = o.finishLocked(req, PhaseClosed)
	}
	o.mu.Unlock()

	o.metrics.FailedAttempt()
	o.log.Info("Biometric attempt failed",
		slog.Uint64("token", req.token),
		slog.Int("failures", failures),
		slog.Int("limit", o.failureLimit))

	if f.ok {
		err := fmt.Errorf("%w: %d failed attempts", interfaces.ErrAuthenticationAborted, failures)
		o.complete(req, f, nil, err, metrics.OutcomeLimitReached, true)
	}
}

func (o *Orchestrator) onGateError(req *request, gateErr error) {
	o.mu.Lock()
	if !o.isCurrentLocked(req) || req.signing {
		o.mu.Unlock()
		o.log.Debug("Ignoring stale gate error", slog.Uint64("token", req.token), "err", gateErr)
		return
	}
	f := o.finishLocked(req, PhaseClosed)
	o.mu.Unlock()

	o.log.Warn("Biometric ceremony aborted", slog.Uint64("token", req.token), "err", gateErr)
	o.complete(req, f, nil, fmt.Errorf("%w: %w", interfaces.ErrAuthenticationAborted, gateErr), metrics.OutcomeAborted, true)
}

// cancelRequest runs when the request context ends.
func (o *Orchestrator) cancelRequest(req *request) {
	o.mu.Lock()
	if req.resolved {
		o.mu.Unlock()
		return
	}
	if o.inflight == req {
		o.token++
	}
	f := o.finishLocked(req, PhaseClosed)
	o.mu.Unlock()

	o.log.Info("Signature request cancelled", slog.Uint64("token", req.token))
	o.complete(req, f, nil, interfaces.ErrCeremonyCancelled, metrics.OutcomeCancelled, true)
}

func (o *Orchestrator) isCurrentLocked(req *request) bool {
	return o.inflight == req && !req.resolved && req.token == o.token
}

// finish carries what complete needs from the locked section.
type finish struct {
	ok        bool
	handle    interfaces.CeremonyHandle
	hasHandle bool
}

// finishLocked marks req resolved and detaches it. ok is false when req was
// already resolved.
func (o *Orchestrator) finishLocked(req *request, phase Phase) finish {
	if req.resolved {
		return finish{}
	}
	req.resolved = true
	if o.inflight == req {
		o.inflight = nil
		o.phase = phase
	}
	return finish{ok: true, handle: req.handle, hasHandle: req.hasHandle}
}

// complete resolves a request detached by finishLocked. It must be called
// without holding o.mu.
func (o *Orchestrator) complete(req *request, f finish, result *interfaces.SignedResult, err error, outcome string, cancelGate bool) {
	if !f.ok {
		return
	}
	if cancelGate && f.hasHandle {
		o.gate.Cancel(f.handle)
	}
	if req.stopWatch != nil {
		req.stopWatch()
	}
	o.metrics.CeremonyFinished(outcome)
	req.pending.resolve(result, err)
}

func (o *Orchestrator) rememberScheme(scheme interfaces.Scheme) {
	o.mu.Lock()
	o.keyScheme = scheme
	o.mu.Unlock()
}

// signingScheme returns the scheme of the stored key, loading the handle if
// it has not been seen yet.
func (o *Orchestrator) signingScheme(ctx context.Context) (interfaces.Scheme, error) {
	o.mu.Lock()
	scheme := o.keyScheme
	o.mu.Unlock()
	if scheme != "" {
		return scheme, nil
	}

	handle, err := o.LoadKeyPair(ctx)
	if err != nil {
		return "", err
	}
	return handle.Scheme, nil
}
