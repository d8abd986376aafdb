package rotator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

type verdict int

const (
	// verdictReturn hands the response to the caller: a success status, or a
	// non-retryable one the caller must see.
	verdictReturn verdict = iota
	// verdictRetry burns the proxy for this request and tries another.
	verdictRetry
	// verdictFail ends the request with the attempt's classified error.
	verdictFail
	// verdictAbort means the caller went away mid-dispatch.
	verdictAbort
)

type attemptResult struct {
	resp    *domain.Response
	failure *domain.DispatchFailure
	verdict verdict
}

// Execute runs one logical request to completion: at most the policy's
// attempt count, each dispatch through a distinct proxy while alternatives
// remain. Non-idempotent methods get a single attempt unless the policy opts
// them in.
func (s *Service) Execute(ctx context.Context, req *domain.Request, opts *RequestOptions) (*domain.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	policy := s.RetryPolicy().Merge(opts.retryOverride())
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	maxAttempts := policy.MaxAttempts
	if !policy.AllowNonIdempotent && !policy.IsIdempotent(method) {
		maxAttempts = 1
	}

	if policy.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.TotalTimeout)
		defer cancel()
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	sel := opts.selectionContext()
	sel.Admit = s.breakers.Admits

	var (
		lastResp   *domain.Response
		lastErr    error
		lastKind   domain.ErrorKind
		lastStatus int
		lastProxy  string
		waited     time.Duration
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastResp, wrapContextErr(err, attempt-1)
		}

		if err := s.admitCaller(ctx, opts, attempt-1); err != nil {
			return lastResp, err
		}

		proxy, err := s.selectAdmitted(ctx, sel)
		if err != nil {
			return lastResp, err
		}

		res := s.attempt(ctx, req, proxy, attempt, waited, &policy)
		switch res.verdict {
		case verdictReturn:
			return res.resp, nil

		case verdictFail:
			return nil, res.failure

		case verdictAbort:
			cause := ctx.Err()
			if cause == nil {
				cause = context.Canceled
			}
			return nil, wrapContextErr(cause, attempt)

		case verdictRetry:
			if res.resp != nil {
				lastResp = res.resp
				lastErr = nil
				lastKind = domain.KindForStatus(res.resp.StatusCode)
				lastStatus = res.resp.StatusCode
				lastProxy = res.resp.ProxyID
			} else {
				lastResp = nil
				lastErr = res.failure
				lastKind = res.failure.Kind
				lastStatus = 0
				lastProxy = res.failure.ProxyID
			}
		}

		if attempt >= maxAttempts {
			return lastResp, &domain.RetryExhaustedError{
				Err:         lastErr,
				Attempts:    attempt,
				LastKind:    lastKind,
				LastStatus:  lastStatus,
				LastProxyID: lastProxy,
			}
		}

		sel.MarkFailed(proxy.ID)
		if sel.TargetRegion != "" {
			sel.RegionBonus = s.cfg.RegionBonus
		}

		delay := backoffDelay(policy, attempt-1, s.jitterScale(policy.JitterRatio))

		if err := ctx.Err(); err != nil {
			return lastResp, wrapContextErr(err, attempt)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			// the pause alone would blow the budget; stop here
			return lastResp, &domain.RetryExhaustedError{
				Err:         lastErr,
				Attempts:    attempt,
				LastKind:    lastKind,
				LastStatus:  lastStatus,
				LastProxyID: lastProxy,
			}
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return lastResp, wrapContextErr(err, attempt)
		}
		waited = delay
	}
}

// attempt dispatches once and settles the books: pool statistics, breaker
// verdict and the metrics event all move here, exactly once per dispatch.
func (s *Service) attempt(ctx context.Context, req *domain.Request, proxy *domain.Proxy,
	attemptNo int, waited time.Duration, policy *domain.RetryPolicy) attemptResult {

	_ = s.pool.MarkStarted(proxy.ID)
	resp, err := s.dispatcher.Dispatch(ctx, req, proxy)

	ev := domain.AttemptEvent{
		Timestamp:    time.Now(),
		ProxyID:      proxy.ID,
		AttemptNo:    attemptNo,
		RetriedAfter: waited,
	}

	if err != nil {
		var failure *domain.DispatchFailure
		if !errors.As(err, &failure) {
			failure = domain.NewDispatchFailure(proxy.ID, domain.ErrKindProtocol, 0, err)
		}
		ev.Kind = failure.Kind
		ev.LatencyMs = failure.Latency.Milliseconds()

		if failure.Kind == domain.ErrKindCancelled {
			// no verdict for the proxy; roll the started counters back
			_ = s.pool.MarkAbandoned(proxy.ID)
			s.breakers.ReleaseProbe(proxy.ID)
			s.emit(ev)
			return attemptResult{failure: failure, verdict: verdictAbort}
		}

		retryable := policy.IsRetryableKind(failure.Kind)
		if retryable || failure.Kind.ProxyAttributable() {
			_ = s.pool.RecordOutcome(proxy.ID, domain.FailureOutcome(failure.Kind, 0, failure.Latency))
		} else {
			// target-side failure the policy will not retry: no blame
			_ = s.pool.MarkAbandoned(proxy.ID)
		}
		if failure.Kind.ProxyAttributable() {
			s.breakers.RecordFailure(proxy.ID)
		} else {
			s.breakers.ReleaseProbe(proxy.ID)
		}
		s.emit(ev)

		if s.logger != nil {
			s.logger.WarnWithProxy("Attempt failed", proxy.ID,
				"attempt", attemptNo,
				"kind", string(failure.Kind),
				"retryable", retryable)
		}

		v := verdictFail
		if retryable {
			v = verdictRetry
		}
		return attemptResult{failure: failure, verdict: v}
	}

	latency := time.Duration(resp.ElapsedMs) * time.Millisecond
	ev.StatusCode = resp.StatusCode
	ev.LatencyMs = resp.ElapsedMs

	if !resp.IsSuccess() && policy.IsRetryableStatus(resp.StatusCode) {
		kind := domain.KindForStatus(resp.StatusCode)
		ev.Kind = kind
		_ = s.pool.RecordOutcome(proxy.ID, domain.FailureOutcome(kind, resp.StatusCode, latency))
		// a relayed status says nothing about the proxy itself, so the
		// breaker window only moves for proxy-attributable kinds
		if kind.ProxyAttributable() {
			s.breakers.RecordFailure(proxy.ID)
		} else {
			s.breakers.ReleaseProbe(proxy.ID)
		}
		s.emit(ev)
		return attemptResult{resp: resp, verdict: verdictRetry}
	}

	// success, or a status the caller must handle; either way the relay
	// worked and the proxy is credited
	ev.Success = true
	_ = s.pool.RecordOutcome(proxy.ID, domain.SuccessOutcome(resp.StatusCode, latency))
	s.breakers.RecordSuccess(proxy.ID)
	s.emit(ev)
	return attemptResult{resp: resp, verdict: verdictReturn}
}

// admitCaller clears the rate limiter for the request's identity, optionally
// sleeping out denials when the caller asked to wait.
func (s *Service) admitCaller(ctx context.Context, opts *RequestOptions, attemptsSoFar int) error {
	if opts == nil || opts.RateLimitKey == "" {
		return nil
	}
	limiter := s.currentLimiter()
	if limiter == nil {
		return nil
	}

	for {
		res, err := limiter.Check(ctx, opts.RateLimitKey, opts.RateLimitEndpoint, opts.RateLimitTier)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		if rl, ok := s.sink.(interface{ RecordRateLimited() }); ok {
			rl.RecordRateLimited()
		}

		denied := &domain.RateLimitedError{
			Identifier: opts.RateLimitKey,
			Limit:      res.Limit,
			Remaining:  res.Remaining,
			RetryAfter: res.RetryAfter,
			ResetAt:    res.ResetAt,
		}
		if !opts.RateLimitWait {
			return denied
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = time.Until(res.ResetAt)
		}
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
			return denied
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return wrapContextErr(err, attemptsSoFar)
		}
	}
}

// selectAdmitted resolves one dispatchable proxy: strategy pick, then the
// consuming breaker admission, then the live record. Raced-away picks are
// excluded locally and selection repeats without burning an attempt.
func (s *Service) selectAdmitted(ctx context.Context, sel *domain.SelectionContext) (*domain.Proxy, error) {
	local := *sel
	local.FailedIDs = maps.Clone(sel.FailedIDs)

	budget := s.pool.Len() + 1
	for try := 0; try <= budget; try++ {
		view, err := s.selectOne(ctx, &local)
		if err != nil {
			return nil, err
		}

		allowed, _ := s.breakers.Admit(view.ID)
		if !allowed {
			// lost the probe slot between snapshot and admission
			local.MarkFailed(view.ID)
			continue
		}

		proxy, ok := s.pool.Get(view.ID)
		if !ok {
			// removed between snapshot and admission
			s.breakers.ReleaseProbe(view.ID)
			local.MarkFailed(view.ID)
			continue
		}
		return proxy, nil
	}
	return nil, domain.ErrNoProxyAvailable
}

func (s *Service) selectOne(ctx context.Context, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	views := s.pool.Snapshot()
	if len(views) == 0 {
		return nil, domain.ErrNoProxyAvailable
	}

	// a pool of one may retry its only proxy rather than fail the request
	if len(views) == 1 {
		delete(sel.FailedIDs, views[0].ID)
	}

	st := s.currentStrategy()
	view, err := st.Select(ctx, views, sel)
	if err == nil {
		return view, nil
	}
	if !errors.Is(err, domain.ErrNoProxyAvailable) {
		return nil, err
	}
	return nil, s.noCandidateError(st.Name(), views, sel)
}

// noCandidateError tells apart "every candidate sits behind an open breaker"
// from "nothing matched at all": candidates that survive the failed set and
// tag filter but fail only breaker admission mean the circuits are the
// blocker.
func (s *Service) noCandidateError(strategyName string, views []*domain.ProxyView, sel *domain.SelectionContext) error {
	sentinel := domain.ErrNoProxyAvailable
	blockedByCircuits := false
	for _, v := range views {
		if sel.IsFailed(v.ID) || !v.HasAllTags(sel.RequiredTags) {
			continue
		}
		if sel.Admit == nil || sel.Admit(v.ID) {
			// fully admissible yet refused: the strategy had its own reason
			blockedByCircuits = false
			break
		}
		blockedByCircuits = true
	}
	if blockedByCircuits {
		sentinel = domain.ErrAllCircuitsOpen
	}

	if s.logger != nil {
		s.logger.Warn("Proxy selection failed",
			"strategy", strategyName,
			"candidates", len(views),
			"reason", sentinel.Error())
	}
	return domain.NewSelectionError(strategyName, len(views), sentinel)
}

func (s *Service) emit(ev domain.AttemptEvent) {
	if s.sink != nil {
		s.sink.RecordAttempt(ev)
	}
}

func wrapContextErr(err error, attempts int) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %d attempts", domain.ErrDeadlineExceeded, attempts)
	}
	return fmt.Errorf("%w after %d attempts", domain.ErrCancelled, attempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
