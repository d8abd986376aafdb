package domain

import (
	"slices"
	"strings"
	"time"
)

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy governs the attempt loop. Zero TotalTimeout means no overall
// deadline beyond the caller's context.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff            BackoffKind   `json:"backoff" yaml:"backoff"`
	BaseDelay          time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier         float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay           time.Duration `json:"max_delay" yaml:"max_delay"`
	JitterRatio        float64       `json:"jitter_ratio" yaml:"jitter_ratio"`
	TotalTimeout       time.Duration `json:"total_timeout,omitempty" yaml:"total_timeout"`
	RetryStatusCodes   []int         `json:"retry_status_codes" yaml:"retry_status_codes"`
	RetryErrorKinds    []ErrorKind   `json:"retry_error_kinds" yaml:"retry_error_kinds"`
	IdempotentMethods  []string      `json:"idempotent_methods" yaml:"idempotent_methods"`
	AllowNonIdempotent bool          `json:"allow_non_idempotent" yaml:"allow_non_idempotent"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		Backoff:           BackoffExponential,
		BaseDelay:         500 * time.Millisecond,
		Multiplier:        2.0,
		MaxDelay:          30 * time.Second,
		JitterRatio:       0.2,
		RetryStatusCodes:  []int{502, 503, 504},
		RetryErrorKinds:   []ErrorKind{ErrKindConnect, ErrKindReadTimeout, ErrKindWriteTimeout, ErrKindDNS, ErrKindProtocol},
		IdempotentMethods: []string{"GET", "HEAD", "OPTIONS"},
	}
}

func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return NewConfigValidationError("max_attempts", p.MaxAttempts, "must be 1-10")
	}
	switch p.Backoff {
	case BackoffExponential, BackoffLinear, BackoffFixed:
	default:
		return NewConfigValidationError("backoff", string(p.Backoff), "must be exponential, linear or fixed")
	}
	if p.BaseDelay < 100*time.Millisecond || p.BaseDelay > 60*time.Second {
		return NewConfigValidationError("base_delay", p.BaseDelay.String(), "must be 100ms-60s")
	}
	if p.Backoff == BackoffExponential && (p.Multiplier < 1.1 || p.Multiplier > 10) {
		return NewConfigValidationError("multiplier", p.Multiplier, "must be 1.1-10 for exponential backoff")
	}
	if p.MaxDelay < time.Second || p.MaxDelay > 300*time.Second {
		return NewConfigValidationError("max_delay", p.MaxDelay.String(), "must be 1s-300s")
	}
	if p.JitterRatio < 0 || p.JitterRatio > 0.5 {
		return NewConfigValidationError("jitter_ratio", p.JitterRatio, "must be 0-0.5")
	}
	if p.TotalTimeout < 0 {
		return NewConfigValidationError("total_timeout", p.TotalTimeout.String(), "must not be negative")
	}
	for _, code := range p.RetryStatusCodes {
		if code < 100 || code > 599 {
			return NewConfigValidationError("retry_status_codes", code, "must be valid HTTP status codes")
		}
	}
	for _, kind := range p.RetryErrorKinds {
		switch kind {
		case ErrKindConnect, ErrKindTLS, ErrKindReadTimeout, ErrKindWriteTimeout,
			ErrKindDNS, ErrKindProtocol, ErrKindProxy5xx, ErrKindUpstream4xx, ErrKindUpstream5xx:
		default:
			return NewConfigValidationError("retry_error_kinds", string(kind), "unknown error kind")
		}
	}
	return nil
}

// RetryOverride is a per-call partial policy; nil fields inherit.
type RetryOverride struct {
	MaxAttempts        *int           `json:"max_attempts,omitempty"`
	Backoff            *BackoffKind   `json:"backoff,omitempty"`
	BaseDelay          *time.Duration `json:"base_delay,omitempty"`
	Multiplier         *float64       `json:"multiplier,omitempty"`
	MaxDelay           *time.Duration `json:"max_delay,omitempty"`
	JitterRatio        *float64       `json:"jitter_ratio,omitempty"`
	TotalTimeout       *time.Duration `json:"total_timeout,omitempty"`
	RetryStatusCodes   []int          `json:"retry_status_codes,omitempty"`
	RetryErrorKinds    []ErrorKind    `json:"retry_error_kinds,omitempty"`
	IdempotentMethods  []string       `json:"idempotent_methods,omitempty"`
	AllowNonIdempotent *bool          `json:"allow_non_idempotent,omitempty"`
}

// Merge overlays the override on a copy of the base policy. The result is
// validated by the caller before use.
func (p RetryPolicy) Merge(o *RetryOverride) RetryPolicy {
	if o == nil {
		return p
	}
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.Backoff != nil {
		p.Backoff = *o.Backoff
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.Multiplier != nil {
		p.Multiplier = *o.Multiplier
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.JitterRatio != nil {
		p.JitterRatio = *o.JitterRatio
	}
	if o.TotalTimeout != nil {
		p.TotalTimeout = *o.TotalTimeout
	}
	if o.RetryStatusCodes != nil {
		p.RetryStatusCodes = slices.Clone(o.RetryStatusCodes)
	}
	if o.RetryErrorKinds != nil {
		p.RetryErrorKinds = slices.Clone(o.RetryErrorKinds)
	}
	if o.IdempotentMethods != nil {
		p.IdempotentMethods = slices.Clone(o.IdempotentMethods)
	}
	if o.AllowNonIdempotent != nil {
		p.AllowNonIdempotent = *o.AllowNonIdempotent
	}
	return p
}

func (p *RetryPolicy) IsIdempotent(method string) bool {
	return slices.Contains(p.IdempotentMethods, strings.ToUpper(method))
}

func (p *RetryPolicy) IsRetryableStatus(status int) bool {
	return slices.Contains(p.RetryStatusCodes, status)
}

func (p *RetryPolicy) IsRetryableKind(kind ErrorKind) bool {
	return slices.Contains(p.RetryErrorKinds, kind)
}
