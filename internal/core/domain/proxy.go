package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type ProxyScheme string

const (
	SchemeHTTP   ProxyScheme = "http"
	SchemeHTTPS  ProxyScheme = "https"
	SchemeSOCKS4 ProxyScheme = "socks4"
	SchemeSOCKS5 ProxyScheme = "socks5"
)

func ParseProxyScheme(s string) (ProxyScheme, error) {
	switch ProxyScheme(strings.ToLower(s)) {
	case SchemeHTTP:
		return SchemeHTTP, nil
	case SchemeHTTPS:
		return SchemeHTTPS, nil
	case SchemeSOCKS4:
		return SchemeSOCKS4, nil
	case SchemeSOCKS5:
		return SchemeSOCKS5, nil
	default:
		return "", NewConfigValidationError("scheme", s, "must be one of http, https, socks4, socks5")
	}
}

type ProxyHealth string

const (
	HealthUnknown   ProxyHealth = "unknown"
	HealthHealthy   ProxyHealth = "healthy"
	HealthDegraded  ProxyHealth = "degraded"
	HealthUnhealthy ProxyHealth = "unhealthy"
)

// ProxyStats holds the live counters for one proxy. All mutation happens
// under the owning pool entry's lock; everything here is plain data.
type ProxyStats struct {
	RequestsStarted   int64 `json:"requests_started"`
	RequestsActive    int64 `json:"requests_active"`
	RequestsCompleted int64 `json:"requests_completed"`
	RequestsSucceeded int64 `json:"requests_succeeded"`
	RequestsFailed    int64 `json:"requests_failed"`

	// EMA over successful completions only
	EMAResponseTimeMs float64 `json:"ema_response_time_ms"`

	WindowStart     time.Time `json:"window_start"`
	WindowSucceeded int64     `json:"window_succeeded"`
	WindowFailed    int64     `json:"window_failed"`

	LastSuccessAt       time.Time `json:"last_success_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastErrorKind       ErrorKind `json:"last_error_kind,omitempty"`
}

func (s *ProxyStats) SuccessRate() float64 {
	completed := s.RequestsCompleted
	if completed < 1 {
		completed = 1
	}
	return float64(s.RequestsSucceeded) / float64(completed)
}

// Proxy is one upstream forward proxy. The Password is carried opaquely for
// dialing and persistence; it never participates in the ID, never renders in
// logs, errors, or exports.
type Proxy struct {
	ID          string      `json:"id" yaml:"id"`
	Scheme      ProxyScheme `json:"scheme" yaml:"scheme"`
	Host        string      `json:"host" yaml:"host"`
	Port        int         `json:"port" yaml:"port"`
	Username    string      `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string      `json:"password,omitempty" yaml:"password,omitempty"`
	CountryCode string      `json:"country_code,omitempty" yaml:"country_code,omitempty"`
	Region      string      `json:"region,omitempty" yaml:"region,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`

	Stats ProxyStats `json:"stats" yaml:"-"`
}

func NewProxy(scheme ProxyScheme, host string, port int, username, password string) *Proxy {
	return &Proxy{
		ID:        ProxyID(scheme, host, port, username),
		Scheme:    scheme,
		Host:      host,
		Port:      port,
		Username:  username,
		Password:  password,
		CreatedAt: time.Now(),
	}
}

// ProxyID derives the stable identity from endpoint coordinates. The password
// is deliberately excluded so rotating a credential keeps breaker and metric
// continuity, and so the id can never leak it.
func ProxyID(scheme ProxyScheme, host string, port int, username string) string {
	sum := sha256.Sum256([]byte(string(scheme) + "|" + strings.ToLower(host) + "|" + strconv.Itoa(port) + "|" + username))
	return hex.EncodeToString(sum[:])[:16]
}

// ParseProxyURL parses scheme://[username[:password]@]host:port with
// URL-encoded credentials and bracketed IPv6 hosts.
func ParseProxyURL(raw string) (*Proxy, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, NewConfigValidationError("proxy_url", "(redacted)", "not a valid URL")
	}

	scheme, err := ParseProxyScheme(u.Scheme)
	if err != nil {
		return nil, err
	}

	host := u.Hostname()
	if host == "" {
		return nil, NewConfigValidationError("proxy_url", "(redacted)", "missing host")
	}

	portStr := u.Port()
	if portStr == "" {
		return nil, NewConfigValidationError("proxy_url", "(redacted)", "missing port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, NewConfigValidationError("proxy_url", portStr, "port must be 1-65535")
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return NewProxy(scheme, host, port, username, password), nil
}

func (p *Proxy) Validate() error {
	if _, err := ParseProxyScheme(string(p.Scheme)); err != nil {
		return err
	}
	if p.Host == "" {
		return NewConfigValidationError("host", p.Host, "must not be empty")
	}
	if p.Port < 1 || p.Port > 65535 {
		return NewConfigValidationError("port", p.Port, "must be 1-65535")
	}
	if p.CountryCode != "" && len(p.CountryCode) != 2 {
		return NewConfigValidationError("country_code", p.CountryCode, "must be ISO-3166-1 alpha-2")
	}
	return nil
}

// Address returns host:port with IPv6 hosts bracketed.
func (p *Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL renders the full proxy URL including credentials, for dialing only.
func (p *Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: string(p.Scheme),
		Host:   p.Address(),
	}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u
}

// Redacted renders the endpoint without credentials, safe for logs and
// exports.
func (p *Proxy) Redacted() string {
	if p.Username == "" {
		return fmt.Sprintf("%s://%s", p.Scheme, p.Address())
	}
	return fmt.Sprintf("%s://***@%s", p.Scheme, p.Address())
}

// HasCredentials reports whether dialing needs proxy authentication.
func (p *Proxy) HasCredentials() bool {
	return p.Username != "" || p.Password != ""
}

const (
	healthUnhealthyConsecutive = 5
	healthDegradedConsecutive  = 2
	healthUnhealthyRate        = 0.25
	healthDegradedRate         = 0.75
	healthMinWindowSamples     = 4
)

// DeriveHealth summarises the window counters for observability. Selection
// never reads this; admission is the breaker's job.
func DeriveHealth(s *ProxyStats) ProxyHealth {
	if s.RequestsCompleted == 0 {
		return HealthUnknown
	}
	if s.ConsecutiveFailures >= healthUnhealthyConsecutive {
		return HealthUnhealthy
	}

	windowTotal := s.WindowSucceeded + s.WindowFailed
	if windowTotal >= healthMinWindowSamples {
		rate := float64(s.WindowSucceeded) / float64(windowTotal)
		if rate < healthUnhealthyRate {
			return HealthUnhealthy
		}
		if rate < healthDegradedRate {
			return HealthDegraded
		}
	}
	if s.ConsecutiveFailures >= healthDegradedConsecutive {
		return HealthDegraded
	}
	return HealthHealthy
}

// ProxyView is the flat snapshot strategies read. Views are produced under
// the pool's locks and never written afterwards, so selection is lock-free.
type ProxyView struct {
	ID          string      `json:"id"`
	Scheme      ProxyScheme `json:"scheme"`
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	CountryCode string      `json:"country_code,omitempty"`
	Region      string      `json:"region,omitempty"`
	Tags        []string    `json:"tags,omitempty"`

	RequestsStarted     int64       `json:"requests_started"`
	RequestsActive      int64       `json:"requests_active"`
	RequestsCompleted   int64       `json:"requests_completed"`
	RequestsSucceeded   int64       `json:"requests_succeeded"`
	RequestsFailed      int64       `json:"requests_failed"`
	EMAResponseTimeMs   float64     `json:"ema_response_time_ms"`
	LastSuccessAt       time.Time   `json:"last_success_at"`
	LastFailureAt       time.Time   `json:"last_failure_at"`
	ConsecutiveFailures int64       `json:"consecutive_failures"`
	Health              ProxyHealth `json:"health"`

	PoolVersion uint64 `json:"pool_version"`
}

func (v *ProxyView) SuccessRate() float64 {
	completed := v.RequestsCompleted
	if completed < 1 {
		completed = 1
	}
	return float64(v.RequestsSucceeded) / float64(completed)
}

// InFlight is the selection metric for least_used.
func (v *ProxyView) InFlight() int64 {
	return v.RequestsStarted - v.RequestsCompleted
}

func (v *ProxyView) HasAllTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		found := false
		for _, have := range v.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
