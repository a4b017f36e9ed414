package rediscluster

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryParams configures the Request State Machine's bounded retry and
// backoff, per spec.md §3.
type RetryParams struct {
	NumberOfRetries int           `yaml:"number_of_retries"`
	BaseWait        time.Duration `yaml:"base_wait"`
	MaxWait         time.Duration `yaml:"max_wait"`
}

func defaultRetryParams() RetryParams {
	return RetryParams{
		NumberOfRetries: 5,
		BaseWait:        10 * time.Millisecond,
		MaxWait:         2 * time.Second,
	}
}

// ClusterParams is the recognized configuration surface of spec.md §3/§6.
// Modeled on circleci-ex's ClusterOptions field naming
// (MaxRedirects/ReadOnly/DialTimeout family), adapted to this core's names.
type ClusterParams struct {
	ReadFromReplicas ReadFromReplicasStrategy `yaml:"read_from_replicas"`
	Username         string                   `yaml:"username"`
	Password         string                   `yaml:"password"`
	TLSMode          TLSMode                  `yaml:"tls_mode"`
	ConnectionTimeout time.Duration           `yaml:"connection_timeout"`
	ResponseTimeout  time.Duration            `yaml:"response_timeout"`
	Retry            RetryParams              `yaml:"retry_params"`
	TopologyChecksInterval time.Duration      `yaml:"topology_checks_interval"`
}

// DefaultClusterParams returns the zero-config defaults, per spec.md §6.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{
		ReadFromReplicas:       AlwaysFromPrimary,
		TLSMode:                TLSNone,
		ConnectionTimeout:      5 * time.Second,
		ResponseTimeout:        0, // unbounded unless set
		Retry:                  defaultRetryParams(),
		TopologyChecksInterval: 5 * time.Second,
	}
}

// Option configures a ClusterParams, in the functional-options style of
// kevwan-radix.v2's Opts / circleci-ex's ClusterOptions.
type Option func(*ClusterParams)

func WithReadFromReplicas(s ReadFromReplicasStrategy) Option {
	return func(p *ClusterParams) { p.ReadFromReplicas = s }
}

func WithCredentials(username, password string) Option {
	return func(p *ClusterParams) { p.Username = username; p.Password = password }
}

func WithTLSMode(m TLSMode) Option {
	return func(p *ClusterParams) { p.TLSMode = m }
}

func WithConnectionTimeout(d time.Duration) Option {
	return func(p *ClusterParams) { p.ConnectionTimeout = d }
}

func WithResponseTimeout(d time.Duration) Option {
	return func(p *ClusterParams) { p.ResponseTimeout = d }
}

func WithRetryParams(r RetryParams) Option {
	return func(p *ClusterParams) { p.Retry = r }
}

func WithTopologyChecksInterval(d time.Duration) Option {
	return func(p *ClusterParams) { p.TopologyChecksInterval = d }
}

// NewClusterParams builds a ClusterParams from defaults plus options, and
// validates it, per spec.md §6 ("zero is invalid for timeouts").
func NewClusterParams(opts ...Option) (ClusterParams, error) {
	p := DefaultClusterParams()
	for _, o := range opts {
		o(&p)
	}
	if err := p.Validate(); err != nil {
		return ClusterParams{}, err
	}
	return p, nil
}

// Validate checks the recognized option set's invariants.
func (p ClusterParams) Validate() error {
	if p.ConnectionTimeout <= 0 {
		return newErr(KindInvalidClientConfig, "connection_timeout must be > 0")
	}
	if p.Retry.NumberOfRetries < 0 {
		return newErr(KindInvalidClientConfig, "number_of_retries must be >= 0")
	}
	if p.Retry.BaseWait <= 0 || p.Retry.MaxWait <= 0 {
		return newErr(KindInvalidClientConfig, "retry base_wait/max_wait must be > 0")
	}
	return nil
}

// LoadClusterParams reads a YAML document into a ClusterParams, layered
// over the defaults, then validates it. This is additive convenience
// (SPEC_FULL.md §3) on top of the recognized option set of spec.md §3/§6 —
// grounded on the teacher's indirect gopkg.in/yaml.v3 dependency, promoted
// to direct, in the manner of boomballa-df2redis's own YAML config loader.
func LoadClusterParams(r io.Reader) (ClusterParams, error) {
	p := DefaultClusterParams()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return ClusterParams{}, wrapErr(KindInvalidClientConfig, "failed to parse cluster params", err)
	}
	if err := p.Validate(); err != nil {
		return ClusterParams{}, err
	}
	return p, nil
}
