package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/safety"
)

// SupportedPolicyVersions is the semver constraint a policy file's version
// must satisfy.
const SupportedPolicyVersions = "^1.0.0"

// ErrUnsupportedPolicy is returned for policy files outside
// SupportedPolicyVersions.
var ErrUnsupportedPolicy = errors.New("config: unsupported policy version")

// Policy is the control-plane policy file.
//
//nolint:govet // fieldalignment: struct layout mirrors the policy file
type Policy struct {
	Version     string                              `yaml:"version"`
	ApprovalTTL time.Duration                       `yaml:"approval_ttl,omitempty"`
	Thresholds  safety.ThresholdOverride            `yaml:"thresholds"`
	Tenants     map[string]safety.ThresholdOverride `yaml:"tenants,omitempty"`
	Rules       []safety.RuleSpec                   `yaml:"rules,omitempty"`
	KillSwitch  KillSwitches                        `yaml:"kill_switch,omitempty"`
	Trust       TrustScores                         `yaml:"trust,omitempty"`

	// BundleHash is the SHA-256 of the file as read. It is not part of the
	// YAML.
	BundleHash string `yaml:"-"`
	// Verified is false when an expected hash was supplied and did not match.
	Verified bool `yaml:"-"`
}

// KillSwitches are the policy-level kill switches.
type KillSwitches struct {
	Global  bool     `yaml:"global"`
	Tenants []string `yaml:"tenants,omitempty"`
}

// TrustScores assigns emitter trust. Emitters not listed get Default.
type TrustScores struct {
	Default  *float64           `yaml:"default,omitempty"`
	Emitters map[string]float64 `yaml:"emitters,omitempty"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:    "1.0.0",
		Verified:   true,
	}
}

// LoadPolicy reads and validates a policy file. When expectedHash is
// non-empty the file's SHA-256 must equal it for the policy to count as
// verified; a mismatch still loads the policy but marks it unverified.
func LoadPolicy(path, expectedHash string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	p.Verified = expectedHash == "" || expectedHash == p.BundleHash
	return p, nil
}

// ParsePolicy parses policy YAML. Unknown keys are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	if err := checkVersion(p.Version); err != nil {
		return nil, err
	}
	if p.ApprovalTTL < 0 {
		return nil, fmt.Errorf("approval_ttl must not be negative")
	}
	if err := checkThresholds("thresholds", p.Thresholds); err != nil {
		return nil, err
	}
	for tenant, th := range p.Tenants {
		if err := checkThresholds("tenants."+tenant, th); err != nil {
			return nil, err
		}
	}
	if p.Trust.Default != nil {
		if err := checkUnit("trust.default", *p.Trust.Default); err != nil {
			return nil, err
		}
	}
	for emitter, score := range p.Trust.Emitters {
		if err := checkUnit("trust.emitters."+emitter, score); err != nil {
			return nil, err
		}
	}
	if _, err := p.CompileRules(); err != nil {
		return nil, err
	}

	p.BundleHash = canonicalize.HashBytes(data)
	p.Verified = true
	return &p, nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: version is required", ErrUnsupportedPolicy)
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsupportedPolicy, v, err)
	}
	c, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedPolicy, ver, SupportedPolicyVersions)
	}
	return nil
}

func checkThresholds(path string, t safety.ThresholdOverride) error {
	for name, v := range map[string]*float64{
		"min_trust_score":         t.MinTrustScore,
		"a1_confidence":           t.A1Confidence,
		"a2_aggregate_confidence": t.A2AggregateConfidence,
		"a3_confidence":           t.A3Confidence,
	} {
		if v == nil {
			continue
		}
		if err := checkUnit(path+"."+name, *v); err != nil {
			return err
		}
	}
	for _, q := range []*int{t.A2MinQuorum, t.A3MinQuorum} {
		if q != nil && *q < 0 {
			return fmt.Errorf("%s: quorum must not be negative", path)
		}
	}
	return nil
}

func checkUnit(path string, v float64) error {
	if !(v >= 0 && v <= 1) {
		return fmt.Errorf("%s: %v is outside [0, 1]", path, v)
	}
	return nil
}

// ThresholdSet returns the gate thresholds. Fields the file leaves out fall
// back to the built-in defaults; fields it sets, zero included, are kept.
func (p *Policy) ThresholdSet() safety.ThresholdSet {
	return safety.ThresholdSet{Default: p.Thresholds.Apply(safety.DefaultThresholds()), Tenants: p.Tenants}
}

// CompileRules compiles the escalation rules.
func (p *Policy) CompileRules() ([]*safety.Rule, error) {
	return safety.CompileRules(p.Rules)
}

// Gate builds the Safety Gate the policy describes.
func (p *Policy) Gate() (*safety.Gate, error) {
	rules, err := p.CompileRules()
	if err != nil {
		return nil, err
	}
	return safety.NewGate(p.ThresholdSet(), rules...), nil
}
