package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/archive"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/config"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/controlplane"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/effector"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/operator"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/safety"
)

// operatorKeyID is the kid of tokens signed with EXOARMUR_OPERATOR_KEY.
const operatorKeyID = "exoarmur-operator"

// app is the per-invocation wiring of configuration, sink and control plane.
type app struct {
	cfg    *config.Config
	policy *config.Policy
	gate   *safety.Gate
	logger *slog.Logger
	sink   *audit.SQLSink
	cp     *controlplane.ControlPlane
	tokens *operator.TokenManager
	obs    *observability.Provider
	redis  *executor.RedisIdempotencyStore
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func loadPolicy(cfg *config.Config) (*config.Policy, error) {
	if cfg.PolicyFile == "" {
		return config.DefaultPolicy(), nil
	}
	return config.LoadPolicy(cfg.PolicyFile, cfg.PolicySHA256)
}

// stateFromPolicy seeds the provider state the gate polls.
func stateFromPolicy(p *config.Policy) *controlplane.StaticState {
	s := controlplane.NewStaticState().
		SetPolicyVerified(p.Verified, p.BundleHash).
		SetGlobalKillSwitch(p.KillSwitch.Global)
	for _, tenant := range p.KillSwitch.Tenants {
		s.SetTenantKillSwitch(tenant, true)
	}
	if p.Trust.Default != nil {
		s.SetTrust("", *p.Trust.Default)
	}
	for emitter, score := range p.Trust.Emitters {
		s.SetTrust(emitter, score)
	}
	return s
}

func tokenManager(cfg *config.Config) (*operator.TokenManager, error) {
	if cfg.OperatorKey == "" {
		return nil, nil
	}
	seed, err := operator.ParseSeed(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("EXOARMUR_OPERATOR_KEY: %w", err)
	}
	ks, err := operator.NewKeySetFromSeed(operatorKeyID, seed)
	if err != nil {
		return nil, err
	}
	return operator.NewTokenManager(ks), nil
}

func archiveConfig(cfg *config.Config) archive.Config {
	return archive.Config{
		Backend: archive.Backend(cfg.ArchiveBackend),
		Dir:     cfg.ArchiveDir,
		S3: archive.S3Config{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   cfg.ArchivePrefix,
		},
		GCS: archive.GCSConfig{Bucket: cfg.ArchiveBucket, Prefix: cfg.ArchivePrefix},
	}
}

// openApp loads configuration, opens the audit sink and builds a control
// plane rehydrated from it.
func openApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg, stderr)}
	slog.SetDefault(a.logger)

	if cfg.Telemetry {
		obsCfg := observability.DefaultConfig()
		if cfg.OTLPEndpoint != "" {
			obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		if a.obs, err = observability.New(ctx, obsCfg); err != nil {
			return nil, err
		}
	} else {
		a.obs, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}

	if a.policy, err = loadPolicy(cfg); err != nil {
		a.close(ctx)
		return nil, err
	}
	if !a.policy.Verified {
		a.logger.Warn("policy bundle hash does not match EXOARMUR_POLICY_SHA256; non-observe actions degrade to quorum",
			"bundle_hash", a.policy.BundleHash)
	}
	if a.gate, err = a.policy.Gate(); err != nil {
		a.close(ctx)
		return nil, err
	}
	if a.tokens, err = tokenManager(cfg); err != nil {
		a.close(ctx)
		return nil, err
	}

	if a.sink, err = audit.OpenSQLSink(ctx, cfg.DBDriver, cfg.DatabaseURL); err != nil {
		a.close(ctx)
		return nil, err
	}

	ttl := cfg.ApprovalTTL
	if ttl == 0 {
		ttl = a.policy.ApprovalTTL
	}
	state := stateFromPolicy(a.policy)
	opts := controlplane.Options{
		Sink:        a.sink,
		Effector:    effector.NewGuarded(effector.NewLogEffector(a.logger), 10, 5, effector.DefaultBackoffPolicy()),
		Gate:        a.gate,
		Policy:      state,
		Trust:       state,
		Environment: state,
		ApprovalTTL: ttl,
		Logger:      a.logger,
	}
	if cfg.RedisAddr != "" {
		a.redis = executor.NewRedisIdempotencyStore(cfg.RedisAddr, "", 0, 0)
		if err := a.redis.Ping(ctx); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		opts.Idempotency = a.redis
	}
	if a.cp, err = controlplane.New(opts); err != nil {
		a.close(ctx)
		return nil, err
	}
	if _, err := a.cp.Rehydrate(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// operatorFor resolves the acting operator. With an operator key configured
// only a valid token carrying role is accepted; otherwise the named operator
// is trusted as given.
func (a *app) operatorFor(token, named, role string) (string, error) {
	if a.tokens != nil {
		if token == "" {
			return "", errors.New("an operator token is required (--token or EXOARMUR_OPERATOR_TOKEN)")
		}
		return a.tokens.Authorize(token, role)
	}
	if named == "" {
		return "", errors.New("--operator is required")
	}
	return named, nil
}

func (a *app) close(ctx context.Context) {
	if a.sink != nil {
		_ = a.sink.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.obs != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.obs.Shutdown(shutdownCtx)
	}
}
