// Package settings serves the singleton runtime Setting.
//
// A missing or malformed stored Setting never fails a caller: defaults are
// returned and a warning is logged instead.
package settings

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/go-playground/validator/v10"
)

type Provider struct {
	store     store.SettingStore
	validate  *validator.Validate
	maxAge    time.Duration
	logger    logging.Logger
	now       func() time.Time
	mu        sync.Mutex
	cached    *model.Setting
	fetchedAt time.Time
}

// NewProvider returns a provider caching the Setting for maxAge; zero disables caching
func NewProvider(settingStore store.SettingStore, maxAge time.Duration, logger logging.Logger) *Provider {
	return &Provider{
		store:    settingStore,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Provider) Get(ctx context.Context) model.Setting {
	p.mu.Lock()
	if p.cached != nil && p.maxAge > 0 && p.now().Sub(p.fetchedAt) < p.maxAge {
		setting := *p.cached
		p.mu.Unlock()
		return setting
	}
	p.mu.Unlock()

	setting := p.load(ctx)

	p.mu.Lock()
	p.cached = &setting
	p.fetchedAt = p.now()
	p.mu.Unlock()
	return setting
}

func (p *Provider) load(ctx context.Context) model.Setting {
	setting, found, err := p.store.GetSetting(ctx)
	if err != nil {
		p.logger.Warnf("Failed to read setting, using defaults: %v", err)
		return model.DefaultSetting()
	}
	if !found {
		p.logger.Warnf("No setting stored, using defaults")
		return model.DefaultSetting()
	}
	if err := p.Validate(setting); err != nil {
		p.logger.Warnf("Stored setting is invalid, using defaults: %v", err)
		return model.DefaultSetting()
	}
	return setting
}

func (p *Provider) Validate(setting model.Setting) error {
	if err := p.validate.Struct(setting); err != nil {
		return errors.NewValidationError("invalid setting", err)
	}
	return nil
}

// Put validates and stores setting, then drops the cached copy
func (p *Provider) Put(ctx context.Context, setting model.Setting) error {
	if err := p.Validate(setting); err != nil {
		return err
	}
	if err := p.store.PutSetting(ctx, setting); err != nil {
		return err
	}
	p.Invalidate()
	p.logger.Infof("Setting updated, poll_interval_ms: %d, log_rotation: %d", setting.PollIntervalMs, setting.LogRotation)
	return nil
}

func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// EnsureDefault stores the default Setting when none exists yet
func (p *Provider) EnsureDefault(ctx context.Context) error {
	_, found, err := p.store.GetSetting(ctx)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	p.logger.Infof("Seeding default setting")
	return p.store.PutSetting(ctx, model.DefaultSetting())
}

// VerifyPin checks pin against the configured process PIN.
// No configured PIN means every pin is accepted.
func (p *Provider) VerifyPin(ctx context.Context, pin string) bool {
	setting := p.Get(ctx)
	if setting.ProcessPin == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(setting.ProcessPin), []byte(pin)) == 1
}
