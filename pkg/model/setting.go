package model

import "time"

const (
	DefaultPollIntervalMs         = 3000
	DefaultFrontendPollIntervalMs = 3000
	DefaultLogRotation            = 100
)

// Setting is the singleton runtime configuration shared by agents and the API
type Setting struct {
	PollIntervalMs         int    `json:"pollIntervalMs" cbor:"poll_interval_ms" validate:"gte=500,lte=3600000"`
	FrontendPollIntervalMs int    `json:"frontendPollIntervalMs" cbor:"frontend_poll_interval_ms" validate:"gte=500,lte=3600000"`
	LogRotation            int    `json:"logRotation" cbor:"log_rotation" validate:"gte=1,lte=100000"`
	ExcludeDaemon          bool   `json:"excludeDaemon" cbor:"exclude_daemon"`
	ShowcaseMode           bool   `json:"showcaseMode" cbor:"showcase_mode"`
	RegistrationCode       string `json:"registrationCode,omitempty" cbor:"registration_code,omitempty" validate:"omitempty,len=6"`
	ProcessPin             string `json:"processPin,omitempty" cbor:"process_pin,omitempty" validate:"omitempty,max=32"`
}

// DefaultSetting is used when no Setting is stored or the stored one is malformed.
// Showcase mode defaults on so a fresh deployment serves a read-only status page.
func DefaultSetting() Setting {
	return Setting{
		PollIntervalMs:         DefaultPollIntervalMs,
		FrontendPollIntervalMs: DefaultFrontendPollIntervalMs,
		LogRotation:            DefaultLogRotation,
		ShowcaseMode:           true,
	}
}

func (s Setting) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}
