package settings

import (
	"context"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSettingStore struct {
	mock.Mock
}

func (m *MockSettingStore) GetSetting(ctx context.Context) (model.Setting, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.Setting), args.Bool(1), args.Error(2)
}

func (m *MockSettingStore) PutSetting(ctx context.Context, setting model.Setting) error {
	args := m.Called(ctx, setting)
	return args.Error(0)
}

func TestGet_DefaultsWhenMissingOrBroken(t *testing.T) {
	invalid := model.DefaultSetting()
	invalid.PollIntervalMs = 10

	tests := []struct {
		name    string
		setting model.Setting
		found   bool
		err     error
	}{
		{"missing", model.Setting{}, false, nil},
		{"store error", model.Setting{}, false, errors.NewIOError("disk gone", nil)},
		{"invalid", invalid, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &MockSettingStore{}
			st.On("GetSetting", mock.Anything).Return(tt.setting, tt.found, tt.err)

			p := NewProvider(st, 0, logging.NewNullLogger())
			got := p.Get(context.Background())

			assert.Equal(t, model.DefaultSetting(), got)
			assert.True(t, got.ShowcaseMode)
			assert.Equal(t, 3*time.Second, got.PollInterval())
		})
	}
}

func TestGet_CachesForMaxAge(t *testing.T) {
	stored := model.DefaultSetting()
	stored.PollIntervalMs = 7000

	st := &MockSettingStore{}
	st.On("GetSetting", mock.Anything).Return(stored, true, nil)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewProvider(st, time.Minute, logging.NewNullLogger())
	p.now = func() time.Time { return now }

	assert.Equal(t, 7000, p.Get(context.Background()).PollIntervalMs)
	assert.Equal(t, 7000, p.Get(context.Background()).PollIntervalMs)
	st.AssertNumberOfCalls(t, "GetSetting", 1)

	now = now.Add(2 * time.Minute)
	p.Get(context.Background())
	st.AssertNumberOfCalls(t, "GetSetting", 2)

	p.Invalidate()
	p.Get(context.Background())
	st.AssertNumberOfCalls(t, "GetSetting", 3)
}

func TestPut_ValidatesBeforeWriting(t *testing.T) {
	st := &MockSettingStore{}
	p := NewProvider(st, 0, logging.NewNullLogger())

	bad := model.DefaultSetting()
	bad.RegistrationCode = "123"
	err := p.Put(context.Background(), bad)
	assert.True(t, errors.IsValidationError(err))
	st.AssertNotCalled(t, "PutSetting", mock.Anything, mock.Anything)

	good := model.DefaultSetting()
	good.RegistrationCode = "123456"
	st.On("PutSetting", mock.Anything, good).Return(nil)
	require.NoError(t, p.Put(context.Background(), good))
	st.AssertExpectations(t)
}

func TestEnsureDefault(t *testing.T) {
	st := &MockSettingStore{}
	st.On("GetSetting", mock.Anything).Return(model.Setting{}, false, nil).Once()
	st.On("PutSetting", mock.Anything, model.DefaultSetting()).Return(nil).Once()

	p := NewProvider(st, 0, logging.NewNullLogger())
	require.NoError(t, p.EnsureDefault(context.Background()))
	st.AssertExpectations(t)

	st.On("GetSetting", mock.Anything).Return(model.DefaultSetting(), true, nil)
	require.NoError(t, p.EnsureDefault(context.Background()))
	st.AssertNumberOfCalls(t, "PutSetting", 1)
}

func TestVerifyPin(t *testing.T) {
	withPin := model.DefaultSetting()
	withPin.ProcessPin = "4321"

	tests := []struct {
		name    string
		setting model.Setting
		pin     string
		want    bool
	}{
		{"no pin configured", model.DefaultSetting(), "anything", true},
		{"matching pin", withPin, "4321", true},
		{"wrong pin", withPin, "1234", false},
		{"empty pin", withPin, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &MockSettingStore{}
			st.On("GetSetting", mock.Anything).Return(tt.setting, true, nil)
			p := NewProvider(st, 0, logging.NewNullLogger())
			assert.Equal(t, tt.want, p.VerifyPin(context.Background(), tt.pin))
		})
	}
}
