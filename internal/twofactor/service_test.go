package twofactor

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memorySettings struct {
	rows map[string]*Setting
}

func newMemorySettings() *memorySettings {
	return &memorySettings{rows: make(map[string]*Setting)}
}

func (m *memorySettings) Get(_ context.Context, userID string) (*Setting, error) {
	setting, ok := m.rows[userID]
	if !ok {
		return nil, nil
	}
	copied := *setting
	return &copied, nil
}

func (m *memorySettings) SavePending(_ context.Context, userID, secret string) error {
	m.rows[userID] = &Setting{UserID: userID, Secret: secret, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *memorySettings) Enable(_ context.Context, userID string, now time.Time) error {
	setting, ok := m.rows[userID]
	if !ok {
		return ErrNotSetUp
	}
	setting.Enabled = true
	setting.Verified = true
	setting.LastUsedAt = &now
	return nil
}

func (m *memorySettings) Delete(_ context.Context, userID string) error {
	delete(m.rows, userID)
	return nil
}

func (m *memorySettings) TouchLastUsed(_ context.Context, userID string, now time.Time) error {
	if setting, ok := m.rows[userID]; ok {
		setting.LastUsedAt = &now
	}
	return nil
}

func codeFor(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)
	return code
}

func TestSetupVerifyEnableFlow(t *testing.T) {
	ctx := context.Background()
	store := newMemorySettings()
	service := NewService(store, "FitTrack")

	result, err := service.Setup(ctx, "user-1", "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, result.Secret)
	require.Contains(t, result.URL, "otpauth://totp/")

	enabled, err := service.Enabled(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, enabled)

	err = service.VerifyAndEnable(ctx, "user-1", "000000")
	require.ErrorIs(t, err, ErrInvalidCode)

	require.NoError(t, service.VerifyAndEnable(ctx, "user-1", codeFor(t, result.Secret)))

	enabled, err = service.Enabled(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, enabled)

	// Once enabled, both setup and re-verification are rejected.
	_, err = service.Setup(ctx, "user-1", "alice@example.com")
	require.ErrorIs(t, err, ErrAlreadyEnabled)
	err = service.VerifyAndEnable(ctx, "user-1", codeFor(t, result.Secret))
	require.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestVerifyAndEnableWithoutSetup(t *testing.T) {
	service := NewService(newMemorySettings(), "FitTrack")
	err := service.VerifyAndEnable(context.Background(), "user-1", "123456")
	require.ErrorIs(t, err, ErrNotSetUp)
}

func TestVerifyLoginCode(t *testing.T) {
	ctx := context.Background()
	store := newMemorySettings()
	service := NewService(store, "FitTrack")

	// Not enrolled: false without error, the step does not apply.
	ok, err := service.VerifyLoginCode(ctx, "user-1", "123456")
	require.NoError(t, err)
	require.False(t, ok)

	result, err := service.Setup(ctx, "user-1", "alice@example.com")
	require.NoError(t, err)

	// Pending but not enabled yet: still not applicable.
	ok, err = service.VerifyLoginCode(ctx, "user-1", codeFor(t, result.Secret))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, service.VerifyAndEnable(ctx, "user-1", codeFor(t, result.Secret)))

	ok, err = service.VerifyLoginCode(ctx, "user-1", codeFor(t, result.Secret))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, store.rows["user-1"].LastUsedAt)

	ok, err = service.VerifyLoginCode(ctx, "user-1", "000000")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDisable(t *testing.T) {
	ctx := context.Background()
	store := newMemorySettings()
	service := NewService(store, "FitTrack")

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse-battery"), bcrypt.MinCost)
	require.NoError(t, err)

	err = service.Disable(ctx, "user-1", "wrong", string(hash))
	require.ErrorIs(t, err, ErrInvalidPassword)

	err = service.Disable(ctx, "user-1", "correct-horse-battery", string(hash))
	require.ErrorIs(t, err, ErrNotEnabled)

	result, err := service.Setup(ctx, "user-1", "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, service.VerifyAndEnable(ctx, "user-1", codeFor(t, result.Secret)))

	require.NoError(t, service.Disable(ctx, "user-1", "correct-horse-battery", string(hash)))

	enabled, err := service.Enabled(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, enabled)
}
