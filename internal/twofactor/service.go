package twofactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAlreadyEnabled  = errors.New("two-factor already enabled")
	ErrNotSetUp        = errors.New("two-factor not set up")
	ErrNotEnabled      = errors.New("two-factor not enabled")
	ErrInvalidCode     = errors.New("invalid two-factor code")
	ErrInvalidPassword = errors.New("invalid password")
)

type settingStore interface {
	Get(ctx context.Context, userID string) (*Setting, error)
	SavePending(ctx context.Context, userID, secret string) error
	Enable(ctx context.Context, userID string, now time.Time) error
	Delete(ctx context.Context, userID string) error
	TouchLastUsed(ctx context.Context, userID string, now time.Time) error
}

type Service struct {
	store  settingStore
	issuer string
}

func NewService(store settingStore, issuer string) *Service {
	return &Service{store: store, issuer: issuer}
}

// Setup generates a fresh secret and stores it unverified. The secret and
// otpauth URL are returned exactly once.
func (s *Service) Setup(ctx context.Context, userID, accountName string) (SetupResult, error) {
	setting, err := s.store.Get(ctx, userID)
	if err != nil {
		return SetupResult{}, err
	}
	if setting != nil && setting.Enabled {
		return SetupResult{}, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return SetupResult{}, fmt.Errorf("generate totp secret: %w", err)
	}

	if err := s.store.SavePending(ctx, userID, key.Secret()); err != nil {
		return SetupResult{}, err
	}

	return SetupResult{Secret: key.Secret(), URL: key.URL()}, nil
}

// VerifyAndEnable flips the enrollment to enabled once the user proves
// possession of the secret.
func (s *Service) VerifyAndEnable(ctx context.Context, userID, code string) error {
	setting, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if setting == nil {
		return ErrNotSetUp
	}
	if setting.Enabled {
		return ErrAlreadyEnabled
	}

	if !validateCode(code, setting.Secret, time.Now().UTC()) {
		return ErrInvalidCode
	}

	return s.store.Enable(ctx, userID, time.Now().UTC())
}

func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	setting, err := s.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return setting != nil && setting.Enabled, nil
}

// VerifyLoginCode reports whether the code is valid for an enabled
// enrollment. A user without enabled two-factor yields false, not an error:
// the step simply does not apply to them.
func (s *Service) VerifyLoginCode(ctx context.Context, userID, code string) (bool, error) {
	setting, err := s.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if setting == nil || !setting.Enabled {
		return false, nil
	}

	if !validateCode(code, setting.Secret, time.Now().UTC()) {
		return false, nil
	}

	if err := s.store.TouchLastUsed(ctx, userID, time.Now().UTC()); err != nil {
		return false, err
	}

	return true, nil
}

// Disable requires password re-verification before clearing the enrollment.
func (s *Service) Disable(ctx context.Context, userID, password, passwordHash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}

	setting, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if setting == nil || !setting.Enabled {
		return ErrNotEnabled
	}

	return s.store.Delete(ctx, userID)
}

// validateCode accepts one period of clock drift either way.
func validateCode(code, secret string, now time.Time) bool {
	valid, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
