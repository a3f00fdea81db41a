package user

import (
	"context"
	"errors"
	"time"

	"mirapay/internal/apperr"
	"mirapay/internal/domain"
	"mirapay/internal/events"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	verifyPurpose  = "verify_email"
	verifyLifetime = 24 * time.Hour
)

var ErrVerificationFailed = apperr.New(apperr.Validation, "email verification failed, token is either invalid or expired")

// verifyClaims are the claims of an email verification token
type verifyClaims struct {
	UserID  uint   `json:"user_id"`
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// VerificationToken signs a token that proves control of u's email and asks
// the mailer to deliver it
func (s *Service) VerificationToken(u *domain.User) (string, error) {
	now := s.now()
	claims := verifyClaims{
		UserID:  u.ID,
		Email:   u.Email,
		Purpose: verifyPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(verifyLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", err
	}
	s.publish(events.New(events.VerificationRequested, u.ID, 0, map[string]string{
		"email": u.Email,
		"name":  u.FullName(),
		"token": token,
	}))
	return token, nil
}

// VerifyEmail marks the token's user as verified. Verifying twice succeeds;
// already reports whether the user was verified before.
func (s *Service) VerifyEmail(ctx context.Context, token string) (already bool, err error) {
	claims := &verifyClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid || claims.Purpose != verifyPurpose {
		return false, ErrVerificationFailed
	}

	var u domain.User
	if err := s.db.WithContext(ctx).First(&u, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrVerificationFailed
		}
		return false, err
	}
	if u.Email != claims.Email {
		return false, ErrVerificationFailed
	}
	if u.EmailVerified {
		return true, nil
	}
	if err := s.db.WithContext(ctx).Model(&u).Update("email_verified", true).Error; err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"user_id": u.ID}).Info("Email verified")
	return false, nil
}
