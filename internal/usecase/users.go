package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// UserService covers the small self-service surface: waitlist opt-in and
// email registration.
type UserService struct {
	Users domain.UserRepository
}

func NewUserService(u domain.UserRepository) UserService {
	return UserService{Users: u}
}

// ToggleWaitlist flips the user's waitlist opt-in. Opting in stamps the
// opt-in time; opting out clears it.
func (s UserService) ToggleWaitlist(ctx domain.Context, appUserID string) error {
	user, err := s.Users.Get(ctx, appUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=users.toggle_waitlist: %w", domain.ErrUserNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=users.toggle_waitlist: %w", err)
	}
	if err := s.Users.SetWaitlist(ctx, user.AppUserID, !user.WaitlistOptIn, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=users.toggle_waitlist: %w", err)
	}
	return nil
}

// RegisterEmail stores the notification address for a session user.
func (s UserService) RegisterEmail(ctx domain.Context, appUserID, email string) error {
	if email == "" {
		return fmt.Errorf("op=users.register_email: %w: email required", domain.ErrInvalidArgument)
	}
	if _, err := s.Users.Get(ctx, appUserID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=users.register_email: %w", domain.ErrUserNotFound)
		}
		return fmt.Errorf("op=users.register_email: %w", err)
	}
	if err := s.Users.Update(ctx, appUserID, domain.UserPatch{Email: &email}); err != nil {
		return fmt.Errorf("op=users.register_email: %w", err)
	}
	return nil
}
