package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

const userColumns = `app_user_id, archive_user_id, latest_sec_user_id, platform_username, email,
	time_zone, latest_anchor_token, is_watch_history_available, in_waitlist, waitlist_opt_in_at,
	created_at, updated_at`

// UserRepo persists canonical user snapshots.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.AppUserID, &u.ArchiveUserID, &u.LatestSecUserID, &u.PlatformUsername,
		&u.Email, &u.TimeZone, &u.LatestAnchorToken, &u.Availability, &u.WaitlistOptIn,
		&u.WaitlistOptInAt, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Create stores a new user snapshot.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) error {
	availability := u.Availability
	if availability == "" {
		availability = domain.AvailabilityUnknown
	}
	q := `INSERT INTO users (app_user_id, archive_user_id, latest_sec_user_id, platform_username,
		email, time_zone, latest_anchor_token, is_watch_history_available, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`
	_, err := r.Pool.Exec(ctx, q, u.AppUserID, u.ArchiveUserID, u.LatestSecUserID,
		u.PlatformUsername, u.Email, u.TimeZone, u.LatestAnchorToken, availability, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=user.create: %w", err)
	}
	return nil
}

// Get loads a user by app_user_id or returns domain.ErrNotFound.
func (r *UserRepo) Get(ctx domain.Context, appUserID string) (domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE app_user_id=$1`
	u, err := scanUser(r.Pool.QueryRow(ctx, q, appUserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// Update applies the set fields of the patch in a single UPDATE.
func (r *UserRepo) Update(ctx domain.Context, appUserID string, patch domain.UserPatch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.ArchiveUserID != nil {
		add("archive_user_id", *patch.ArchiveUserID)
	}
	if patch.LatestSecUserID != nil {
		add("latest_sec_user_id", *patch.LatestSecUserID)
	}
	if patch.PlatformUsername != nil {
		add("platform_username", *patch.PlatformUsername)
	}
	if patch.Email != nil {
		add("email", *patch.Email)
	}
	if patch.TimeZone != nil {
		add("time_zone", *patch.TimeZone)
	}
	if patch.LatestAnchorToken != nil {
		add("latest_anchor_token", *patch.LatestAnchorToken)
	}
	if patch.Availability != nil {
		add("is_watch_history_available", *patch.Availability)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, appUserID)
	q := fmt.Sprintf(`UPDATE users SET %s WHERE app_user_id=$%d`, strings.Join(sets, ", "), len(args))
	ct, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=user.update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=user.update: %w", domain.ErrNotFound)
	}
	return nil
}

// SetWaitlist toggles the waitlist flag; opting in stamps the time, opting
// out clears it.
func (r *UserRepo) SetWaitlist(ctx domain.Context, appUserID string, optIn bool, at time.Time) error {
	var stamp *time.Time
	if optIn {
		stamp = &at
	}
	q := `UPDATE users SET in_waitlist=$2, waitlist_opt_in_at=$3, updated_at=$4 WHERE app_user_id=$1`
	ct, err := r.Pool.Exec(ctx, q, appUserID, optIn, stamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=user.set_waitlist: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=user.set_waitlist: %w", domain.ErrNotFound)
	}
	return nil
}
