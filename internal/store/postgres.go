package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func affected(result sql.Result, op string) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", op, err)
	}
	return n > 0, nil
}

// Identities

func (s *PostgresStore) CreateIdentity(ctx context.Context, identity Identity) (Identity, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO identities (email, password_hash)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, strings.TrimSpace(identity.Email), identity.PasswordHash).Scan(&identity.ID, &identity.CreatedAt)
	if err != nil {
		return Identity{}, wrapWrite("insert identity", err)
	}
	return identity, nil
}

const identityColumns = `id, email, password_hash, email_confirmed_at, created_at`

func scanIdentity(row rowScanner) (Identity, error) {
	var identity Identity
	var confirmed sql.NullTime
	if err := row.Scan(&identity.ID, &identity.Email, &identity.PasswordHash, &confirmed, &identity.CreatedAt); err != nil {
		return Identity{}, err
	}
	if confirmed.Valid {
		at := confirmed.Time
		identity.EmailConfirmedAt = &at
	}
	return identity, nil
}

func (s *PostgresStore) GetIdentityByEmail(ctx context.Context, email string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email))
	return scanIdentity(row)
}

func (s *PostgresStore) GetIdentityByID(ctx context.Context, id string) (Identity, error) {
	if !wellFormed(id) {
		return Identity{}, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	return scanIdentity(row)
}

func (s *PostgresStore) ConfirmIdentityEmail(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET email_confirmed_at = COALESCE(email_confirmed_at, NOW())
		WHERE id = $1
	`, id)
	if err != nil {
		return false, fmt.Errorf("confirm identity email: %w", err)
	}
	return affected(result, "confirm identity email")
}

func (s *PostgresStore) DeleteIdentity(ctx context.Context, id string) (bool, error) {
	if !wellFormed(id) {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete identity: %w", err)
	}
	return affected(result, "delete identity")
}

// Sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE user_id=$1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT rs.user_id
		FROM refresh_sessions rs
		JOIN identities i ON i.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Profiles

const profileColumns = `id, email, real_name, COALESCE(alias, ''), bio, branch, year, role, status, karma, last_alias_change, profile_completed, created_at, updated_at`

func scanProfile(row rowScanner) (Profile, error) {
	var profile Profile
	var role, status string
	var lastAlias sql.NullTime
	err := row.Scan(
		&profile.ID,
		&profile.Email,
		&profile.RealName,
		&profile.Alias,
		&profile.Bio,
		&profile.Branch,
		&profile.Year,
		&role,
		&status,
		&profile.Karma,
		&lastAlias,
		&profile.ProfileCompleted,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return Profile{}, err
	}
	profile.Role = Role(role)
	profile.Status = Status(status)
	if lastAlias.Valid {
		at := lastAlias.Time
		profile.LastAliasChange = &at
	}
	return profile, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	if !wellFormed(id) {
		return Profile{}, sql.ErrNoRows
	}
	return scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
}

// EnsureProfile creates the pending student profile on first sign-in and
// returns the stored row either way.
func (s *PostgresStore) EnsureProfile(ctx context.Context, id, email string) (Profile, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, strings.TrimSpace(email)); err != nil {
		return Profile{}, wrapWrite("ensure profile", err)
	}
	return s.GetProfile(ctx, id)
}

func (s *PostgresStore) ListProfiles(ctx context.Context, status Status, query string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := ""
	if q := strings.TrimSpace(query); q != "" {
		pattern = "%" + escapeLike(q) + "%"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR email ILIKE $2 ESCAPE '\' OR real_name ILIKE $2 ESCAPE '\' OR COALESCE(alias, '') ILIKE $2 ESCAPE '\')
		ORDER BY created_at DESC
		LIMIT $3
	`, string(status), pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	items := make([]Profile, 0)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) FindProfilesByEmail(ctx context.Context, emails []string) ([]Profile, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	lowered := make([]string, 0, len(emails))
	for _, email := range emails {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(email)))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE LOWER(email) = ANY($1::text[])
	`, lowered)
	if err != nil {
		return nil, fmt.Errorf("find profiles by email: %w", err)
	}
	defer rows.Close()

	var items []Profile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, profile)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateProfileStatus(ctx context.Context, id string, status Status) (bool, error) {
	if !wellFormed(id) {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return false, fmt.Errorf("update profile status: %w", err)
	}
	return affected(result, "update profile status")
}

func (s *PostgresStore) UpdateProfileRoleStatus(ctx context.Context, id string, role Role, status Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET role = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND (role <> $2 OR status <> $3)
	`, id, string(role), string(status))
	if err != nil {
		return false, fmt.Errorf("update profile role: %w", err)
	}
	return affected(result, "update profile role")
}

func (s *PostgresStore) UpdateAlias(ctx context.Context, id, alias string, changedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET alias = $2, last_alias_change = $3, updated_at = NOW()
		WHERE id = $1
	`, id, alias, changedAt)
	if err != nil {
		return wrapWrite("update alias", err)
	}
	ok, err := affected(result, "update alias")
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CompleteProfile(ctx context.Context, id string, details Profile) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET real_name = $2, branch = $3, year = $4, bio = $5, profile_completed = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id, details.RealName, details.Branch, details.Year, details.Bio)
	if err != nil {
		return false, fmt.Errorf("complete profile: %w", err)
	}
	return affected(result, "complete profile")
}

func (s *PostgresStore) DeleteProfile(ctx context.Context, id string) (bool, error) {
	if !wellFormed(id) {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}
	return affected(result, "delete profile")
}

func (s *PostgresStore) TopKarma(ctx context.Context, limit int) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE status = 'approved' OR role = 'admin'
		ORDER BY karma DESC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list top karma: %w", err)
	}
	defer rows.Close()

	items := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, profile)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM profiles WHERE status = 'pending' AND role <> 'admin'),
			(SELECT COUNT(*) FROM profiles WHERE status = 'approved' OR role = 'admin'),
			(SELECT COUNT(*) FROM profiles WHERE status = 'banned' AND role <> 'admin'),
			(SELECT COUNT(*) FROM posts),
			(SELECT COUNT(*) FROM reports WHERE status = 'pending')
	`).Scan(&counts.Pending, &counts.Approved, &counts.Banned, &counts.Posts, &counts.PendingReports)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count by status: %w", err)
	}
	return counts, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
