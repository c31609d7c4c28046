package store

import (
	"context"
	"database/sql"
	"fmt"
)

const reportColumns = `r.id, r.post_id, r.reported_by, r.reported_user, r.reason, r.status, r.created_at,
	COALESCE(p.content, ''), COALESCE(p.type, ''), p.id IS NOT NULL`

func scanReport(row rowScanner) (Report, error) {
	var report Report
	var status, postType string
	err := row.Scan(
		&report.ID,
		&report.PostID,
		&report.ReportedBy,
		&report.ReportedUser,
		&report.Reason,
		&status,
		&report.CreatedAt,
		&report.PostContent,
		&postType,
		&report.PostExists,
	)
	if err != nil {
		return Report{}, err
	}
	report.Status = ReportStatus(status)
	report.PostType = PostType(postType)
	return report, nil
}

func (s *PostgresStore) HasPendingReport(ctx context.Context, postID, reporterID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM reports
			WHERE post_id = $1 AND reported_by = $2 AND status = 'pending'
		)
	`, postID, reporterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending report: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertReport(ctx context.Context, report Report) (Report, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reports (post_id, reported_by, reported_user, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id, status, created_at
	`, report.PostID, report.ReportedBy, report.ReportedUser, report.Reason).Scan(&report.ID, &status, &report.CreatedAt)
	if err != nil {
		return Report{}, wrapWrite("insert report", err)
	}
	report.Status = ReportStatus(status)
	report.PostExists = true
	return report, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (Report, error) {
	if !wellFormed(id) {
		return Report{}, sql.ErrNoRows
	}
	return scanReport(s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		LEFT JOIN posts p ON p.id = r.post_id
		WHERE r.id = $1
	`, id))
}

func (s *PostgresStore) ListReports(ctx context.Context, status ReportStatus, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		LEFT JOIN posts p ON p.id = r.post_id
		WHERE ($1 = '' OR r.status = $1)
		ORDER BY r.created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

// TransitionReport moves a report from one status to another. It reports
// false when the report is missing or no longer in the from status.
func (s *PostgresStore) TransitionReport(ctx context.Context, id string, from, to ReportStatus) (bool, error) {
	if !wellFormed(id) {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, wrapWrite("transition report", err)
	}
	return affected(result, "transition report")
}

func (s *PostgresStore) ResolvePendingReportsForPost(ctx context.Context, postID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = 'resolved' WHERE post_id = $1 AND status = 'pending'
	`, postID)
	if err != nil {
		return 0, fmt.Errorf("resolve reports for post: %w", err)
	}
	return result.RowsAffected()
}

// ResolveOrphanedReports closes pending reports whose post is already gone.
func (s *PostgresStore) ResolveOrphanedReports(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reports r
		SET status = 'resolved'
		WHERE r.status = 'pending'
			AND NOT EXISTS (SELECT 1 FROM posts p WHERE p.id = r.post_id)
	`)
	if err != nil {
		return 0, fmt.Errorf("resolve orphaned reports: %w", err)
	}
	return result.RowsAffected()
}

// RemovedContent lists the searchable rows a user cascade deleted.
type RemovedContent struct {
	PostIDs   []string
	NoteIDs   []string
	NoticeIDs []string
}

type cascadeStep struct {
	name  string
	query string
	// collect, when set, receives the ids the step's RETURNING clause yields.
	collect func(removed *RemovedContent) *[]string
}

// userCascade removes a user's rows in dependency order. Every step is safe
// to rerun after a partial failure.
var userCascade = []cascadeStep{
	{name: "votes", query: `
		WITH del AS (DELETE FROM votes WHERE user_id = $1 RETURNING poll_option_id)
		UPDATE poll_options SET vote_count = GREATEST(vote_count - 1, 0)
		WHERE id IN (SELECT poll_option_id FROM del)`},
	{name: "likes", query: `
		WITH del AS (
			DELETE FROM post_likes WHERE user_id = $1 RETURNING post_id
		), bump AS (
			UPDATE posts SET upvotes = GREATEST(upvotes - 1, 0)
			WHERE id IN (SELECT post_id FROM del)
			RETURNING user_id
		)
		UPDATE profiles pr SET karma = GREATEST(pr.karma - b.n, 0)
		FROM (SELECT user_id, COUNT(*) AS n FROM bump GROUP BY user_id) b
		WHERE pr.id = b.user_id`},
	{name: "comments", query: `DELETE FROM comments WHERE user_id = $1`},
	{name: "reports", query: `DELETE FROM reports WHERE reported_by = $1 OR reported_user = $1`},
	{name: "rsvps", query: `DELETE FROM event_rsvps WHERE user_id = $1`},
	{name: "events", query: `DELETE FROM events WHERE user_id = $1`},
	{name: "notes", query: `DELETE FROM notes WHERE user_id = $1 RETURNING id`,
		collect: func(r *RemovedContent) *[]string { return &r.NoteIDs }},
	{name: "notices", query: `DELETE FROM notices WHERE created_by = $1 RETURNING id`,
		collect: func(r *RemovedContent) *[]string { return &r.NoticeIDs }},
	{name: "posts", query: `DELETE FROM posts WHERE user_id = $1 RETURNING id`,
		collect: func(r *RemovedContent) *[]string { return &r.PostIDs }},
	{name: "sessions", query: `DELETE FROM refresh_sessions WHERE user_id = $1`},
}

// DeleteUserContent runs the cascade and names the failing step. Poll
// options, votes, likes and comments on the user's posts go with the posts.
// The ids removed before a failure are returned alongside the error.
func (s *PostgresStore) DeleteUserContent(ctx context.Context, userID string) (RemovedContent, error) {
	var removed RemovedContent
	if !wellFormed(userID) {
		return removed, nil
	}
	for _, step := range userCascade {
		if step.collect == nil {
			if _, err := s.db.ExecContext(ctx, step.query, userID); err != nil {
				return removed, &CascadeError{Step: step.name, Err: err}
			}
			continue
		}
		ids, err := s.queryIDs(ctx, step.query, userID)
		if err != nil {
			return removed, &CascadeError{Step: step.name, Err: err}
		}
		*step.collect(&removed) = ids
	}
	return removed, nil
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CascadeError reports which step of a user cascade failed.
type CascadeError struct {
	Step string
	Err  error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("delete user %s: %v", e.Step, e.Err)
}

func (e *CascadeError) Unwrap() error {
	return e.Err
}
