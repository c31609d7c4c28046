package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Comments

const commentColumns = `c.id, c.post_id, c.parent_id, c.user_id, c.content, c.created_at, COALESCE(pr.alias, ''), COALESCE(pr.email, '')`

func scanComment(row rowScanner) (Comment, error) {
	var comment Comment
	var parentID sql.NullString
	err := row.Scan(
		&comment.ID,
		&comment.PostID,
		&parentID,
		&comment.UserID,
		&comment.Content,
		&comment.CreatedAt,
		&comment.AuthorAlias,
		&comment.AuthorEmail,
	)
	if err != nil {
		return Comment{}, err
	}
	if parentID.Valid {
		id := parentID.String
		comment.ParentID = &id
	}
	return comment, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	var parentID any
	if comment.ParentID != nil {
		parentID = *comment.ParentID
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (post_id, parent_id, user_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, comment.PostID, parentID, comment.UserID, comment.Content).Scan(&comment.ID, &comment.CreatedAt)
	if err != nil {
		return Comment{}, wrapWrite("insert comment", err)
	}
	return comment, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	if !wellFormed(id) {
		return Comment{}, sql.ErrNoRows
	}
	return scanComment(s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		LEFT JOIN profiles pr ON pr.id = c.user_id
		WHERE c.id = $1
	`, id))
}

func (s *PostgresStore) DeleteComment(ctx context.Context, id string) (bool, error) {
	if !wellFormed(id) {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	return affected(result, "delete comment")
}

func (s *PostgresStore) ListComments(ctx context.Context, postID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		LEFT JOIN profiles pr ON pr.id = c.user_id
		WHERE c.post_id = $1
		ORDER BY c.created_at ASC, c.id ASC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// Notices

func (s *PostgresStore) InsertNotice(ctx context.Context, notice Notice) (Notice, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notices (title, content, type, date, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, notice.Title, notice.Content, string(notice.Type), notice.Date, notice.CreatedBy).Scan(&notice.ID, &notice.CreatedAt)
	if err != nil {
		return Notice{}, wrapWrite("insert notice", err)
	}
	return notice, nil
}

// ListNotices returns broadcasts first, then notices dated from onwards by date.
func (s *PostgresStore) ListNotices(ctx context.Context, from time.Time, limit int) ([]Notice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, type, date, created_by, created_at
		FROM notices
		WHERE date >= $1::date OR type = 'broadcast'
		ORDER BY (type = 'broadcast') DESC, date ASC, created_at ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}
	defer rows.Close()

	items := make([]Notice, 0, limit)
	for rows.Next() {
		var notice Notice
		var noticeType string
		if err := rows.Scan(&notice.ID, &notice.Title, &notice.Content, &noticeType, &notice.Date, &notice.CreatedBy, &notice.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notice: %w", err)
		}
		notice.Type = NoticeType(noticeType)
		items = append(items, notice)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteNotice(ctx context.Context, id string) (bool, error) {
	if !wellFormed(id) {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM notices WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete notice: %w", err)
	}
	return affected(result, "delete notice")
}

// Notes

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) (Note, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notes (user_id, title, subject, semester, file_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, note.UserID, note.Title, note.Subject, note.Semester, note.FileURL).Scan(&note.ID, &note.CreatedAt)
	if err != nil {
		return Note{}, wrapWrite("insert note", err)
	}
	return note, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, subject, semester string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, subject, semester, file_url, created_at
		FROM notes
		WHERE ($1 = '' OR LOWER(subject) = LOWER($1))
			AND ($2 = '' OR semester = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, strings.TrimSpace(subject), strings.TrimSpace(semester), limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.UserID, &note.Title, &note.Subject, &note.Semester, &note.FileURL, &note.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, note)
	}
	return items, rows.Err()
}

// Events

func (s *PostgresStore) InsertEvent(ctx context.Context, event Event) (Event, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events (user_id, title, description, location, event_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, event.UserID, event.Title, event.Description, event.Location, event.EventDate).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return Event{}, wrapWrite("insert event", err)
	}
	return event, nil
}

const eventColumns = `e.id, e.user_id, e.title, e.description, e.location, e.event_date, e.created_at,
	(SELECT COUNT(*) FROM event_rsvps r WHERE r.event_id = e.id)`

func scanEvent(row rowScanner) (Event, error) {
	var event Event
	err := row.Scan(&event.ID, &event.UserID, &event.Title, &event.Description, &event.Location, &event.EventDate, &event.CreatedAt, &event.RSVPCount)
	return event, err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (Event, error) {
	if !wellFormed(id) {
		return Event{}, sql.ErrNoRows
	}
	return scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = $1`, id))
}

// ListEvents returns events on or after from, soonest first.
func (s *PostgresStore) ListEvents(ctx context.Context, from time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		WHERE e.event_date >= $1
		ORDER BY e.event_date ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		items = append(items, event)
	}
	return items, rows.Err()
}

// ToggleRSVP removes an existing RSVP or creates one, returning whether the
// user is attending afterwards.
func (s *PostgresStore) ToggleRSVP(ctx context.Context, eventID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM event_rsvps WHERE event_id = $1 AND user_id = $2
	`, eventID, userID)
	if err != nil {
		return false, fmt.Errorf("delete rsvp: %w", err)
	}
	removed, err := affected(result, "delete rsvp")
	if err != nil {
		return false, err
	}
	if removed {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO event_rsvps (event_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id, user_id) DO NOTHING
	`, eventID, userID); err != nil {
		return false, fmt.Errorf("insert rsvp: %w", err)
	}
	return true, nil
}
