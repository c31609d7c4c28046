package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const tsQuery = "plainto_tsquery('english', $1)"

// The tsvector expressions match the GIN indexes in 0003_search.
var pgSubQueries = []struct {
	rtyp ResultType
	sql  string
}{
	{ResultPost, `
			SELECT 'post'::text AS type, p.id::text AS id, ''::text AS title,
				ts_headline('english', p.content, ` + tsQuery + `, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.type AS post_type,
				ts_rank(to_tsvector('english', p.content), ` + tsQuery + `) AS rank
			FROM posts p
			WHERE to_tsvector('english', p.content) @@ ` + tsQuery},
	{ResultNote, `
			SELECT 'note'::text AS type, n.id::text AS id, n.title,
				n.subject AS snippet,
				''::text AS post_type,
				ts_rank(to_tsvector('english', n.title || ' ' || n.subject), ` + tsQuery + `) AS rank
			FROM notes n
			WHERE to_tsvector('english', n.title || ' ' || n.subject) @@ ` + tsQuery},
	{ResultNotice, `
			SELECT 'notice'::text AS type, nt.id::text AS id, nt.title,
				ts_headline('english', nt.content, ` + tsQuery + `, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS post_type,
				ts_rank(to_tsvector('english', nt.title || ' ' || nt.content), ` + tsQuery + `) AS rank
			FROM notices nt
			WHERE to_tsvector('english', nt.title || ' ' || nt.content) @@ ` + tsQuery},
}

// buildSearchSQL returns the count and page statements for q. Both take
// the query text as their only argument.
func buildSearchSQL(q Query) (countSQL, dataSQL string, ok bool) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var subQueries []string
	for _, sub := range pgSubQueries {
		if q.FilterType == "" || q.FilterType == sub.rtyp {
			subQueries = append(subQueries, sub.sql)
		}
	}
	if len(subQueries) == 0 {
		return "", "", false
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, post_type
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	countSQL, dataSQL, ok := buildSearchSQL(q)
	if !ok {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PostType); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostRecord, []NoteRecord, []NoticeRecord, error) {
	postRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, content, type, COALESCE(array_to_string(tags, ','), '')
		FROM posts
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load posts: %w", err)
	}
	defer postRows.Close()

	posts := make([]PostRecord, 0)
	for postRows.Next() {
		var r PostRecord
		var tags string
		if err := postRows.Scan(&r.ID, &r.Content, &r.Type, &tags); err != nil {
			return nil, nil, nil, fmt.Errorf("scan post: %w", err)
		}
		r.Tags = splitTags(tags)
		posts = append(posts, r)
	}
	if err := postRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate posts: %w", err)
	}

	noteRows, err := p.db.QueryContext(ctx, `SELECT id::text, title, subject, semester FROM notes`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load notes: %w", err)
	}
	defer noteRows.Close()

	notes := make([]NoteRecord, 0)
	for noteRows.Next() {
		var r NoteRecord
		if err := noteRows.Scan(&r.ID, &r.Title, &r.Subject, &r.Semester); err != nil {
			return nil, nil, nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, r)
	}
	if err := noteRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate notes: %w", err)
	}

	noticeRows, err := p.db.QueryContext(ctx, `SELECT id::text, title, content, type FROM notices`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load notices: %w", err)
	}
	defer noticeRows.Close()

	notices := make([]NoticeRecord, 0)
	for noticeRows.Next() {
		var r NoticeRecord
		if err := noticeRows.Scan(&r.ID, &r.Title, &r.Content, &r.Type); err != nil {
			return nil, nil, nil, fmt.Errorf("scan notice: %w", err)
		}
		notices = append(notices, r)
	}
	if err := noticeRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate notices: %w", err)
	}

	return posts, notes, notices, nil
}

func splitTags(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}
