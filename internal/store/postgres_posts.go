package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const postColumns = `p.id, p.user_id, p.content, p.type, COALESCE(to_json(p.tags), '[]'::json), p.image_url, p.upvotes, p.created_at, COALESCE(pr.alias, ''), COALESCE(pr.email, '')`

const postFrom = ` FROM posts p LEFT JOIN profiles pr ON pr.id = p.user_id`

func scanPost(row rowScanner) (Post, error) {
	var post Post
	var postType string
	var rawTags []byte
	err := row.Scan(
		&post.ID,
		&post.UserID,
		&post.Content,
		&postType,
		&rawTags,
		&post.ImageURL,
		&post.Upvotes,
		&post.CreatedAt,
		&post.AuthorAlias,
		&post.AuthorEmail,
	)
	if err != nil {
		return Post{}, err
	}
	post.Type = PostType(postType)
	post.Tags = []string{}
	if len(rawTags) > 0 {
		if err := json.Unmarshal(rawTags, &post.Tags); err != nil {
			return Post{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return post, nil
}

func scanPosts(rows *sql.Rows) ([]Post, error) {
	defer rows.Close()
	items := make([]Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) (Post, error) {
	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (user_id, content, type, tags, image_url)
		VALUES ($1, $2, $3, $4::text[], $5)
		RETURNING id, upvotes, created_at
	`, post.UserID, post.Content, string(post.Type), tags, post.ImageURL).Scan(&post.ID, &post.Upvotes, &post.CreatedAt)
	if err != nil {
		return Post{}, wrapWrite("insert post", err)
	}
	post.Tags = tags
	return post, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, id string) (Post, error) {
	if !wellFormed(id) {
		return Post{}, sql.ErrNoRows
	}
	return scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+postFrom+` WHERE p.id = $1`, id))
}

func (s *PostgresStore) DeletePost(ctx context.Context, id string) (bool, error) {
	if !wellFormed(id) {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	return affected(result, "delete post")
}

// buildFeedWhere renders the WHERE clause for a feed filter. Placeholders
// start at $1; the caller appends LIMIT/OFFSET after len(args).
func buildFeedWhere(filter FeedFilter) (string, []any) {
	switch filter.Match {
	case FeedMatchSearch:
		return `p.content ILIKE $1 ESCAPE '\'`, []any{"%" + escapeLike(filter.Search) + "%"}
	case FeedMatchType:
		return `p.type = ANY($1::text[])`, []any{postTypeStrings(filter.Types)}
	case FeedMatchTypeOrTag:
		return `(p.type = ANY($1::text[]) OR p.tags @> $2::text[])`, []any{postTypeStrings(filter.Types), filter.Tags}
	default:
		return `TRUE`, nil
	}
}

func postTypeStrings(types []PostType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

// ListFeed returns one page of posts newest first and the total number of
// rows matching the filter.
func (s *PostgresStore) ListFeed(ctx context.Context, filter FeedFilter) ([]Post, int, error) {
	where, args := buildFeedWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts p WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count feed: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	pageArgs := append(append([]any{}, args...), limit, offset)
	query := fmt.Sprintf(`SELECT %s%s WHERE %s ORDER BY p.created_at DESC, p.id DESC LIMIT $%d OFFSET $%d`,
		postColumns, postFrom, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list feed: %w", err)
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}

func (s *PostgresStore) ListConfessions(ctx context.Context, limit int) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+postColumns+postFrom+`
		WHERE p.type = 'confession'
		ORDER BY p.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list confessions: %w", err)
	}
	return scanPosts(rows)
}

// Poll options and votes

func (s *PostgresStore) InsertPollOptions(ctx context.Context, postID string, labels []string) ([]PollOption, error) {
	rows, err := s.db.QueryContext(ctx, `
		INSERT INTO poll_options (post_id, label, position)
		SELECT $1, t.label, t.ord - 1
		FROM unnest($2::text[]) WITH ORDINALITY AS t(label, ord)
		RETURNING id, post_id, label, vote_count, position
	`, postID, labels)
	if err != nil {
		return nil, wrapWrite("insert poll options", err)
	}
	defer rows.Close()

	type positioned struct {
		option   PollOption
		position int
	}
	var inserted []positioned
	for rows.Next() {
		var item positioned
		if err := rows.Scan(&item.option.ID, &item.option.PostID, &item.option.Label, &item.option.VoteCount, &item.position); err != nil {
			return nil, fmt.Errorf("scan poll option: %w", err)
		}
		inserted = append(inserted, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poll options: %w", err)
	}
	sort.Slice(inserted, func(i, j int) bool { return inserted[i].position < inserted[j].position })

	options := make([]PollOption, 0, len(inserted))
	for _, item := range inserted {
		options = append(options, item.option)
	}
	return options, nil
}

func (s *PostgresStore) ListPollOptions(ctx context.Context, postIDs []string) (map[string][]PollOption, error) {
	out := map[string][]PollOption{}
	if len(postIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, label, vote_count
		FROM poll_options
		WHERE post_id = ANY($1::text[]::uuid[])
		ORDER BY post_id, position
	`, postIDs)
	if err != nil {
		return nil, fmt.Errorf("list poll options: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var option PollOption
		if err := rows.Scan(&option.ID, &option.PostID, &option.Label, &option.VoteCount); err != nil {
			return nil, fmt.Errorf("scan poll option: %w", err)
		}
		out[option.PostID] = append(out[option.PostID], option)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPollOption(ctx context.Context, id string) (PollOption, error) {
	if !wellFormed(id) {
		return PollOption{}, sql.ErrNoRows
	}
	var option PollOption
	err := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, label, vote_count FROM poll_options WHERE id = $1
	`, id).Scan(&option.ID, &option.PostID, &option.Label, &option.VoteCount)
	if err != nil {
		return PollOption{}, err
	}
	return option, nil
}

func (s *PostgresStore) HasVoted(ctx context.Context, postID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM votes WHERE post_id = $1 AND user_id = $2)
	`, postID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check vote: %w", err)
	}
	return exists, nil
}

// InsertVote records the vote and bumps the option's count in one statement,
// so a duplicate rejected by votes_post_user_key leaves the count untouched.
func (s *PostgresStore) InsertVote(ctx context.Context, vote Vote) (PollOption, error) {
	var option PollOption
	err := s.db.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO votes (poll_option_id, post_id, user_id)
			VALUES ($1, $2, $3)
			RETURNING poll_option_id
		)
		UPDATE poll_options
		SET vote_count = vote_count + 1
		WHERE id IN (SELECT poll_option_id FROM ins)
		RETURNING id, post_id, label, vote_count
	`, vote.PollOptionID, vote.PostID, vote.UserID).Scan(&option.ID, &option.PostID, &option.Label, &option.VoteCount)
	if err != nil {
		return PollOption{}, wrapWrite("insert vote", err)
	}
	return option, nil
}

// Likes

func (s *PostgresStore) FindLike(ctx context.Context, postID, userID string) (Like, bool, error) {
	var like Like
	err := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, user_id, created_at FROM post_likes WHERE post_id = $1 AND user_id = $2
	`, postID, userID).Scan(&like.ID, &like.PostID, &like.UserID, &like.CreatedAt)
	if isNoRows(err) {
		return Like{}, false, nil
	}
	if err != nil {
		return Like{}, false, fmt.Errorf("lookup like: %w", err)
	}
	return like, true, nil
}

// InsertLike adds the like, bumps the post's upvotes and the author's karma,
// and returns the new upvote count.
func (s *PostgresStore) InsertLike(ctx context.Context, postID, userID string) (int, error) {
	var upvotes int
	err := s.db.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO post_likes (post_id, user_id)
			VALUES ($1, $2)
			RETURNING post_id
		), bump AS (
			UPDATE posts SET upvotes = upvotes + 1
			WHERE id IN (SELECT post_id FROM ins)
			RETURNING user_id, upvotes
		), karma AS (
			UPDATE profiles SET karma = karma + 1
			WHERE id IN (SELECT user_id FROM bump)
			RETURNING id
		)
		SELECT upvotes FROM bump
	`, postID, userID).Scan(&upvotes)
	if err != nil {
		return 0, wrapWrite("insert like", err)
	}
	return upvotes, nil
}

// DeleteLike reverses InsertLike. It reports false when there was no like.
func (s *PostgresStore) DeleteLike(ctx context.Context, postID, userID string) (int, bool, error) {
	var upvotes int
	err := s.db.QueryRowContext(ctx, `
		WITH del AS (
			DELETE FROM post_likes
			WHERE post_id = $1 AND user_id = $2
			RETURNING post_id
		), bump AS (
			UPDATE posts SET upvotes = GREATEST(upvotes - 1, 0)
			WHERE id IN (SELECT post_id FROM del)
			RETURNING user_id, upvotes
		), karma AS (
			UPDATE profiles SET karma = GREATEST(karma - 1, 0)
			WHERE id IN (SELECT user_id FROM bump)
			RETURNING id
		)
		SELECT upvotes FROM bump
	`, postID, userID).Scan(&upvotes)
	if isNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("delete like: %w", err)
	}
	return upvotes, true, nil
}

func (s *PostgresStore) ListLikedPostIDs(ctx context.Context, userID string, postIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(postIDs) == 0 || strings.TrimSpace(userID) == "" {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id FROM post_likes
		WHERE user_id = $1 AND post_id = ANY($2::text[]::uuid[])
	`, userID, postIDs)
	if err != nil {
		return nil, fmt.Errorf("list liked posts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var postID string
		if err := rows.Scan(&postID); err != nil {
			return nil, fmt.Errorf("scan liked post: %w", err)
		}
		out[postID] = true
	}
	return out, rows.Err()
}
