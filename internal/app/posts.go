package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"tigerden/api/internal/events"
	"tigerden/api/internal/feed"
	"tigerden/api/internal/rbac"
	"tigerden/api/internal/search"
	"tigerden/api/internal/store"
)

type CreatePostInput struct {
	Content     string   `json:"content" validate:"required,max=2000"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags" validate:"max=5,dive,max=30"`
	ImageURL    string   `json:"imageUrl" validate:"omitempty,url"`
	PollOptions []string `json:"pollOptions" validate:"max=6,dive,max=100"`
}

type FeedQuery struct {
	Category string
	Search   string
	Page     int
}

func (s *Service) CreatePost(ctx context.Context, actor Actor, input CreatePostInput) (map[string]any, error) {
	if err := require(actor, rbac.ActionPost, "Your account must be approved before you can post."); err != nil {
		return nil, err
	}

	input.Content = strings.TrimSpace(input.Content)
	input.ImageURL = strings.TrimSpace(input.ImageURL)
	if err := s.check(input); err != nil {
		return nil, err
	}
	category, ok := feed.ParseCategory(input.Category)
	if !ok {
		return nil, validationError("Unknown category", map[string]any{"allowed": feed.Categories})
	}
	postType := feed.PostTypeFor(category)
	options := lo.FilterMap(input.PollOptions, func(option string, _ int) (string, bool) {
		trimmed := strings.TrimSpace(option)
		return trimmed, trimmed != ""
	})
	switch {
	case postType == store.PostPoll && len(options) < 2:
		return nil, validationError("A poll needs at least two options.", nil)
	case postType != store.PostPoll && len(options) > 0:
		return nil, validationError("Only polls can have options.", nil)
	}

	post, err := s.store.InsertPost(ctx, store.Post{
		UserID:   actor.ID(),
		Content:  input.Content,
		Type:     postType,
		Tags:     feed.Tags(category, input.Tags),
		ImageURL: input.ImageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	post.AuthorAlias = actor.Profile.Alias
	post.AuthorEmail = actor.Profile.Email

	var pollOptions []store.PollOption
	if postType == store.PostPoll {
		pollOptions, err = s.store.InsertPollOptions(ctx, post.ID, options)
		if err != nil {
			if _, undoErr := s.store.DeletePost(ctx, post.ID); undoErr != nil {
				log.Error().Err(undoErr).Str("post_id", post.ID).Msg("poll post left without options")
			}
			return nil, externalFailure("create poll options", err)
		}
	}

	s.search.IndexPost(search.PostRecord{ID: post.ID, Content: post.Content, Type: string(post.Type), Tags: post.Tags})
	return postPayload(post, actor.ID(), pollOptions, false), nil
}

func (s *Service) Feed(ctx context.Context, actor Actor, query FeedQuery) (map[string]any, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view the feed."); err != nil {
		return nil, err
	}
	category, ok := feed.ParseCategory(query.Category)
	if !ok {
		return nil, validationError("Unknown category", map[string]any{"allowed": feed.Categories})
	}

	filter := feed.Build(feed.Params{
		Category: category,
		Search:   query.Search,
		Page:     query.Page,
		PageSize: s.cfg.FeedPageSize,
	})
	posts, total, err := s.store.ListFeed(ctx, filter)
	if err != nil {
		return nil, err
	}
	items, err := s.decoratePosts(ctx, actor, posts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"posts":  items,
		"cursor": feed.NewCursor(filter, len(posts), total),
	}, nil
}

// decoratePosts attaches poll options and the viewer's liked flags.
func (s *Service) decoratePosts(ctx context.Context, actor Actor, posts []store.Post) ([]map[string]any, error) {
	ids := lo.Map(posts, func(post store.Post, _ int) string { return post.ID })
	pollIDs := lo.FilterMap(posts, func(post store.Post, _ int) (string, bool) {
		return post.ID, post.Type == store.PostPoll
	})

	options := map[string][]store.PollOption{}
	if len(pollIDs) > 0 {
		loaded, err := s.store.ListPollOptions(ctx, pollIDs)
		if err != nil {
			return nil, err
		}
		options = loaded
	}
	liked, err := s.store.ListLikedPostIDs(ctx, actor.ID(), ids)
	if err != nil {
		return nil, err
	}

	return lo.Map(posts, func(post store.Post, _ int) map[string]any {
		return postPayload(post, actor.ID(), options[post.ID], liked[post.ID])
	}), nil
}

func (s *Service) GetPost(ctx context.Context, actor Actor, postID string) (map[string]any, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view posts."); err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, missing(err, "Post not found")
	}
	items, err := s.decoratePosts(ctx, actor, []store.Post{post})
	if err != nil {
		return nil, err
	}
	payload := items[0]
	if post.Type == store.PostPoll {
		voted, err := s.store.HasVoted(ctx, post.ID, actor.ID())
		if err != nil {
			return nil, err
		}
		payload["hasVoted"] = voted
	}
	return payload, nil
}

// DeletePost lets a moderator remove any post and a member remove their own.
func (s *Service) DeletePost(ctx context.Context, actor Actor, postID string) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, missing(err, "Post not found")
	}
	isAuthor := post.UserID == actor.ID() && actor.Can(rbac.ActionPost)
	if !actor.Can(rbac.ActionModerate) && !isAuthor {
		return nil, unauthorized("You can only delete your own posts.")
	}
	resolved, err := s.removePost(ctx, actor, post.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "postId": post.ID, "reportsResolved": resolved}, nil
}

// removePost deletes the post and then resolves its pending reports. The
// second step is not atomic with the first; a failure there is left for
// ReconcileOrphanedReports.
func (s *Service) removePost(ctx context.Context, actor Actor, postID string) (int64, error) {
	deleted, err := s.store.DeletePost(ctx, postID)
	if err != nil {
		return 0, fmt.Errorf("delete post: %w", err)
	}
	if !deleted {
		return 0, notFound("Post not found")
	}
	s.search.DeletePost(postID)

	resolved, err := s.store.ResolvePendingReportsForPost(ctx, postID)
	if err != nil {
		log.Warn().Err(err).Str("post_id", postID).Msg("reports left pending for reconciler")
		resolved = 0
	}
	events.Emit(ctx, s.events, events.Event{
		Kind:       events.PostDeleted,
		ActorID:    actor.ID(),
		SubjectID:  postID,
		Count:      resolved,
		OccurredAt: s.now(),
	})
	return resolved, nil
}
