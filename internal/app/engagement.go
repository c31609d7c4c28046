package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"tigerden/api/internal/events"
	"tigerden/api/internal/rbac"
	"tigerden/api/internal/store"
)

const (
	alreadyVoted    = "You have already voted on this poll."
	alreadyReported = "You have already reported this post"
)

// ToggleLike flips the caller's like on a post. A concurrent duplicate
// insert rejected by the store reads as already liked.
func (s *Service) ToggleLike(ctx context.Context, actor Actor, postID string) (map[string]any, error) {
	if err := require(actor, rbac.ActionLike, "Your account must be approved before you can like posts."); err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, missing(err, "Post not found")
	}

	_, liked, err := s.store.FindLike(ctx, post.ID, actor.ID())
	if err != nil {
		return nil, err
	}
	if liked {
		upvotes, removed, err := s.store.DeleteLike(ctx, post.ID, actor.ID())
		if err != nil {
			return nil, err
		}
		if !removed {
			upvotes = post.Upvotes
		}
		return map[string]any{"postId": post.ID, "liked": false, "upvotes": upvotes}, nil
	}

	upvotes, err := s.store.InsertLike(ctx, post.ID, actor.ID())
	if errors.Is(err, store.ErrDuplicate) {
		current, getErr := s.store.GetPost(ctx, post.ID)
		if getErr != nil {
			return nil, missing(getErr, "Post not found")
		}
		return map[string]any{"postId": post.ID, "liked": true, "upvotes": current.Upvotes}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"postId": post.ID, "liked": true, "upvotes": upvotes}, nil
}

// VoteOnPoll records one vote per user per poll. HasVoted is advisory; the
// store's unique index decides.
func (s *Service) VoteOnPoll(ctx context.Context, actor Actor, postID, optionID string) (map[string]any, error) {
	if err := require(actor, rbac.ActionVote, "Your account must be approved before you can vote."); err != nil {
		return nil, err
	}
	if strings.TrimSpace(optionID) == "" {
		return nil, validationError("optionId is required", nil)
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, missing(err, "Post not found")
	}
	if post.Type != store.PostPoll {
		return nil, validationError("This post is not a poll.", nil)
	}
	option, err := s.store.GetPollOption(ctx, optionID)
	if err != nil {
		return nil, missing(err, "Poll option not found")
	}
	if option.PostID != post.ID {
		return nil, validationError("That option does not belong to this poll.", nil)
	}

	voted, err := s.store.HasVoted(ctx, post.ID, actor.ID())
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, conflict(alreadyVoted)
	}
	if _, err := s.store.InsertVote(ctx, store.Vote{PollOptionID: option.ID, PostID: post.ID, UserID: actor.ID()}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict(alreadyVoted)
		}
		return nil, fmt.Errorf("record vote: %w", err)
	}

	options, err := s.store.ListPollOptions(ctx, []string{post.ID})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"postId":      post.ID,
		"optionId":    option.ID,
		"hasVoted":    true,
		"pollOptions": pollOptionsPayload(options[post.ID]),
	}, nil
}

type reportInput struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ReportPost files one pending report per reporter per post. The reported
// user is taken from the post, never from the caller.
func (s *Service) ReportPost(ctx context.Context, actor Actor, postID, reason string) (map[string]any, error) {
	if err := require(actor, rbac.ActionReport, "Your account must be approved before you can report posts."); err != nil {
		return nil, err
	}
	input := reportInput{Reason: strings.TrimSpace(reason)}
	if err := s.check(input); err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, missing(err, "Post not found")
	}

	pending, err := s.store.HasPendingReport(ctx, post.ID, actor.ID())
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, conflict(alreadyReported)
	}
	report, err := s.store.InsertReport(ctx, store.Report{
		PostID:       post.ID,
		ReportedBy:   actor.ID(),
		ReportedUser: post.UserID,
		Reason:       input.Reason,
		Status:       store.ReportPending,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict(alreadyReported)
		}
		return nil, fmt.Errorf("file report: %w", err)
	}

	events.Emit(ctx, s.events, events.Event{
		Kind:       events.PostReported,
		ActorID:    actor.ID(),
		SubjectID:  post.ID,
		OccurredAt: s.now(),
	})
	return map[string]any{"id": report.ID, "postId": post.ID, "status": report.Status}, nil
}

type CommentInput struct {
	Content  string `json:"content" validate:"required,max=1000"`
	ParentID string `json:"parentId"`
}

func (s *Service) CreateComment(ctx context.Context, actor Actor, postID string, input CommentInput) (map[string]any, error) {
	if err := require(actor, rbac.ActionComment, "Your account must be approved before you can comment."); err != nil {
		return nil, err
	}
	input.Content = strings.TrimSpace(input.Content)
	input.ParentID = strings.TrimSpace(input.ParentID)
	if err := s.check(input); err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, missing(err, "Post not found")
	}

	comment := store.Comment{PostID: post.ID, UserID: actor.ID(), Content: input.Content}
	if input.ParentID != "" {
		parent, err := s.store.GetComment(ctx, input.ParentID)
		if err != nil {
			return nil, missing(err, "Parent comment not found")
		}
		if parent.PostID != post.ID {
			return nil, validationError("Replies must stay on the same post.", nil)
		}
		comment.ParentID = &parent.ID
	}

	created, err := s.store.InsertComment(ctx, comment)
	if err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	created.AuthorAlias = actor.Profile.Alias
	created.AuthorEmail = actor.Profile.Email
	return commentPayload(post, created, actor.ID()), nil
}

func (s *Service) ListComments(ctx context.Context, actor Actor, postID string) ([]map[string]any, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view comments."); err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, missing(err, "Post not found")
	}
	comments, err := s.store.ListComments(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	return lo.Map(comments, func(comment store.Comment, _ int) map[string]any {
		return commentPayload(post, comment, actor.ID())
	}), nil
}

func (s *Service) DeleteComment(ctx context.Context, actor Actor, commentID string) (map[string]any, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, missing(err, "Comment not found")
	}
	isAuthor := comment.UserID == actor.ID() && actor.Can(rbac.ActionComment)
	if !actor.Can(rbac.ActionModerate) && !isAuthor {
		return nil, unauthorized("You can only delete your own comments.")
	}
	deleted, err := s.store.DeleteComment(ctx, comment.ID)
	if err != nil {
		return nil, fmt.Errorf("delete comment: %w", err)
	}
	if !deleted {
		return nil, notFound("Comment not found")
	}
	return map[string]any{"deleted": true, "commentId": comment.ID}, nil
}
