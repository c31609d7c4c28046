package app

import (
	"time"

	"github.com/samber/lo"

	"tigerden/api/internal/anonymity"
	"tigerden/api/internal/store"
)

// Payload builders are the only place store rows become response maps.
// A confession's author id and email never leave through them.

func postAuthor(post store.Post) anonymity.Identity {
	return anonymity.ForPost(post.Type, anonymity.Author{ID: post.UserID, Alias: post.AuthorAlias, Email: post.AuthorEmail})
}

func postPayload(post store.Post, viewerID string, options []store.PollOption, liked bool) map[string]any {
	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}
	payload := map[string]any{
		"id":        post.ID,
		"content":   post.Content,
		"type":      post.Type,
		"tags":      tags,
		"upvotes":   post.Upvotes,
		"createdAt": post.CreatedAt.UTC().Format(time.RFC3339),
		"author":    postAuthor(post),
		"liked":     liked,
		"isOwn":     viewerID != "" && post.UserID == viewerID,
	}
	if post.ImageURL != "" {
		payload["imageUrl"] = post.ImageURL
	}
	if post.Type != store.PostConfession {
		payload["userId"] = post.UserID
	}
	if post.Type == store.PostPoll {
		payload["pollOptions"] = pollOptionsPayload(options)
	}
	return payload
}

func pollOptionsPayload(options []store.PollOption) []map[string]any {
	total := lo.SumBy(options, func(option store.PollOption) int { return option.VoteCount })
	return lo.Map(options, func(option store.PollOption, _ int) map[string]any {
		return map[string]any{
			"id":        option.ID,
			"label":     option.Label,
			"voteCount": option.VoteCount,
			"total":     total,
		}
	})
}

func commentPayload(post store.Post, comment store.Comment, viewerID string) map[string]any {
	author := anonymity.ForComment(post.Type, post.UserID, anonymity.Author{
		ID:    comment.UserID,
		Alias: comment.AuthorAlias,
		Email: comment.AuthorEmail,
	})
	payload := map[string]any{
		"id":        comment.ID,
		"postId":    comment.PostID,
		"content":   comment.Content,
		"createdAt": comment.CreatedAt.UTC().Format(time.RFC3339),
		"author":    author,
		"isOwn":     viewerID != "" && comment.UserID == viewerID,
	}
	if comment.ParentID != nil {
		payload["parentId"] = *comment.ParentID
	}
	if !author.Anonymous {
		payload["userId"] = comment.UserID
	}
	return payload
}

func ownProfilePayload(profile store.Profile) map[string]any {
	payload := map[string]any{
		"id":               profile.ID,
		"email":            profile.Email,
		"realName":         profile.RealName,
		"alias":            profile.Alias,
		"bio":              profile.Bio,
		"branch":           profile.Branch,
		"year":             profile.Year,
		"role":             profile.Role,
		"status":           profile.Status,
		"karma":            profile.Karma,
		"profileCompleted": profile.ProfileCompleted,
		"avatarUrl":        anonymity.AvatarURL(profile.ID),
		"createdAt":        profile.CreatedAt.UTC().Format(time.RFC3339),
	}
	if profile.LastAliasChange != nil {
		payload["lastAliasChange"] = profile.LastAliasChange.UTC().Format(time.RFC3339)
	}
	return payload
}

// adminProfilePayload is what the moderation surface sees about a user.
func adminProfilePayload(profile store.Profile) map[string]any {
	return map[string]any{
		"id":        profile.ID,
		"email":     profile.Email,
		"realName":  profile.RealName,
		"alias":     profile.Alias,
		"branch":    profile.Branch,
		"year":      profile.Year,
		"role":      profile.Role,
		"status":    profile.Status,
		"karma":     profile.Karma,
		"createdAt": profile.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// reportPayload hides the reported user when the post is a confession.
func reportPayload(report store.Report) map[string]any {
	payload := map[string]any{
		"id":          report.ID,
		"postId":      report.PostID,
		"reportedBy":  report.ReportedBy,
		"reason":      report.Reason,
		"status":      report.Status,
		"createdAt":   report.CreatedAt.UTC().Format(time.RFC3339),
		"postExists":  report.PostExists,
		"postContent": report.PostContent,
		"postType":    report.PostType,
	}
	if report.PostType != store.PostConfession && report.ReportedUser != "" {
		payload["reportedUser"] = report.ReportedUser
	}
	return payload
}

func confessionAuditPayload(post store.Post) map[string]any {
	return map[string]any{
		"id":         post.ID,
		"content":    post.Content,
		"upvotes":    post.Upvotes,
		"createdAt":  post.CreatedAt.UTC().Format(time.RFC3339),
		"author":     postAuthor(post),
		"auditLabel": anonymity.AuditLabel(post.UserID),
	}
}

func notePayload(note store.Note) map[string]any {
	return map[string]any{
		"id":        note.ID,
		"userId":    note.UserID,
		"title":     note.Title,
		"subject":   note.Subject,
		"semester":  note.Semester,
		"fileUrl":   note.FileURL,
		"createdAt": note.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func eventPayload(event store.Event) map[string]any {
	return map[string]any{
		"id":          event.ID,
		"userId":      event.UserID,
		"title":       event.Title,
		"description": event.Description,
		"location":    event.Location,
		"eventDate":   event.EventDate.UTC().Format(time.RFC3339),
		"rsvpCount":   event.RSVPCount,
		"createdAt":   event.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"email":        session.Email,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}
