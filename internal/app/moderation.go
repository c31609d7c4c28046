package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"tigerden/api/internal/events"
	"tigerden/api/internal/store"
)

const adminListLimit = 100

func (s *Service) ApproveUser(ctx context.Context, actor Actor, targetID string) (map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	target, err := s.store.GetProfile(ctx, targetID)
	if err != nil {
		return nil, missing(err, "User not found")
	}
	ok, err := s.store.UpdateProfileStatus(ctx, target.ID, store.StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("approve user: %w", err)
	}
	if !ok {
		return nil, notFound("User not found")
	}
	if err := s.accounts.ConfirmEmail(ctx, target.ID); err != nil {
		log.Warn().Err(err).Str("user_id", target.ID).Msg("approve: email confirmation failed")
	}

	events.Emit(ctx, s.events, events.Event{Kind: events.UserApproved, ActorID: actor.ID(), SubjectID: target.ID, OccurredAt: s.now()})
	target.Status = store.StatusApproved
	return adminProfilePayload(target), nil
}

func (s *Service) BanUser(ctx context.Context, actor Actor, targetID string) (map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	if targetID == actor.ID() {
		return nil, validationError("You cannot ban yourself.", nil)
	}
	target, err := s.store.GetProfile(ctx, targetID)
	if err != nil {
		return nil, missing(err, "User not found")
	}
	if s.policy.IsAdminEmail(target.Email) {
		return nil, unauthorized("Allowlisted admins cannot be banned.")
	}
	ok, err := s.store.UpdateProfileStatus(ctx, target.ID, store.StatusBanned)
	if err != nil {
		return nil, fmt.Errorf("ban user: %w", err)
	}
	if !ok {
		return nil, notFound("User not found")
	}

	s.signOutEverywhere(ctx, target.ID)
	events.Emit(ctx, s.events, events.Event{Kind: events.UserBanned, ActorID: actor.ID(), SubjectID: target.ID, OccurredAt: s.now()})
	target.Status = store.StatusBanned
	return adminProfilePayload(target), nil
}

// DeleteUser removes the user's content, then the profile, then the login.
// Each stage is idempotent, so a failed run can simply be repeated.
func (s *Service) DeleteUser(ctx context.Context, actor Actor, targetID string) (map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	if targetID == actor.ID() {
		return nil, validationError("You cannot delete yourself.", nil)
	}
	target, err := s.store.GetProfile(ctx, targetID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	case s.policy.IsAdminEmail(target.Email):
		return nil, unauthorized("Allowlisted admins cannot be deleted.")
	default:
	}

	removed, err := s.store.DeleteUserContent(ctx, targetID)
	s.forgetContent(removed)
	if err != nil {
		var cascadeErr *store.CascadeError
		if errors.As(err, &cascadeErr) {
			return nil, externalFailure("delete "+cascadeErr.Step, err)
		}
		return nil, externalFailure("delete content", err)
	}
	if _, err := s.store.DeleteProfile(ctx, targetID); err != nil {
		return nil, externalFailure("delete profile", err)
	}
	if err := s.accounts.DeleteAccount(ctx, targetID); err != nil {
		return nil, externalFailure("delete account", err)
	}

	s.signOutEverywhere(ctx, targetID)
	events.Emit(ctx, s.events, events.Event{Kind: events.UserDeleted, ActorID: actor.ID(), SubjectID: targetID, OccurredAt: s.now()})
	return map[string]any{"deleted": true, "userId": targetID}, nil
}

// forgetContent drops deleted rows from the search index.
func (s *Service) forgetContent(removed store.RemovedContent) {
	lo.ForEach(removed.PostIDs, func(id string, _ int) { s.search.DeletePost(id) })
	lo.ForEach(removed.NoteIDs, func(id string, _ int) { s.search.DeleteNote(id) })
	lo.ForEach(removed.NoticeIDs, func(id string, _ int) { s.search.DeleteNotice(id) })
}

// signOutEverywhere drops refresh sessions. Access tokens already issued
// keep working until they expire, but every request re-reads the status.
func (s *Service) signOutEverywhere(ctx context.Context, userID string) {
	n, err := s.sessions.RevokeUserSessions(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("revoke user sessions failed")
		return
	}
	log.Debug().Int64("sessions", n).Str("user_id", userID).Msg("user signed out everywhere")
}

func (s *Service) DismissReport(ctx context.Context, actor Actor, reportID string) (map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	report, err := s.pendingReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.TransitionReport(ctx, report.ID, store.ReportPending, store.ReportDismissed)
	if err != nil {
		return nil, fmt.Errorf("dismiss report: %w", err)
	}
	if !ok {
		return nil, conflict("This report has already been handled.")
	}

	events.Emit(ctx, s.events, events.Event{Kind: events.ReportDismissed, ActorID: actor.ID(), SubjectID: report.ID, OccurredAt: s.now()})
	report.Status = store.ReportDismissed
	return reportPayload(report), nil
}

// ResolveReportByDeletingPost deletes the reported post, which resolves
// every pending report on it. A report whose post is already gone is
// resolved directly.
func (s *Service) ResolveReportByDeletingPost(ctx context.Context, actor Actor, reportID string) (map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	report, err := s.pendingReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	postDeleted := false
	var resolved int64
	_, err = s.store.GetPost(ctx, report.PostID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		resolved, err = s.store.ResolvePendingReportsForPost(ctx, report.PostID)
		if err != nil {
			return nil, externalFailure("resolve reports", err)
		}
	case err != nil:
		return nil, err
	default:
		resolved, err = s.removePost(ctx, actor, report.PostID)
		if err != nil {
			return nil, err
		}
		postDeleted = true
	}

	events.Emit(ctx, s.events, events.Event{
		Kind:       events.ReportResolved,
		ActorID:    actor.ID(),
		SubjectID:  report.ID,
		Count:      resolved,
		OccurredAt: s.now(),
	})
	return map[string]any{
		"reportId":        report.ID,
		"postId":          report.PostID,
		"status":          store.ReportResolved,
		"postDeleted":     postDeleted,
		"reportsResolved": resolved,
	}, nil
}

func (s *Service) pendingReport(ctx context.Context, reportID string) (store.Report, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return store.Report{}, missing(err, "Report not found")
	}
	if report.Status != store.ReportPending {
		return store.Report{}, conflict("This report has already been " + string(report.Status) + ".")
	}
	return report, nil
}

func (s *Service) ListUsers(ctx context.Context, actor Actor, status, query string) ([]map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	filter := store.Status(status)
	switch filter {
	case "", store.StatusPending, store.StatusApproved, store.StatusBanned:
	default:
		return nil, validationError("Unknown status filter", nil)
	}
	profiles, err := s.store.ListProfiles(ctx, filter, query, adminListLimit)
	if err != nil {
		return nil, err
	}
	return lo.Map(profiles, func(profile store.Profile, _ int) map[string]any {
		return adminProfilePayload(profile)
	}), nil
}

func (s *Service) ListReports(ctx context.Context, actor Actor, status string) ([]map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	filter := store.ReportStatus(status)
	switch filter {
	case "", store.ReportPending, store.ReportDismissed, store.ReportResolved:
	default:
		return nil, validationError("Unknown report status", nil)
	}
	reports, err := s.store.ListReports(ctx, filter, adminListLimit)
	if err != nil {
		return nil, err
	}
	return lo.Map(reports, func(report store.Report, _ int) map[string]any {
		return reportPayload(report)
	}), nil
}

// ConfessionAudit is the one surface that hints at a confession's author,
// and only through a truncated audit label.
func (s *Service) ConfessionAudit(ctx context.Context, actor Actor) ([]map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	posts, err := s.store.ListConfessions(ctx, adminListLimit)
	if err != nil {
		return nil, err
	}
	return lo.Map(posts, func(post store.Post, _ int) map[string]any {
		return confessionAuditPayload(post)
	}), nil
}

func (s *Service) Stats(ctx context.Context, actor Actor) (map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pendingUsers":   counts.Pending,
		"approvedUsers":  counts.Approved,
		"bannedUsers":    counts.Banned,
		"posts":          counts.Posts,
		"pendingReports": counts.PendingReports,
	}, nil
}

// ReconcileOrphanedReports resolves pending reports whose post is gone.
func (s *Service) ReconcileOrphanedReports(ctx context.Context) (int64, error) {
	resolved, err := s.store.ResolveOrphanedReports(ctx)
	if err != nil {
		return 0, err
	}
	if resolved > 0 {
		log.Info().Int64("resolved", resolved).Msg("orphaned reports resolved")
		events.Emit(ctx, s.events, events.Event{Kind: events.OrphansResolved, Count: resolved, OccurredAt: s.now()})
	}
	return resolved, nil
}

// ReconcileAllowlist rewrites every allowlisted profile that is not yet
// admin/approved, without waiting for that admin's next request.
func (s *Service) ReconcileAllowlist(ctx context.Context) (int, error) {
	emails := s.policy.AdminEmails()
	if len(emails) == 0 {
		return 0, nil
	}
	profiles, err := s.store.FindProfilesByEmail(ctx, emails)
	if err != nil {
		return 0, err
	}
	reconciled := 0
	for _, profile := range profiles {
		if !s.policy.Evaluate(profile).Reconcile {
			continue
		}
		if updated := s.reconcileAdmin(ctx, profile); updated.Role == store.RoleAdmin && updated.Status == store.StatusApproved {
			reconciled++
		}
	}
	return reconciled, nil
}

// Reconcile runs both sweeps; the cron job calls it.
func (s *Service) Reconcile(ctx context.Context) {
	if _, err := s.ReconcileOrphanedReports(ctx); err != nil {
		log.Error().Err(err).Msg("orphaned report sweep failed")
	}
	if _, err := s.ReconcileAllowlist(ctx); err != nil {
		log.Error().Err(err).Msg("admin allowlist sweep failed")
	}
}
