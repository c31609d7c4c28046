package app

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tigerden/api/internal/config"
	"tigerden/api/internal/events"
	"tigerden/api/internal/identity"
	"tigerden/api/internal/search"
	"tigerden/api/internal/session"
	"tigerden/api/internal/store"
)

// fakeStore is an in-memory dataStore, sessionStore and identity.AccountStore.
// The xxxFn fields override single methods to inject failures.
type fakeStore struct {
	seq   int
	clock time.Time

	identities  map[string]store.Identity
	profiles    map[string]store.Profile
	posts       map[string]store.Post
	pollOptions map[string]store.PollOption
	votes       map[string]store.Vote
	likes       map[string]store.Like
	reports     map[string]store.Report
	comments    map[string]store.Comment
	notices     map[string]store.Notice
	notes       map[string]store.Note
	events      map[string]store.Event
	rsvps       map[string]bool
	refresh     map[string]string
	revoked     map[string]time.Time

	updateRoleStatusFn  func(ctx context.Context, id string, role store.Role, status store.Status) (bool, error)
	insertPollOptionsFn func(ctx context.Context, postID string, labels []string) ([]store.PollOption, error)
	hasPendingReportFn  func(ctx context.Context, postID, reporterID string) (bool, error)
	hasVotedFn          func(ctx context.Context, postID, userID string) (bool, error)
	getPostFn           func(ctx context.Context, id string) (store.Post, error)
	resolveForPostFn    func(ctx context.Context, postID string) (int64, error)
	deleteUserContentFn func(ctx context.Context, userID string) (store.RemovedContent, error)
	confirmIdentityFn   func(ctx context.Context, id string) (bool, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clock:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		identities:  map[string]store.Identity{},
		profiles:    map[string]store.Profile{},
		posts:       map[string]store.Post{},
		pollOptions: map[string]store.PollOption{},
		votes:       map[string]store.Vote{},
		likes:       map[string]store.Like{},
		reports:     map[string]store.Report{},
		comments:    map[string]store.Comment{},
		notices:     map[string]store.Notice{},
		notes:       map[string]store.Note{},
		events:      map[string]store.Event{},
		rsvps:       map[string]bool{},
		refresh:     map[string]string{},
		revoked:     map[string]time.Time{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

// tick returns a strictly increasing timestamp so insertion order is
// creation order.
func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func pairKey(a, b string) string {
	return a + "|" + b
}

// addUser seeds an account and its profile.
func (f *fakeStore) addUser(id, email string, role store.Role, status store.Status) store.Profile {
	f.identities[id] = store.Identity{ID: id, Email: email, CreatedAt: f.tick()}
	profile := store.Profile{ID: id, Email: email, Role: role, Status: status, CreatedAt: f.tick()}
	f.profiles[id] = profile
	return profile
}

// recordingIndex is a synchronous searchIndex that remembers every write.
type recordingIndex struct {
	writes []string
}

func (r *recordingIndex) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (r *recordingIndex) IndexPost(p search.PostRecord)     { r.writes = append(r.writes, "index post:"+p.ID) }
func (r *recordingIndex) IndexNote(n search.NoteRecord)     { r.writes = append(r.writes, "index note:"+n.ID) }
func (r *recordingIndex) IndexNotice(n search.NoticeRecord) { r.writes = append(r.writes, "index notice:"+n.ID) }
func (r *recordingIndex) DeletePost(id string)              { r.writes = append(r.writes, "delete post:"+id) }
func (r *recordingIndex) DeleteNote(id string)              { r.writes = append(r.writes, "delete note:"+id) }
func (r *recordingIndex) DeleteNotice(id string)            { r.writes = append(r.writes, "delete notice:"+id) }

func (r *recordingIndex) deletes() []string {
	return slices.DeleteFunc(slices.Clone(r.writes), func(w string) bool { return strings.HasPrefix(w, "index ") })
}

func newTestService(fs *fakeStore, adminEmails ...string) *Service {
	cfg := config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		FeedPageSize:  5,
		AliasCooldown: 18 * 24 * time.Hour,
		AdminEmails:   adminEmails,
	}
	return New(cfg, Dependencies{
		Store:    fs,
		Sessions: fs,
		Accounts: identity.NewService(fs).WithCost(bcrypt.MinCost),
		Events:   &events.Recorder{},
	})
}

func recorderOf(svc *Service) *events.Recorder {
	recorder, _ := svc.events.(*events.Recorder)
	return recorder
}

// Accounts

func (f *fakeStore) CreateIdentity(_ context.Context, account store.Identity) (store.Identity, error) {
	for _, existing := range f.identities {
		if existing.Email == account.Email {
			return store.Identity{}, fmt.Errorf("insert identity: %w", store.ErrDuplicate)
		}
	}
	account.ID = f.nextID("user")
	account.CreatedAt = f.tick()
	f.identities[account.ID] = account
	return account, nil
}

func (f *fakeStore) GetIdentityByEmail(_ context.Context, email string) (store.Identity, error) {
	for _, account := range f.identities {
		if account.Email == email {
			return account, nil
		}
	}
	return store.Identity{}, sql.ErrNoRows
}

func (f *fakeStore) GetIdentityByID(_ context.Context, id string) (store.Identity, error) {
	account, ok := f.identities[id]
	if !ok {
		return store.Identity{}, sql.ErrNoRows
	}
	return account, nil
}

func (f *fakeStore) ConfirmIdentityEmail(ctx context.Context, id string) (bool, error) {
	if f.confirmIdentityFn != nil {
		return f.confirmIdentityFn(ctx, id)
	}
	account, ok := f.identities[id]
	if !ok {
		return false, nil
	}
	now := f.tick()
	account.EmailConfirmedAt = &now
	f.identities[id] = account
	return true, nil
}

func (f *fakeStore) DeleteIdentity(_ context.Context, id string) (bool, error) {
	_, ok := f.identities[id]
	delete(f.identities, id)
	return ok, nil
}

// Sessions

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", session.ErrSessionNotFound
	}
	return userID, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeUserSessions(_ context.Context, userID string) (int64, error) {
	var n int64
	for hash, owner := range f.refresh {
		if owner == userID {
			delete(f.refresh, hash)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	f.revoked[jti] = exp
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	_, ok := f.revoked[jti]
	return ok, nil
}

// Profiles

func (f *fakeStore) Ping(context.Context) error {
	return nil
}

func (f *fakeStore) GetProfile(_ context.Context, id string) (store.Profile, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (f *fakeStore) EnsureProfile(ctx context.Context, id, email string) (store.Profile, error) {
	if _, ok := f.profiles[id]; !ok {
		f.profiles[id] = store.Profile{
			ID:        id,
			Email:     email,
			Role:      store.RoleStudent,
			Status:    store.StatusPending,
			CreatedAt: f.tick(),
		}
	}
	return f.GetProfile(ctx, id)
}

func (f *fakeStore) ListProfiles(_ context.Context, status store.Status, query string, limit int) ([]store.Profile, error) {
	var out []store.Profile
	for _, profile := range f.profiles {
		if status != "" && profile.Status != status {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(profile.Email+" "+profile.RealName+" "+profile.Alias), strings.ToLower(query)) {
			continue
		}
		out = append(out, profile)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) FindProfilesByEmail(_ context.Context, emails []string) ([]store.Profile, error) {
	var out []store.Profile
	for _, profile := range f.profiles {
		if slices.Contains(emails, strings.ToLower(profile.Email)) {
			out = append(out, profile)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateProfileStatus(_ context.Context, id string, status store.Status) (bool, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return false, nil
	}
	profile.Status = status
	f.profiles[id] = profile
	return true, nil
}

func (f *fakeStore) UpdateProfileRoleStatus(ctx context.Context, id string, role store.Role, status store.Status) (bool, error) {
	if f.updateRoleStatusFn != nil {
		return f.updateRoleStatusFn(ctx, id, role, status)
	}
	profile, ok := f.profiles[id]
	if !ok {
		return false, nil
	}
	profile.Role = role
	profile.Status = status
	f.profiles[id] = profile
	return true, nil
}

func (f *fakeStore) UpdateAlias(_ context.Context, id, alias string, changedAt time.Time) error {
	for otherID, other := range f.profiles {
		if otherID != id && strings.EqualFold(other.Alias, alias) {
			return fmt.Errorf("update alias: %w (profiles_alias_key)", store.ErrDuplicate)
		}
	}
	profile, ok := f.profiles[id]
	if !ok {
		return sql.ErrNoRows
	}
	profile.Alias = alias
	profile.LastAliasChange = &changedAt
	f.profiles[id] = profile
	return nil
}

func (f *fakeStore) CompleteProfile(_ context.Context, id string, details store.Profile) (bool, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return false, nil
	}
	profile.RealName = details.RealName
	profile.Branch = details.Branch
	profile.Year = details.Year
	profile.Bio = details.Bio
	profile.ProfileCompleted = true
	f.profiles[id] = profile
	return true, nil
}

func (f *fakeStore) DeleteProfile(_ context.Context, id string) (bool, error) {
	_, ok := f.profiles[id]
	delete(f.profiles, id)
	return ok, nil
}

func (f *fakeStore) TopKarma(_ context.Context, limit int) ([]store.Profile, error) {
	var out []store.Profile
	for _, profile := range f.profiles {
		if profile.Status == store.StatusApproved {
			out = append(out, profile)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Karma > out[j].Karma })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountByStatus(context.Context) (store.StatusCounts, error) {
	var counts store.StatusCounts
	for _, profile := range f.profiles {
		switch profile.Status {
		case store.StatusPending:
			counts.Pending++
		case store.StatusApproved:
			counts.Approved++
		case store.StatusBanned:
			counts.Banned++
		}
	}
	counts.Posts = len(f.posts)
	for _, report := range f.reports {
		if report.Status == store.ReportPending {
			counts.PendingReports++
		}
	}
	return counts, nil
}

// Posts

func (f *fakeStore) withAuthor(post store.Post) store.Post {
	if profile, ok := f.profiles[post.UserID]; ok {
		post.AuthorAlias = profile.Alias
		post.AuthorEmail = profile.Email
	}
	return post
}

func (f *fakeStore) InsertPost(_ context.Context, post store.Post) (store.Post, error) {
	post.ID = f.nextID("post")
	post.CreatedAt = f.tick()
	if post.Tags == nil {
		post.Tags = []string{}
	}
	f.posts[post.ID] = post
	return post, nil
}

func (f *fakeStore) GetPost(ctx context.Context, id string) (store.Post, error) {
	if f.getPostFn != nil {
		return f.getPostFn(ctx, id)
	}
	post, ok := f.posts[id]
	if !ok {
		return store.Post{}, sql.ErrNoRows
	}
	return f.withAuthor(post), nil
}

func (f *fakeStore) DeletePost(_ context.Context, id string) (bool, error) {
	if _, ok := f.posts[id]; !ok {
		return false, nil
	}
	delete(f.posts, id)
	for optionID, option := range f.pollOptions {
		if option.PostID == id {
			delete(f.pollOptions, optionID)
		}
	}
	for key, like := range f.likes {
		if like.PostID == id {
			delete(f.likes, key)
		}
	}
	for commentID, comment := range f.comments {
		if comment.PostID == id {
			delete(f.comments, commentID)
		}
	}
	return true, nil
}

func matchesFeed(post store.Post, filter store.FeedFilter) bool {
	switch filter.Match {
	case store.FeedMatchSearch:
		return strings.Contains(strings.ToLower(post.Content), strings.ToLower(filter.Search))
	case store.FeedMatchType:
		return slices.Contains(filter.Types, post.Type)
	case store.FeedMatchTypeOrTag:
		if slices.Contains(filter.Types, post.Type) {
			return true
		}
		for _, tag := range filter.Tags {
			if !slices.Contains(post.Tags, tag) {
				return false
			}
		}
		return len(filter.Tags) > 0
	default:
		return true
	}
}

func (f *fakeStore) sortedPosts() []store.Post {
	out := make([]store.Post, 0, len(f.posts))
	for _, post := range f.posts {
		out = append(out, f.withAuthor(post))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (f *fakeStore) ListFeed(_ context.Context, filter store.FeedFilter) ([]store.Post, int, error) {
	var matched []store.Post
	for _, post := range f.sortedPosts() {
		if matchesFeed(post, filter) {
			matched = append(matched, post)
		}
	}
	total := len(matched)
	start := min(filter.Offset, total)
	end := min(start+filter.Limit, total)
	return matched[start:end], total, nil
}

func (f *fakeStore) ListConfessions(_ context.Context, limit int) ([]store.Post, error) {
	var out []store.Post
	for _, post := range f.sortedPosts() {
		if post.Type == store.PostConfession {
			out = append(out, post)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Polls

func (f *fakeStore) InsertPollOptions(ctx context.Context, postID string, labels []string) ([]store.PollOption, error) {
	if f.insertPollOptionsFn != nil {
		return f.insertPollOptionsFn(ctx, postID, labels)
	}
	out := make([]store.PollOption, 0, len(labels))
	for _, label := range labels {
		option := store.PollOption{ID: f.nextID("option"), PostID: postID, Label: label}
		f.pollOptions[option.ID] = option
		out = append(out, option)
	}
	return out, nil
}

func (f *fakeStore) ListPollOptions(_ context.Context, postIDs []string) (map[string][]store.PollOption, error) {
	out := map[string][]store.PollOption{}
	for _, option := range f.pollOptions {
		if slices.Contains(postIDs, option.PostID) {
			out[option.PostID] = append(out[option.PostID], option)
		}
	}
	for postID := range out {
		sort.Slice(out[postID], func(i, j int) bool { return out[postID][i].ID < out[postID][j].ID })
	}
	return out, nil
}

func (f *fakeStore) GetPollOption(_ context.Context, id string) (store.PollOption, error) {
	option, ok := f.pollOptions[id]
	if !ok {
		return store.PollOption{}, sql.ErrNoRows
	}
	return option, nil
}

func (f *fakeStore) HasVoted(ctx context.Context, postID, userID string) (bool, error) {
	if f.hasVotedFn != nil {
		return f.hasVotedFn(ctx, postID, userID)
	}
	_, ok := f.votes[pairKey(postID, userID)]
	return ok, nil
}

func (f *fakeStore) InsertVote(_ context.Context, vote store.Vote) (store.PollOption, error) {
	key := pairKey(vote.PostID, vote.UserID)
	if _, ok := f.votes[key]; ok {
		return store.PollOption{}, fmt.Errorf("insert vote: %w (votes_post_user_key)", store.ErrDuplicate)
	}
	vote.ID = f.nextID("vote")
	f.votes[key] = vote
	option := f.pollOptions[vote.PollOptionID]
	option.VoteCount++
	f.pollOptions[option.ID] = option
	return option, nil
}

// Likes

func (f *fakeStore) FindLike(_ context.Context, postID, userID string) (store.Like, bool, error) {
	like, ok := f.likes[pairKey(postID, userID)]
	return like, ok, nil
}

func (f *fakeStore) bumpLike(postID string, delta int) int {
	post := f.posts[postID]
	post.Upvotes = max(post.Upvotes+delta, 0)
	f.posts[postID] = post
	if author, ok := f.profiles[post.UserID]; ok {
		author.Karma = max(author.Karma+delta, 0)
		f.profiles[post.UserID] = author
	}
	return post.Upvotes
}

func (f *fakeStore) InsertLike(_ context.Context, postID, userID string) (int, error) {
	key := pairKey(postID, userID)
	if _, ok := f.likes[key]; ok {
		return 0, fmt.Errorf("insert like: %w (post_likes_post_user_key)", store.ErrDuplicate)
	}
	f.likes[key] = store.Like{ID: f.nextID("like"), PostID: postID, UserID: userID, CreatedAt: f.tick()}
	return f.bumpLike(postID, 1), nil
}

func (f *fakeStore) DeleteLike(_ context.Context, postID, userID string) (int, bool, error) {
	key := pairKey(postID, userID)
	if _, ok := f.likes[key]; !ok {
		return 0, false, nil
	}
	delete(f.likes, key)
	return f.bumpLike(postID, -1), true, nil
}

func (f *fakeStore) ListLikedPostIDs(_ context.Context, userID string, postIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, postID := range postIDs {
		if _, ok := f.likes[pairKey(postID, userID)]; ok {
			out[postID] = true
		}
	}
	return out, nil
}

// Reports

func (f *fakeStore) HasPendingReport(ctx context.Context, postID, reporterID string) (bool, error) {
	if f.hasPendingReportFn != nil {
		return f.hasPendingReportFn(ctx, postID, reporterID)
	}
	for _, report := range f.reports {
		if report.PostID == postID && report.ReportedBy == reporterID && report.Status == store.ReportPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertReport(_ context.Context, report store.Report) (store.Report, error) {
	for _, existing := range f.reports {
		if existing.PostID == report.PostID && existing.ReportedBy == report.ReportedBy && existing.Status == store.ReportPending {
			return store.Report{}, fmt.Errorf("insert report: %w (reports_one_pending_per_reporter)", store.ErrDuplicate)
		}
	}
	report.ID = f.nextID("report")
	report.CreatedAt = f.tick()
	f.reports[report.ID] = report
	return report, nil
}

func (f *fakeStore) withPost(report store.Report) store.Report {
	if post, ok := f.posts[report.PostID]; ok {
		report.PostExists = true
		report.PostContent = post.Content
		report.PostType = post.Type
	}
	return report
}

func (f *fakeStore) GetReport(_ context.Context, id string) (store.Report, error) {
	report, ok := f.reports[id]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	return f.withPost(report), nil
}

func (f *fakeStore) ListReports(_ context.Context, status store.ReportStatus, limit int) ([]store.Report, error) {
	var out []store.Report
	for _, report := range f.reports {
		if status == "" || report.Status == status {
			out = append(out, f.withPost(report))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) TransitionReport(_ context.Context, id string, from, to store.ReportStatus) (bool, error) {
	report, ok := f.reports[id]
	if !ok || report.Status != from {
		return false, nil
	}
	report.Status = to
	f.reports[id] = report
	return true, nil
}

func (f *fakeStore) ResolvePendingReportsForPost(ctx context.Context, postID string) (int64, error) {
	if f.resolveForPostFn != nil {
		return f.resolveForPostFn(ctx, postID)
	}
	var n int64
	for id, report := range f.reports {
		if report.PostID == postID && report.Status == store.ReportPending {
			report.Status = store.ReportResolved
			f.reports[id] = report
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ResolveOrphanedReports(context.Context) (int64, error) {
	var n int64
	for id, report := range f.reports {
		if _, ok := f.posts[report.PostID]; !ok && report.Status == store.ReportPending {
			report.Status = store.ReportResolved
			f.reports[id] = report
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteUserContent(ctx context.Context, userID string) (store.RemovedContent, error) {
	if f.deleteUserContentFn != nil {
		return f.deleteUserContentFn(ctx, userID)
	}
	var removed store.RemovedContent
	for key, vote := range f.votes {
		if vote.UserID == userID {
			delete(f.votes, key)
		}
	}
	for key, like := range f.likes {
		if like.UserID == userID {
			delete(f.likes, key)
			f.bumpLike(like.PostID, -1)
		}
	}
	for id, comment := range f.comments {
		if comment.UserID == userID {
			delete(f.comments, id)
		}
	}
	for id, report := range f.reports {
		if report.ReportedBy == userID || report.ReportedUser == userID {
			delete(f.reports, id)
		}
	}
	for key := range f.rsvps {
		if strings.HasSuffix(key, "|"+userID) {
			delete(f.rsvps, key)
		}
	}
	for id, event := range f.events {
		if event.UserID == userID {
			delete(f.events, id)
		}
	}
	for id, note := range f.notes {
		if note.UserID == userID {
			delete(f.notes, id)
			removed.NoteIDs = append(removed.NoteIDs, id)
		}
	}
	for id, notice := range f.notices {
		if notice.CreatedBy == userID {
			delete(f.notices, id)
			removed.NoticeIDs = append(removed.NoticeIDs, id)
		}
	}
	for id, post := range f.posts {
		if post.UserID == userID {
			_, _ = f.DeletePost(ctx, id)
			removed.PostIDs = append(removed.PostIDs, id)
		}
	}
	slices.Sort(removed.NoteIDs)
	slices.Sort(removed.NoticeIDs)
	slices.Sort(removed.PostIDs)
	return removed, nil
}

// Comments

func (f *fakeStore) InsertComment(_ context.Context, comment store.Comment) (store.Comment, error) {
	comment.ID = f.nextID("comment")
	comment.CreatedAt = f.tick()
	f.comments[comment.ID] = comment
	return comment, nil
}

func (f *fakeStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	comment, ok := f.comments[id]
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return comment, nil
}

func (f *fakeStore) DeleteComment(_ context.Context, id string) (bool, error) {
	_, ok := f.comments[id]
	delete(f.comments, id)
	return ok, nil
}

func (f *fakeStore) ListComments(_ context.Context, postID string) ([]store.Comment, error) {
	var out []store.Comment
	for _, comment := range f.comments {
		if comment.PostID != postID {
			continue
		}
		if profile, ok := f.profiles[comment.UserID]; ok {
			comment.AuthorAlias = profile.Alias
			comment.AuthorEmail = profile.Email
		}
		out = append(out, comment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Notices, notes, events

func (f *fakeStore) InsertNotice(_ context.Context, notice store.Notice) (store.Notice, error) {
	notice.ID = f.nextID("notice")
	notice.CreatedAt = f.tick()
	f.notices[notice.ID] = notice
	return notice, nil
}

func (f *fakeStore) ListNotices(_ context.Context, from time.Time, limit int) ([]store.Notice, error) {
	out := make([]store.Notice, 0, len(f.notices))
	for _, notice := range f.notices {
		if notice.Type == store.NoticeBroadcast || !notice.Date.Before(from) {
			out = append(out, notice)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].Type == store.NoticeBroadcast, out[j].Type == store.NoticeBroadcast
		if bi != bj {
			return bi
		}
		return out[i].Date.Before(out[j].Date)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DeleteNotice(_ context.Context, id string) (bool, error) {
	_, ok := f.notices[id]
	delete(f.notices, id)
	return ok, nil
}

func (f *fakeStore) InsertNote(_ context.Context, note store.Note) (store.Note, error) {
	note.ID = f.nextID("note")
	note.CreatedAt = f.tick()
	f.notes[note.ID] = note
	return note, nil
}

func (f *fakeStore) ListNotes(_ context.Context, subject, semester string, limit int) ([]store.Note, error) {
	var out []store.Note
	for _, note := range f.notes {
		if (subject == "" || note.Subject == subject) && (semester == "" || note.Semester == semester) {
			out = append(out, note)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, event store.Event) (store.Event, error) {
	event.ID = f.nextID("event")
	event.CreatedAt = f.tick()
	f.events[event.ID] = event
	return event, nil
}

func (f *fakeStore) GetEvent(_ context.Context, id string) (store.Event, error) {
	event, ok := f.events[id]
	if !ok {
		return store.Event{}, sql.ErrNoRows
	}
	return event, nil
}

func (f *fakeStore) ListEvents(_ context.Context, from time.Time, limit int) ([]store.Event, error) {
	var out []store.Event
	for _, event := range f.events {
		if !event.EventDate.Before(from) {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventDate.Before(out[j].EventDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ToggleRSVP(_ context.Context, eventID, userID string) (bool, error) {
	key := pairKey(eventID, userID)
	if f.rsvps[key] {
		delete(f.rsvps, key)
		return false, nil
	}
	f.rsvps[key] = true
	return true, nil
}
