package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"tigerden/api/internal/anonymity"
	"tigerden/api/internal/events"
	"tigerden/api/internal/rbac"
	"tigerden/api/internal/store"
)

func actorFor(t *testing.T, svc *Service, profile store.Profile) Actor {
	t.Helper()
	actor, err := svc.ResolveActor(context.Background(), Session{UserID: profile.ID, Email: profile.Email})
	if err != nil {
		t.Fatalf("ResolveActor(%s): %v", profile.ID, err)
	}
	return actor
}

func assertKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if !IsKind(err, kind) {
		t.Fatalf("error = %v, want kind %s", err, kind)
	}
}

func mustCreatePost(t *testing.T, svc *Service, actor Actor, input CreatePostInput) map[string]any {
	t.Helper()
	payload, err := svc.CreatePost(context.Background(), actor, input)
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	return payload
}

func TestPendingAndBannedUsersCannotMutate(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	poll := mustCreatePost(t, svc, author, CreatePostInput{
		Content:     "Best canteen?",
		Category:    "Poll",
		PollOptions: []string{"North", "South"},
	})
	postID := poll["id"].(string)
	optionID := poll["pollOptions"].([]map[string]any)[0]["id"].(string)
	postsBefore := len(fs.posts)

	for _, status := range []store.Status{store.StatusPending, store.StatusBanned} {
		t.Run(string(status), func(t *testing.T) {
			actor := actorFor(t, svc, fs.addUser("u-"+string(status), string(status)+"@campus.edu", store.RoleStudent, status))

			_, err := svc.CreatePost(ctx, actor, CreatePostInput{Content: "hello", Category: "Discussion"})
			assertKind(t, err, KindUnauthorized)
			_, err = svc.ToggleLike(ctx, actor, postID)
			assertKind(t, err, KindUnauthorized)
			_, err = svc.VoteOnPoll(ctx, actor, postID, optionID)
			assertKind(t, err, KindUnauthorized)
			_, err = svc.ReportPost(ctx, actor, postID, "spam")
			assertKind(t, err, KindUnauthorized)
		})
	}

	if len(fs.posts) != postsBefore || len(fs.likes) != 0 || len(fs.votes) != 0 || len(fs.reports) != 0 {
		t.Fatalf("unauthorized calls mutated the store: posts=%d likes=%d votes=%d reports=%d",
			len(fs.posts), len(fs.likes), len(fs.votes), len(fs.reports))
	}
}

func TestPendingUserCanStillReadFeed(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	pending := actorFor(t, svc, fs.addUser("u-new", "new@campus.edu", store.RoleStudent, store.StatusPending))

	if _, err := svc.Feed(context.Background(), pending, FeedQuery{}); err != nil {
		t.Fatalf("pending Feed: %v", err)
	}
	if me := svc.Me(pending); me["redirect"] != "approval-pending" {
		t.Fatalf("Me redirect = %v, want approval-pending", me["redirect"])
	}

	banned := actorFor(t, svc, fs.addUser("u-banned", "banned@campus.edu", store.RoleStudent, store.StatusBanned))
	_, err := svc.Feed(context.Background(), banned, FeedQuery{})
	assertKind(t, err, KindUnauthorized)
}

func TestConfessionPayloadsNeverCarryAuthor(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	confessorProfile := fs.addUser("u-confessor-7f3a", "confessor@campus.edu", store.RoleStudent, store.StatusApproved)
	confessor := actorFor(t, svc, confessorProfile)
	reader := actorFor(t, svc, fs.addUser("u-reader", "reader@campus.edu", store.RoleStudent, store.StatusApproved))
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))

	created := mustCreatePost(t, svc, confessor, CreatePostInput{Content: "I never read the syllabus", Category: "Confession"})
	postID := created["id"].(string)
	if _, err := svc.ReportPost(ctx, reader, postID, "mean"); err != nil {
		t.Fatalf("ReportPost: %v", err)
	}

	surfaces := map[string]func() (any, error){
		"create": func() (any, error) { return created, nil },
		"reader feed": func() (any, error) {
			return svc.Feed(ctx, reader, FeedQuery{Category: "Confession"})
		},
		"admin feed": func() (any, error) { return svc.Feed(ctx, admin, FeedQuery{}) },
		"admin post": func() (any, error) { return svc.GetPost(ctx, admin, postID) },
		"admin reports": func() (any, error) {
			return svc.ListReports(ctx, admin, "")
		},
		"admin audit": func() (any, error) { return svc.ConfessionAudit(ctx, admin) },
	}
	for name, load := range surfaces {
		t.Run(name, func(t *testing.T) {
			payload, err := load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			body := string(raw)
			if strings.Contains(body, confessorProfile.ID) || strings.Contains(body, confessorProfile.Email) {
				t.Fatalf("payload leaks confession author: %s", body)
			}
			if strings.Contains(body, `"userId"`) {
				t.Fatalf("payload carries userId: %s", body)
			}
		})
	}

	audit, err := svc.ConfessionAudit(ctx, admin)
	if err != nil {
		t.Fatalf("ConfessionAudit: %v", err)
	}
	if got, want := audit[0]["auditLabel"], anonymity.AuditLabel(confessorProfile.ID); got != want {
		t.Fatalf("auditLabel = %v, want %v", got, want)
	}
	author := created["author"].(anonymity.Identity)
	if author.Label != anonymity.AnonymousLabel || author.AvatarSeed != anonymity.AnonymousAvatarSeed {
		t.Fatalf("confession author = %+v", author)
	}
}

func TestConfessionAuthorRepliesAsOP(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	confessor := actorFor(t, svc, fs.addUser("u-op", "op@campus.edu", store.RoleStudent, store.StatusApproved))
	other := fs.addUser("u-other", "other@campus.edu", store.RoleStudent, store.StatusApproved)
	other.Alias = "night_owl"
	fs.profiles[other.ID] = other
	otherActor := actorFor(t, svc, other)

	post := mustCreatePost(t, svc, confessor, CreatePostInput{Content: "confess", Category: "Confession"})
	postID := post["id"].(string)
	if _, err := svc.CreateComment(ctx, confessor, postID, CommentInput{Content: "it was me"}); err != nil {
		t.Fatalf("OP comment: %v", err)
	}
	if _, err := svc.CreateComment(ctx, otherActor, postID, CommentInput{Content: "same"}); err != nil {
		t.Fatalf("other comment: %v", err)
	}

	comments, err := svc.ListComments(ctx, otherActor, postID)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("got %d comments", len(comments))
	}
	op := comments[0]["author"].(anonymity.Identity)
	if op.Label != anonymity.OPLabel || op.AvatarSeed != anonymity.AnonymousAvatarSeed {
		t.Fatalf("OP comment author = %+v", op)
	}
	if _, ok := comments[0]["userId"]; ok {
		t.Fatal("OP comment exposes userId")
	}
	named := comments[1]["author"].(anonymity.Identity)
	if named.Label != "night_owl" || named.AvatarSeed != "u-other" {
		t.Fatalf("other comment author = %+v", named)
	}
}

func TestLikeUnlikeLikeNetsOne(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	fan := actorFor(t, svc, fs.addUser("u-fan", "fan@campus.edu", store.RoleStudent, store.StatusApproved))
	postID := mustCreatePost(t, svc, author, CreatePostInput{Content: "gm", Category: "Discussion"})["id"].(string)

	wantLiked := []bool{true, false, true}
	for i, want := range wantLiked {
		result, err := svc.ToggleLike(ctx, fan, postID)
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		if result["liked"] != want {
			t.Fatalf("toggle %d liked = %v, want %v", i, result["liked"], want)
		}
	}
	if got := fs.posts[postID].Upvotes; got != 1 {
		t.Fatalf("upvotes = %d, want 1", got)
	}
	if got := fs.profiles["u-author"].Karma; got != 1 {
		t.Fatalf("author karma = %d, want 1", got)
	}
}

func TestToggleLikeTreatsConcurrentDuplicateAsLiked(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	postID := mustCreatePost(t, svc, author, CreatePostInput{Content: "gm"})["id"].(string)

	// A like that landed between FindLike and InsertLike.
	racer := &racingLikeStore{fakeStore: fs}
	svc.store = racer
	result, err := svc.ToggleLike(ctx, author, postID)
	if err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}
	if result["liked"] != true || result["upvotes"] != 1 {
		t.Fatalf("result = %v, want liked with 1 upvote", result)
	}
}

// racingLikeStore reports no like on lookup, then inserts one just before
// the caller's insert runs.
type racingLikeStore struct {
	*fakeStore
}

func (r *racingLikeStore) InsertLike(ctx context.Context, postID, userID string) (int, error) {
	if _, err := r.fakeStore.InsertLike(ctx, postID, userID); err != nil {
		return 0, err
	}
	return r.fakeStore.InsertLike(ctx, postID, userID)
}

func TestDoubleVoteIsConflictAndCountUnchanged(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	voter := actorFor(t, svc, fs.addUser("u-voter", "voter@campus.edu", store.RoleStudent, store.StatusApproved))
	poll := mustCreatePost(t, svc, author, CreatePostInput{Content: "tabs or spaces", Category: "poll", PollOptions: []string{"tabs", "spaces"}})
	postID := poll["id"].(string)
	options := poll["pollOptions"].([]map[string]any)
	first := options[0]["id"].(string)
	second := options[1]["id"].(string)

	if _, err := svc.VoteOnPoll(ctx, voter, postID, first); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, err := svc.VoteOnPoll(ctx, voter, postID, second)
	assertKind(t, err, KindConflict)

	// Store uniqueness still wins when the advisory check misses.
	fs.hasVotedFn = func(context.Context, string, string) (bool, error) { return false, nil }
	_, err = svc.VoteOnPoll(ctx, voter, postID, second)
	assertKind(t, err, KindConflict)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Message != alreadyVoted {
		t.Fatalf("message = %q", domainErr.Message)
	}

	if got := fs.pollOptions[first].VoteCount; got != 1 {
		t.Fatalf("first option count = %d, want 1", got)
	}
	if got := fs.pollOptions[second].VoteCount; got != 0 {
		t.Fatalf("second option count = %d, want 0", got)
	}
}

func TestVoteRejectsOptionFromAnotherPoll(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	pollA := mustCreatePost(t, svc, author, CreatePostInput{Content: "a", Category: "Poll", PollOptions: []string{"1", "2"}})
	pollB := mustCreatePost(t, svc, author, CreatePostInput{Content: "b", Category: "Poll", PollOptions: []string{"3", "4"}})
	foreign := pollB["pollOptions"].([]map[string]any)[0]["id"].(string)

	_, err := svc.VoteOnPoll(ctx, author, pollA["id"].(string), foreign)
	assertKind(t, err, KindValidation)
	if len(fs.votes) != 0 {
		t.Fatal("vote recorded against the wrong poll")
	}
}

func TestCreatePollNeedsTwoOptions(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))

	_, err := svc.CreatePost(context.Background(), author, CreatePostInput{Content: "?", Category: "Poll", PollOptions: []string{"only", "  "}})
	assertKind(t, err, KindValidation)
	if len(fs.posts) != 0 {
		t.Fatal("invalid poll was stored")
	}
}

func TestCreatePollRemovesPostWhenOptionsFail(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	fs.insertPollOptionsFn = func(context.Context, string, []string) ([]store.PollOption, error) {
		return nil, errors.New("connection reset")
	}

	_, err := svc.CreatePost(context.Background(), author, CreatePostInput{Content: "?", Category: "Poll", PollOptions: []string{"a", "b"}})
	assertKind(t, err, KindExternalFailure)
	if len(fs.posts) != 0 {
		t.Fatalf("poll post without options left behind: %v", fs.posts)
	}
}

func TestAllowlistedEmailIsReconciledToAdmin(t *testing.T) {
	for _, status := range []store.Status{store.StatusPending, store.StatusBanned} {
		t.Run(string(status), func(t *testing.T) {
			fs := newFakeStore()
			svc := newTestService(fs, "dean@campus.edu")
			profile := fs.addUser("u-dean", "Dean@Campus.edu", store.RoleStudent, status)

			actor := actorFor(t, svc, profile)
			if !actor.Caps.CanModerate || actor.Caps.Tier != rbac.TierAdmin {
				t.Fatalf("caps = %+v, want admin", actor.Caps)
			}
			stored := fs.profiles[profile.ID]
			if stored.Role != store.RoleAdmin || stored.Status != store.StatusApproved {
				t.Fatalf("stored profile = %s/%s, want admin/approved", stored.Role, stored.Status)
			}
			recorded := recorderOf(svc).Events()
			if len(recorded) != 1 || recorded[0].Kind != events.AdminReconciled {
				t.Fatalf("events = %+v", recorded)
			}

			// Second resolution finds nothing to fix.
			actorFor(t, svc, fs.profiles[profile.ID])
			if got := len(recorderOf(svc).Events()); got != 1 {
				t.Fatalf("reconcile ran again, events = %d", got)
			}
		})
	}
}

func TestAdminReconcileFailureDoesNotBlockRequest(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, "dean@campus.edu")
	profile := fs.addUser("u-dean", "dean@campus.edu", store.RoleStudent, store.StatusPending)
	fs.updateRoleStatusFn = func(context.Context, string, store.Role, store.Status) (bool, error) {
		return false, errors.New("db down")
	}

	actor := actorFor(t, svc, profile)
	if !actor.Caps.CanModerate {
		t.Fatal("allowlisted admin lost moderation while reconcile failed")
	}
	if fs.profiles[profile.ID].Role != store.RoleStudent {
		t.Fatal("profile should be unchanged after failed reconcile")
	}
}

func TestReconcileAllowlistSweep(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, "dean@campus.edu", "mod@campus.edu")
	fs.addUser("u-dean", "dean@campus.edu", store.RoleStudent, store.StatusPending)
	fs.addUser("u-mod", "mod@campus.edu", store.RoleAdmin, store.StatusApproved)
	fs.addUser("u-student", "student@campus.edu", store.RoleStudent, store.StatusPending)

	n, err := svc.ReconcileAllowlist(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAllowlist: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}
	if fs.profiles["u-student"].Status != store.StatusPending {
		t.Fatal("non-allowlisted profile was touched")
	}
}

func TestDoubleReportIsConflictWithOnePendingRow(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	reporter := actorFor(t, svc, fs.addUser("u-reporter", "reporter@campus.edu", store.RoleStudent, store.StatusApproved))
	postID := mustCreatePost(t, svc, author, CreatePostInput{Content: "rude"})["id"].(string)

	if _, err := svc.ReportPost(ctx, reporter, postID, "rude"); err != nil {
		t.Fatalf("first report: %v", err)
	}
	_, err := svc.ReportPost(ctx, reporter, postID, "still rude")
	assertKind(t, err, KindConflict)

	fs.hasPendingReportFn = func(context.Context, string, string) (bool, error) { return false, nil }
	_, err = svc.ReportPost(ctx, reporter, postID, "racing")
	assertKind(t, err, KindConflict)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Message != alreadyReported {
		t.Fatalf("message = %q", domainErr.Message)
	}

	if len(fs.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(fs.reports))
	}
	for _, report := range fs.reports {
		if report.ReportedUser != "u-author" || report.Status != store.ReportPending {
			t.Fatalf("report = %+v", report)
		}
	}
}

func TestReportReasonValidation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	postID := mustCreatePost(t, svc, author, CreatePostInput{Content: "x"})["id"].(string)

	for _, reason := range []string{"   ", strings.Repeat("a", 501)} {
		_, err := svc.ReportPost(context.Background(), author, postID, reason)
		assertKind(t, err, KindValidation)
	}
}

func TestAliasCooldown(t *testing.T) {
	changed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		elapsed  time.Duration
		wantDays int
	}{
		{name: "day 5 rejected", elapsed: 5 * 24 * time.Hour, wantDays: 13},
		{name: "day 17 and a half rejected", elapsed: 17*24*time.Hour + 12*time.Hour, wantDays: 1},
		{name: "day 19 accepted", elapsed: 19 * 24 * time.Hour},
		{name: "exactly 18 days accepted", elapsed: 18 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeStore()
			svc := newTestService(fs)
			profile := fs.addUser("u-alias", "alias@campus.edu", store.RoleStudent, store.StatusApproved)
			profile.Alias = "old_name"
			profile.LastAliasChange = &changed
			fs.profiles[profile.ID] = profile
			svc.now = func() time.Time { return changed.Add(tc.elapsed) }

			_, err := svc.ChangeAlias(context.Background(), actorFor(t, svc, profile), "new_name")
			if tc.wantDays == 0 {
				if err != nil {
					t.Fatalf("ChangeAlias: %v", err)
				}
				if fs.profiles[profile.ID].Alias != "new_name" {
					t.Fatal("alias not stored")
				}
				return
			}
			assertKind(t, err, KindValidation)
			var domainErr *DomainError
			errors.As(err, &domainErr)
			details := domainErr.Details.(map[string]any)
			if details["daysRemaining"] != tc.wantDays {
				t.Fatalf("daysRemaining = %v, want %d", details["daysRemaining"], tc.wantDays)
			}
			if fs.profiles[profile.ID].Alias != "old_name" {
				t.Fatal("alias changed during cooldown")
			}
		})
	}
}

func TestAliasTakenAndInvalid(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	taken := fs.addUser("u-taken", "taken@campus.edu", store.RoleStudent, store.StatusApproved)
	taken.Alias = "tiger_king"
	fs.profiles[taken.ID] = taken
	actor := actorFor(t, svc, fs.addUser("u-me", "me@campus.edu", store.RoleStudent, store.StatusApproved))

	_, err := svc.ChangeAlias(context.Background(), actor, "tiger_king")
	assertKind(t, err, KindConflict)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Message != "This alias is already taken. Try another." {
		t.Fatalf("message = %q", domainErr.Message)
	}

	for _, alias := range []string{"ab", "has space", strings.Repeat("x", 21)} {
		_, err := svc.ChangeAlias(context.Background(), actor, alias)
		assertKind(t, err, KindValidation)
	}
}

func TestFeedCategoryAndSearch(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))

	mustCreatePost(t, svc, author, CreatePostInput{Content: "Hello campus", Category: "Discussion"})
	mustCreatePost(t, svc, author, CreatePostInput{Content: "Which hello is best?", Category: "Poll", PollOptions: []string{"hi", "hey"}})
	mustCreatePost(t, svc, author, CreatePostInput{Content: "exam stress", Category: "Rant"})
	mustCreatePost(t, svc, author, CreatePostInput{Content: "Second poll", Category: "Poll", PollOptions: []string{"x", "y"}})

	polls, err := svc.Feed(ctx, author, FeedQuery{Category: "Poll"})
	if err != nil {
		t.Fatalf("poll feed: %v", err)
	}
	items := polls["posts"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("poll feed returned %d posts", len(items))
	}
	for _, item := range items {
		if item["type"] != store.PostPoll {
			t.Fatalf("poll feed returned %v", item["type"])
		}
		if len(item["pollOptions"].([]map[string]any)) != 2 {
			t.Fatalf("poll options missing on %v", item["id"])
		}
	}

	searched, err := svc.Feed(ctx, author, FeedQuery{Category: "Poll", Search: "HELLO"})
	if err != nil {
		t.Fatalf("search feed: %v", err)
	}
	items = searched["posts"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("search returned %d posts, want both hello posts regardless of category", len(items))
	}

	rants, err := svc.Feed(ctx, author, FeedQuery{Category: "rant"})
	if err != nil {
		t.Fatalf("rant feed: %v", err)
	}
	if got := len(rants["posts"].([]map[string]any)); got != 1 {
		t.Fatalf("rant feed returned %d posts", got)
	}

	_, err = svc.Feed(ctx, author, FeedQuery{Category: "Memes"})
	assertKind(t, err, KindValidation)
}

func TestFeedPagingAndLikedFlags(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))

	var newest string
	for i := 0; i < 7; i++ {
		newest = mustCreatePost(t, svc, author, CreatePostInput{Content: "post"})["id"].(string)
	}
	if _, err := svc.ToggleLike(ctx, author, newest); err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}

	first, err := svc.Feed(ctx, author, FeedQuery{Page: 1})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	items := first["posts"].([]map[string]any)
	if len(items) != 5 || items[0]["id"] != newest || items[0]["liked"] != true {
		t.Fatalf("page 1 = %d items, first %v liked %v", len(items), items[0]["id"], items[0]["liked"])
	}
	if cursor := first["cursor"]; !cursorHasMore(cursor) {
		t.Fatalf("page 1 cursor = %+v, want hasMore", cursor)
	}

	second, err := svc.Feed(ctx, author, FeedQuery{Page: 2})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if got := len(second["posts"].([]map[string]any)); got != 2 {
		t.Fatalf("page 2 = %d items", got)
	}
	if cursorHasMore(second["cursor"]) {
		t.Fatal("page 2 should be the last page")
	}
}

func cursorHasMore(cursor any) bool {
	raw, _ := json.Marshal(cursor)
	var decoded struct {
		HasMore bool `json:"hasMore"`
	}
	_ = json.Unmarshal(raw, &decoded)
	return decoded.HasMore
}

func TestDeletePostPermissions(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	other := actorFor(t, svc, fs.addUser("u-other", "other@campus.edu", store.RoleStudent, store.StatusApproved))
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))

	first := mustCreatePost(t, svc, author, CreatePostInput{Content: "one"})["id"].(string)
	second := mustCreatePost(t, svc, author, CreatePostInput{Content: "two"})["id"].(string)
	if _, err := svc.ReportPost(ctx, other, first, "spam"); err != nil {
		t.Fatalf("ReportPost: %v", err)
	}

	_, err := svc.DeletePost(ctx, other, first)
	assertKind(t, err, KindUnauthorized)

	result, err := svc.DeletePost(ctx, author, first)
	if err != nil {
		t.Fatalf("author delete: %v", err)
	}
	if result["reportsResolved"] != int64(1) {
		t.Fatalf("reportsResolved = %v", result["reportsResolved"])
	}
	if _, err := svc.DeletePost(ctx, admin, second); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	_, err = svc.DeletePost(ctx, admin, second)
	assertKind(t, err, KindNotFound)
}

func TestResolveReportByDeletingPost(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	r1 := actorFor(t, svc, fs.addUser("u-r1", "r1@campus.edu", store.RoleStudent, store.StatusApproved))
	r2 := actorFor(t, svc, fs.addUser("u-r2", "r2@campus.edu", store.RoleStudent, store.StatusApproved))
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	postID := mustCreatePost(t, svc, author, CreatePostInput{Content: "bad"})["id"].(string)

	report, err := svc.ReportPost(ctx, r1, postID, "bad")
	if err != nil {
		t.Fatalf("report 1: %v", err)
	}
	if _, err := svc.ReportPost(ctx, r2, postID, "also bad"); err != nil {
		t.Fatalf("report 2: %v", err)
	}

	_, err = svc.ResolveReportByDeletingPost(ctx, r1, report["id"].(string))
	assertKind(t, err, KindUnauthorized)

	result, err := svc.ResolveReportByDeletingPost(ctx, admin, report["id"].(string))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result["postDeleted"] != true || result["reportsResolved"] != int64(2) {
		t.Fatalf("result = %v", result)
	}
	if _, ok := fs.posts[postID]; ok {
		t.Fatal("post still present")
	}
	for _, stored := range fs.reports {
		if stored.Status != store.ReportResolved {
			t.Fatalf("report %s is %s", stored.ID, stored.Status)
		}
	}

	_, err = svc.ResolveReportByDeletingPost(ctx, admin, report["id"].(string))
	assertKind(t, err, KindConflict)
}

func TestOrphanedReportsAreSweptAfterPartialFailure(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	reporter := actorFor(t, svc, fs.addUser("u-reporter", "reporter@campus.edu", store.RoleStudent, store.StatusApproved))
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	postID := mustCreatePost(t, svc, author, CreatePostInput{Content: "bad"})["id"].(string)
	report, err := svc.ReportPost(ctx, reporter, postID, "bad")
	if err != nil {
		t.Fatalf("ReportPost: %v", err)
	}

	fs.resolveForPostFn = func(context.Context, string) (int64, error) { return 0, errors.New("timeout") }
	if _, err := svc.DeletePost(ctx, admin, postID); err != nil {
		t.Fatalf("DeletePost should succeed when report cleanup fails: %v", err)
	}
	reportID := report["id"].(string)
	if fs.reports[reportID].Status != store.ReportPending {
		t.Fatal("report should still be pending before the sweep")
	}

	fs.resolveForPostFn = nil
	n, err := svc.ReconcileOrphanedReports(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphanedReports: %v", err)
	}
	if n != 1 || fs.reports[reportID].Status != store.ReportResolved {
		t.Fatalf("sweep resolved %d, report status %s", n, fs.reports[reportID].Status)
	}
}

func TestDismissReport(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	postID := mustCreatePost(t, svc, author, CreatePostInput{Content: "fine"})["id"].(string)
	report, err := svc.ReportPost(ctx, author, postID, "oops")
	if err != nil {
		t.Fatalf("ReportPost: %v", err)
	}
	reportID := report["id"].(string)

	if _, err := svc.DismissReport(ctx, admin, reportID); err != nil {
		t.Fatalf("DismissReport: %v", err)
	}
	if fs.reports[reportID].Status != store.ReportDismissed {
		t.Fatalf("status = %s", fs.reports[reportID].Status)
	}
	if _, ok := fs.posts[postID]; !ok {
		t.Fatal("dismiss must not delete the post")
	}
	_, err = svc.DismissReport(ctx, admin, reportID)
	assertKind(t, err, KindConflict)
	_, err = svc.DismissReport(ctx, admin, "missing")
	assertKind(t, err, KindNotFound)

	// A dismissed report does not block a fresh one.
	if _, err := svc.ReportPost(ctx, author, postID, "again"); err != nil {
		t.Fatalf("report after dismissal: %v", err)
	}
}

func TestApproveUserConfirmsEmail(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	fs.addUser("u-new", "new@campus.edu", store.RoleStudent, store.StatusPending)

	result, err := svc.ApproveUser(ctx, admin, "u-new")
	if err != nil {
		t.Fatalf("ApproveUser: %v", err)
	}
	if result["status"] != store.StatusApproved || fs.profiles["u-new"].Status != store.StatusApproved {
		t.Fatalf("result = %v", result)
	}
	if fs.identities["u-new"].EmailConfirmedAt == nil {
		t.Fatal("email not confirmed on approval")
	}
	recorded := recorderOf(svc).Events()
	if len(recorded) != 1 || recorded[0].Kind != events.UserApproved || recorded[0].SubjectID != "u-new" {
		t.Fatalf("events = %+v", recorded)
	}
}

func TestApproveUserSurvivesConfirmationFailure(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	fs.addUser("u-new", "new@campus.edu", store.RoleStudent, store.StatusPending)
	fs.confirmIdentityFn = func(context.Context, string) (bool, error) { return false, errors.New("auth provider down") }

	if _, err := svc.ApproveUser(context.Background(), admin, "u-new"); err != nil {
		t.Fatalf("ApproveUser: %v", err)
	}
	if fs.profiles["u-new"].Status != store.StatusApproved {
		t.Fatal("approval not stored")
	}
}

func TestBanUser(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, "dean@campus.edu")
	ctx := context.Background()
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	member := actorFor(t, svc, fs.addUser("u-member", "member@campus.edu", store.RoleStudent, store.StatusApproved))
	fs.addUser("u-dean", "dean@campus.edu", store.RoleAdmin, store.StatusApproved)

	_, err := svc.BanUser(ctx, member, "u-admin")
	assertKind(t, err, KindUnauthorized)
	_, err = svc.BanUser(ctx, admin, "u-admin")
	assertKind(t, err, KindValidation)
	_, err = svc.BanUser(ctx, admin, "u-dean")
	assertKind(t, err, KindUnauthorized)

	issued, err := svc.issueSession(ctx, store.Identity{ID: "u-member", Email: "member@campus.edu"})
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}

	if _, err := svc.BanUser(ctx, admin, "u-member"); err != nil {
		t.Fatalf("BanUser: %v", err)
	}
	banned := actorFor(t, svc, fs.profiles["u-member"])
	if !banned.Caps.IsBlocked {
		t.Fatalf("banned caps = %+v", banned.Caps)
	}
	_, err = svc.Refresh(ctx, issued.RefreshToken)
	assertKind(t, err, KindUnauthenticated)
}

func TestDeleteUserCascade(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	gone := actorFor(t, svc, fs.addUser("u-gone", "gone@campus.edu", store.RoleStudent, store.StatusApproved))
	author := actorFor(t, svc, fs.addUser("u-author", "author@campus.edu", store.RoleStudent, store.StatusApproved))
	confessionID := mustCreatePost(t, svc, gone, CreatePostInput{Content: "I cheated on the midterm", Category: "Confession"})["id"].(string)
	keptID := mustCreatePost(t, svc, author, CreatePostInput{Content: "study group tonight", Category: "Discussion"})["id"].(string)
	if _, err := svc.ToggleLike(ctx, gone, keptID); err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}
	fs.notes["note-9"] = store.Note{ID: "note-9", UserID: "u-gone", Title: "Calculus"}
	fs.notices["notice-9"] = store.Notice{ID: "notice-9", CreatedBy: "u-gone", Title: "Old"}
	index := &recordingIndex{}
	svc.search = index

	if _, err := svc.DeleteUser(ctx, admin, "u-gone"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	want := "delete post:" + confessionID + ",delete note:note-9,delete notice:notice-9"
	if got := strings.Join(index.deletes(), ","); got != want {
		t.Fatalf("search deletes = %s, want %s", got, want)
	}
	if fs.posts[keptID].Upvotes != 0 || fs.profiles["u-author"].Karma != 0 {
		t.Fatalf("like by deleted user still counted: upvotes=%d karma=%d", fs.posts[keptID].Upvotes, fs.profiles["u-author"].Karma)
	}
	if _, ok := fs.profiles["u-gone"]; ok {
		t.Fatal("profile survived")
	}
	if _, ok := fs.identities["u-gone"]; ok {
		t.Fatal("account survived")
	}
	if _, ok := fs.posts[confessionID]; ok {
		t.Fatal("posts survived")
	}

	// Rerunning after success is harmless.
	if _, err := svc.DeleteUser(ctx, admin, "u-gone"); err != nil {
		t.Fatalf("repeat DeleteUser: %v", err)
	}

	// The deleted user's token no longer resolves.
	_, err := svc.ResolveActor(ctx, Session{UserID: "u-gone", Email: "gone@campus.edu"})
	assertKind(t, err, KindUnauthenticated)
}

func TestDeleteUserReportsFailedStage(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	fs.addUser("u-gone", "gone@campus.edu", store.RoleStudent, store.StatusApproved)
	index := &recordingIndex{}
	svc.search = index
	fs.deleteUserContentFn = func(context.Context, string) (store.RemovedContent, error) {
		return store.RemovedContent{NoteIDs: []string{"note-7"}}, &store.CascadeError{Step: "notices", Err: errors.New("lock timeout")}
	}

	_, err := svc.DeleteUser(context.Background(), admin, "u-gone")
	assertKind(t, err, KindExternalFailure)
	if got := strings.Join(index.deletes(), ","); got != "delete note:note-7" {
		t.Fatalf("rows removed before the failure were not unindexed: %s", got)
	}
	var domainErr *DomainError
	errors.As(err, &domainErr)
	if stage := domainErr.Details.(map[string]any)["stage"]; stage != "delete notices" {
		t.Fatalf("stage = %v", stage)
	}
	if _, ok := fs.profiles["u-gone"]; !ok {
		t.Fatal("profile removed although content cascade failed")
	}

	_, err = svc.DeleteUser(context.Background(), admin, "u-admin")
	assertKind(t, err, KindValidation)
}

func TestSessionLifecycle(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	created, err := svc.SignUp(ctx, " New@Campus.edu ", "password123")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if created.Token == "" || created.RefreshToken == "" || created.Email != "new@campus.edu" {
		t.Fatalf("session = %+v", created)
	}
	if fs.profiles[created.UserID].Status != store.StatusPending {
		t.Fatal("new profile should start pending")
	}

	_, err = svc.SignUp(ctx, "new@campus.edu", "password456")
	assertKind(t, err, KindConflict)
	_, err = svc.SignUp(ctx, "bad", "password123")
	assertKind(t, err, KindValidation)
	_, err = svc.SignIn(ctx, "new@campus.edu", "wrong-password")
	assertKind(t, err, KindUnauthenticated)

	current, err := svc.SessionFromToken(ctx, created.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}

	rotated, err := svc.Refresh(ctx, created.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == created.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	_, err = svc.Refresh(ctx, created.RefreshToken)
	assertKind(t, err, KindUnauthenticated)

	if err := svc.Logout(ctx, current, rotated.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err = svc.SessionFromToken(ctx, created.Token)
	assertKind(t, err, KindUnauthenticated)
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assertKind(t, err, KindUnauthenticated)
}

func TestLeaderboardShowsAliasesOnly(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	top := fs.addUser("u-top", "top@campus.edu", store.RoleStudent, store.StatusApproved)
	top.Alias = "top_tiger"
	top.Karma = 9
	fs.profiles[top.ID] = top
	plain := fs.addUser("u-plain", "plain@campus.edu", store.RoleStudent, store.StatusApproved)
	plain.Karma = 3
	fs.profiles[plain.ID] = plain

	leaders, err := svc.Leaderboard(context.Background(), actorFor(t, svc, top))
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(leaders) != 2 || leaders[0]["alias"] != "top_tiger" || leaders[0]["rank"] != 1 {
		t.Fatalf("leaders = %v", leaders)
	}
	raw, _ := json.Marshal(leaders)
	if strings.Contains(string(raw), "@campus.edu") {
		t.Fatalf("leaderboard leaks email: %s", raw)
	}
	if leaders[1]["alias"] != anonymity.UnknownLabel {
		t.Fatalf("alias-less entry = %v", leaders[1]["alias"])
	}
}

func TestShareNoteRequiresMember(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	pending := actorFor(t, svc, fs.addUser("u-pending", "p@campus.edu", store.RoleStudent, store.StatusPending))
	member := actorFor(t, svc, fs.addUser("u-member", "m@campus.edu", store.RoleStudent, store.StatusApproved))
	input := NoteInput{Title: "DSA unit 1", Subject: "DSA", Semester: "3", FileURL: "https://files.example.edu/notes/dsa.pdf"}

	_, err := svc.ShareNote(ctx, pending, input)
	assertKind(t, err, KindUnauthorized)

	note, err := svc.ShareNote(ctx, member, input)
	if err != nil {
		t.Fatalf("ShareNote: %v", err)
	}
	if note["subject"] != "DSA" {
		t.Fatalf("note = %v", note)
	}
	notes, err := svc.ListNotes(ctx, pending, "DSA", "")
	if err != nil || len(notes) != 1 {
		t.Fatalf("ListNotes = %v, %v", notes, err)
	}

	_, err = svc.NoteUploadURL(ctx, member, "dsa.pdf")
	assertKind(t, err, KindExternalFailure)
}

func TestEventsAndRSVP(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	member := actorFor(t, svc, fs.addUser("u-member", "m@campus.edu", store.RoleStudent, store.StatusApproved))

	event, err := svc.CreateEvent(ctx, member, EventInput{Title: "Hack night", EventDate: now.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if _, err := svc.CreateEvent(ctx, member, EventInput{Title: "Last week", EventDate: now.Add(-7 * 24 * time.Hour)}); err != nil {
		t.Fatalf("CreateEvent past: %v", err)
	}
	_, err = svc.CreateEvent(ctx, member, EventInput{Title: "No date"})
	assertKind(t, err, KindValidation)

	upcoming, err := svc.ListEvents(ctx, member)
	if err != nil || len(upcoming) != 1 {
		t.Fatalf("ListEvents = %v, %v", upcoming, err)
	}

	eventID := event["id"].(string)
	first, err := svc.ToggleRSVP(ctx, member, eventID)
	if err != nil || first["attending"] != true {
		t.Fatalf("first RSVP = %v, %v", first, err)
	}
	second, err := svc.ToggleRSVP(ctx, member, eventID)
	if err != nil || second["attending"] != false {
		t.Fatalf("second RSVP = %v, %v", second, err)
	}
}

func TestNoticesAdminOnly(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	member := actorFor(t, svc, fs.addUser("u-member", "m@campus.edu", store.RoleStudent, store.StatusApproved))

	_, err := svc.PublishNotice(ctx, member, NoticeInput{Title: "x", Content: "y"})
	assertKind(t, err, KindUnauthorized)
	_, err = svc.PublishNotice(ctx, admin, NoticeInput{Title: "x", Content: "y", Type: "gossip"})
	assertKind(t, err, KindValidation)

	notice, err := svc.PublishNotice(ctx, admin, NoticeInput{Title: "Holiday", Content: "Campus closed Friday"})
	if err != nil {
		t.Fatalf("PublishNotice: %v", err)
	}
	if notice.Type != store.NoticeInfo {
		t.Fatalf("default type = %s", notice.Type)
	}
	listed, err := svc.ListNotices(ctx, member)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListNotices = %v, %v", listed, err)
	}
	if _, err := svc.DeleteNotice(ctx, admin, notice.ID); err != nil {
		t.Fatalf("DeleteNotice: %v", err)
	}
	_, err = svc.DeleteNotice(ctx, admin, notice.ID)
	assertKind(t, err, KindNotFound)
}

func TestNoticeBoardHidesPastNoticesButKeepsBroadcasts(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	admin := actorFor(t, svc, fs.addUser("u-admin", "admin@campus.edu", store.RoleAdmin, store.StatusApproved))
	member := actorFor(t, svc, fs.addUser("u-member", "m@campus.edu", store.RoleStudent, store.StatusApproved))

	lastWeek := now.AddDate(0, 0, -7)
	nextWeek := now.AddDate(0, 0, 7)
	for _, input := range []NoticeInput{
		{Title: "Old exam", Content: "Room 4", Type: "exam", Date: &lastWeek},
		{Title: "Fest", Content: "Main lawn", Type: "event", Date: &nextWeek},
		{Title: "Today", Content: "Library open late"},
		{Title: "Water cut", Content: "Hostel B", Type: "broadcast", Date: &lastWeek},
	} {
		if _, err := svc.PublishNotice(ctx, admin, input); err != nil {
			t.Fatalf("PublishNotice(%s): %v", input.Title, err)
		}
	}

	listed, err := svc.ListNotices(ctx, member)
	if err != nil {
		t.Fatalf("ListNotices: %v", err)
	}
	titles := make([]string, 0, len(listed))
	for _, notice := range listed {
		titles = append(titles, notice.Title)
	}
	if got := strings.Join(titles, ","); got != "Water cut,Today,Fest" {
		t.Fatalf("notice board = %s", got)
	}
}
