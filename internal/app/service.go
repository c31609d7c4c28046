package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"tigerden/api/internal/auth"
	"tigerden/api/internal/blob"
	"tigerden/api/internal/config"
	"tigerden/api/internal/events"
	"tigerden/api/internal/identity"
	"tigerden/api/internal/rbac"
	"tigerden/api/internal/realtime"
	"tigerden/api/internal/search"
	"tigerden/api/internal/session"
	"tigerden/api/internal/store"
	"tigerden/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// Actor is the caller of one request, resolved from the stored profile on
// every request and never cached.
type Actor struct {
	Profile store.Profile
	Caps    rbac.Capabilities
}

func (a Actor) ID() string {
	return a.Profile.ID
}

func (a Actor) Can(action rbac.Action) bool {
	return a.Caps.Can(action)
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetProfile(ctx context.Context, id string) (store.Profile, error)
	EnsureProfile(ctx context.Context, id, email string) (store.Profile, error)
	ListProfiles(ctx context.Context, status store.Status, query string, limit int) ([]store.Profile, error)
	FindProfilesByEmail(ctx context.Context, emails []string) ([]store.Profile, error)
	UpdateProfileStatus(ctx context.Context, id string, status store.Status) (bool, error)
	UpdateProfileRoleStatus(ctx context.Context, id string, role store.Role, status store.Status) (bool, error)
	UpdateAlias(ctx context.Context, id, alias string, changedAt time.Time) error
	CompleteProfile(ctx context.Context, id string, details store.Profile) (bool, error)
	DeleteProfile(ctx context.Context, id string) (bool, error)
	TopKarma(ctx context.Context, limit int) ([]store.Profile, error)
	CountByStatus(ctx context.Context) (store.StatusCounts, error)

	InsertPost(ctx context.Context, post store.Post) (store.Post, error)
	GetPost(ctx context.Context, id string) (store.Post, error)
	DeletePost(ctx context.Context, id string) (bool, error)
	ListFeed(ctx context.Context, filter store.FeedFilter) ([]store.Post, int, error)
	ListConfessions(ctx context.Context, limit int) ([]store.Post, error)

	InsertPollOptions(ctx context.Context, postID string, labels []string) ([]store.PollOption, error)
	ListPollOptions(ctx context.Context, postIDs []string) (map[string][]store.PollOption, error)
	GetPollOption(ctx context.Context, id string) (store.PollOption, error)
	HasVoted(ctx context.Context, postID, userID string) (bool, error)
	InsertVote(ctx context.Context, vote store.Vote) (store.PollOption, error)

	FindLike(ctx context.Context, postID, userID string) (store.Like, bool, error)
	InsertLike(ctx context.Context, postID, userID string) (int, error)
	DeleteLike(ctx context.Context, postID, userID string) (int, bool, error)
	ListLikedPostIDs(ctx context.Context, userID string, postIDs []string) (map[string]bool, error)

	HasPendingReport(ctx context.Context, postID, reporterID string) (bool, error)
	InsertReport(ctx context.Context, report store.Report) (store.Report, error)
	GetReport(ctx context.Context, id string) (store.Report, error)
	ListReports(ctx context.Context, status store.ReportStatus, limit int) ([]store.Report, error)
	TransitionReport(ctx context.Context, id string, from, to store.ReportStatus) (bool, error)
	ResolvePendingReportsForPost(ctx context.Context, postID string) (int64, error)
	ResolveOrphanedReports(ctx context.Context) (int64, error)
	DeleteUserContent(ctx context.Context, userID string) (store.RemovedContent, error)

	InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error)
	GetComment(ctx context.Context, id string) (store.Comment, error)
	DeleteComment(ctx context.Context, id string) (bool, error)
	ListComments(ctx context.Context, postID string) ([]store.Comment, error)

	InsertNotice(ctx context.Context, notice store.Notice) (store.Notice, error)
	ListNotices(ctx context.Context, from time.Time, limit int) ([]store.Notice, error)
	DeleteNotice(ctx context.Context, id string) (bool, error)

	InsertNote(ctx context.Context, note store.Note) (store.Note, error)
	ListNotes(ctx context.Context, subject, semester string, limit int) ([]store.Note, error)

	InsertEvent(ctx context.Context, event store.Event) (store.Event, error)
	GetEvent(ctx context.Context, id string) (store.Event, error)
	ListEvents(ctx context.Context, from time.Time, limit int) ([]store.Event, error)
	ToggleRSVP(ctx context.Context, eventID, userID string) (bool, error)
}

// sessionStore is served by session.RedisStore or, without Redis, by the
// Postgres store.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeUserSessions(ctx context.Context, userID string) (int64, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// searchIndex is served by search.Service. Writes are best effort.
type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexPost(p search.PostRecord)
	IndexNote(n search.NoteRecord)
	IndexNotice(n search.NoticeRecord)
	DeletePost(id string)
	DeleteNote(id string)
	DeleteNotice(id string)
}

type Dependencies struct {
	Store    dataStore
	Sessions sessionStore
	Accounts *identity.Service
	Search   searchIndex
	Blob     *blob.Store
	Events   events.Publisher
	Notices  *realtime.NoticeFeed
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *identity.Service
	policy   *rbac.Policy
	search   searchIndex
	blob     *blob.Store
	events   events.Publisher
	notices  *realtime.NoticeFeed
	leaders  *ristretto.Cache
	validate *validator.Validate
	now      func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	var searchService searchIndex = search.NewService(nil, nil)
	if deps.Search != nil {
		searchService = deps.Search
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	leaders, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		log.Warn().Err(err).Msg("leaderboard cache disabled")
		leaders = nil
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		accounts: deps.Accounts,
		policy:   rbac.NewPolicy(cfg.AdminEmails),
		search:   searchService,
		blob:     deps.Blob,
		events:   publisher,
		notices:  deps.Notices,
		leaders:  leaders,
		validate: newValidator(),
		now:      time.Now,
	}
}

// Ready checks the relational store, the one dependency every request needs.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type credentialsInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (s *Service) SignUp(ctx context.Context, email, password string) (Session, error) {
	input := credentialsInput{Email: strings.ToLower(strings.TrimSpace(email)), Password: password}
	if err := s.check(input); err != nil {
		return Session{}, err
	}
	account, err := s.accounts.SignUp(ctx, identity.SignUpRequest{Email: input.Email, Password: input.Password})
	if err != nil {
		if errors.Is(err, identity.ErrEmailTaken) {
			return Session{}, conflict("An account with this email already exists.")
		}
		return Session{}, err
	}
	if _, err := s.store.EnsureProfile(ctx, account.ID, account.Email); err != nil {
		return Session{}, fmt.Errorf("create profile: %w", err)
	}
	return s.issueSession(ctx, account)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	account, err := s.accounts.SignIn(ctx, identity.SignInRequest{Email: email, Password: password})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			return Session{}, unauthenticated("Invalid email or password")
		case errors.Is(err, identity.ErrEmailUnconfirmed):
			return Session{}, unauthorized("Your email has not been confirmed yet.")
		default:
			return Session{}, err
		}
	}
	if _, err := s.store.EnsureProfile(ctx, account.ID, account.Email); err != nil {
		return Session{}, fmt.Errorf("ensure profile: %w", err)
	}
	return s.issueSession(ctx, account)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, validationError("refreshToken is required", nil)
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, sql.ErrNoRows) {
			return Session{}, unauthenticated("Session expired. Please sign in again.")
		}
		return Session{}, err
	}
	account, err := s.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Session{}, unauthenticated("Account no longer exists.")
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) issueSession(ctx context.Context, account store.Identity) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   account.ID,
		Email: account.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), account.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       account.ID,
		Email:        account.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return Session{}, unauthenticated("Session expired. Please sign in again.")
		}
		return Session{}, unauthenticated("Invalid session token")
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, unauthenticated("Session has been signed out.")
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, current Session, refreshToken string) error {
	if current.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, current.JTI, current.ExpiresAt); err != nil {
			log.Warn().Err(err).Str("user_id", current.UserID).Msg("logout: revoke access token")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Warn().Err(err).Str("user_id", current.UserID).Msg("logout: revoke refresh token")
		}
	}
	return nil
}

// ResolveActor loads the caller's profile and evaluates its capabilities.
// An allowlisted email whose stored row disagrees is rewritten to
// admin/approved on the way through.
func (s *Service) ResolveActor(ctx context.Context, current Session) (Actor, error) {
	profile, err := s.store.GetProfile(ctx, current.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.accounts.Get(ctx, current.UserID); errors.Is(lookupErr, identity.ErrNotFound) {
			return Actor{}, unauthenticated("Account no longer exists.")
		}
		profile, err = s.store.EnsureProfile(ctx, current.UserID, current.Email)
	}
	if err != nil {
		return Actor{}, fmt.Errorf("resolve profile: %w", err)
	}

	decision := s.policy.Evaluate(profile)
	if decision.Reconcile {
		profile = s.reconcileAdmin(ctx, profile)
	}
	return Actor{Profile: rbac.Normalize(profile), Caps: decision.Capabilities}, nil
}

// reconcileAdmin is idempotent. Failures are logged and the caller keeps
// the admin capabilities the allowlist already granted.
func (s *Service) reconcileAdmin(ctx context.Context, profile store.Profile) store.Profile {
	ok, err := s.store.UpdateProfileRoleStatus(ctx, profile.ID, store.RoleAdmin, store.StatusApproved)
	if err != nil {
		log.Warn().Err(err).Str("user_id", profile.ID).Msg("admin reconcile failed")
		return profile
	}
	if !ok {
		return profile
	}
	log.Info().Str("user_id", profile.ID).Str("from_role", string(profile.Role)).Str("from_status", string(profile.Status)).Msg("admin profile reconciled")
	events.Emit(ctx, s.events, events.Event{
		Kind:       events.AdminReconciled,
		ActorID:    profile.ID,
		SubjectID:  profile.ID,
		OccurredAt: s.now(),
	})
	profile.Role = store.RoleAdmin
	profile.Status = store.StatusApproved
	return profile
}

func (s *Service) Me(actor Actor) map[string]any {
	payload := map[string]any{
		"profile":      ownProfilePayload(actor.Profile),
		"capabilities": actor.Caps,
	}
	switch actor.Caps.Tier {
	case rbac.TierPending:
		payload["redirect"] = "approval-pending"
	case rbac.TierBlocked:
		payload["redirect"] = "banned"
	default:
	}
	return payload
}

func require(actor Actor, action rbac.Action, message string) error {
	if actor.Can(action) {
		return nil
	}
	return unauthorized(message)
}

func requireModerator(actor Actor) error {
	return require(actor, rbac.ActionModerate, "Admin access required.")
}

// missing turns a missing row into a NotFound with the given message.
func missing(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) || store.IsMalformedID(err) {
		return notFound(message)
	}
	return err
}
