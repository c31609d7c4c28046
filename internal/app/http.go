package app

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tigerden/api/internal/auth"
	"tigerden/api/internal/rbac"
	"tigerden/api/internal/ratelimit"
	"tigerden/api/internal/store"
)

const (
	actorKey   = "actor"
	sessionKey = "session"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    ratelimit.Limiter
	engine     *gin.Engine
}

// NewHTTPServer builds the router. limiter may be nil to disable rate
// limiting.
func NewHTTPServer(service *Service, corsOrigin string, limiter ratelimit.Limiter) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, limiter: limiter}
	s.engine = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), cors.New(corsConfig(s.corsOrigin)))
	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	api := router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)
	api.POST("/auth/signup", s.handleSignUp)
	api.POST("/auth/signin", s.handleSignIn)
	api.POST("/session/refresh", s.handleRefresh)
	api.POST("/session/logout", s.handleLogout)

	limited := ratelimit.Middleware(s.limiter, func(c *gin.Context) string {
		return "actor:" + actorFrom(c).ID()
	})

	member := api.Group("", s.requireActor())
	member.GET("/session", s.handleSession)
	member.GET("/me", s.handleMe)
	member.PATCH("/me/alias", s.handleChangeAlias)
	member.POST("/me/profile", s.handleCompleteProfile)
	member.GET("/feed", s.handleFeed)
	member.POST("/posts", limited, s.handleCreatePost)
	member.GET("/posts/:id", s.handleGetPost)
	member.DELETE("/posts/:id", s.handleDeletePost)
	member.POST("/posts/:id/like", s.handleToggleLike)
	member.POST("/posts/:id/vote", s.handleVote)
	member.POST("/posts/:id/report", limited, s.handleReport)
	member.GET("/posts/:id/comments", s.handleListComments)
	member.POST("/posts/:id/comments", limited, s.handleCreateComment)
	member.DELETE("/comments/:id", s.handleDeleteComment)
	member.GET("/notices", s.handleListNotices)
	member.GET("/notices/stream", s.handleNoticeStream)
	member.GET("/leaderboard", s.handleLeaderboard)
	member.GET("/search", s.handleSearch)
	member.GET("/notes", s.handleListNotes)
	member.POST("/notes", limited, s.handleShareNote)
	member.POST("/notes/upload-url", limited, s.handleNoteUploadURL)
	member.GET("/events", s.handleListEvents)
	member.POST("/events", limited, s.handleCreateEvent)
	member.POST("/events/:id/rsvp", s.handleToggleRSVP)

	admin := api.Group("/admin", s.requireActor(), requireCapability(rbac.ActionModerate))
	admin.GET("/stats", s.handleStats)
	admin.GET("/users", s.handleListUsers)
	admin.POST("/users/:id/approve", s.handleApproveUser)
	admin.POST("/users/:id/ban", s.handleBanUser)
	admin.DELETE("/users/:id", s.handleDeleteUser)
	admin.GET("/reports", s.handleListReports)
	admin.POST("/reports/:id/dismiss", s.handleDismissReport)
	admin.POST("/reports/:id/resolve", s.handleResolveReport)
	admin.GET("/confessions", s.handleConfessionAudit)
	admin.DELETE("/posts/:id", s.handleDeletePost)
	admin.POST("/notices", s.handlePublishNotice)
	admin.DELETE("/notices/:id", s.handleDeleteNotice)

	return router
}

func corsConfig(origin string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if origin == "" || origin == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = []string{origin}
	cfg.AllowCredentials = true
	return cfg
}

// requestLogger writes one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		started := time.Now()
		c.Header("X-Request-ID", requestID)
		c.Header("Cache-Control", "no-store")

		c.Next()

		log.Info().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	}
}

func (s *HTTPServer) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			abortWithError(c, unauthenticated("Sign in required"))
			return
		}
		current, err := s.service.SessionFromToken(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		actor, err := s.service.ResolveActor(c.Request.Context(), current)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(sessionKey, current)
		c.Set(actorKey, actor)
		c.Next()
	}
}

func requireCapability(action rbac.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actorFrom(c).Can(action) {
			abortWithError(c, unauthorized("Admin access required."))
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) Actor {
	value, _ := c.Get(actorKey)
	actor, _ := value.(Actor)
	return actor
}

func sessionFrom(c *gin.Context) Session {
	value, _ := c.Get(sessionKey)
	current, _ := value.(Session)
	return current
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	c.AbortWithStatusJSON(status, response)
}

func abortWithError(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Int("status", status).Msg("request failed")
	}
	writeError(c, status, code, message, details)
}

// respond renders a command's result, or its error through mapError.
func respond(c *gin.Context, status int, payload any, err error) {
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(status, payload)
}

func decodeBody(c *gin.Context, target any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return validationError("Invalid JSON body", nil)
	}
	return nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || store.IsMalformedID(err) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Session expired or invalid", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", gin.H{"message": err.Error()}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	if err := s.service.Ready(c.Request.Context()); err != nil {
		log.Warn().Err(err).Msg("readiness check failed")
		writeError(c, http.StatusServiceUnavailable, "NOT_READY", "Database unavailable", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *HTTPServer) handleSignUp(c *gin.Context) {
	var body credentialsBody
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	created, err := s.service.SignUp(c.Request.Context(), body.Email, body.Password)
	respond(c, http.StatusCreated, sessionPayload(created), err)
}

func (s *HTTPServer) handleSignIn(c *gin.Context) {
	var body credentialsBody
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	current, err := s.service.SignIn(c.Request.Context(), body.Email, body.Password)
	respond(c, http.StatusOK, sessionPayload(current), err)
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *HTTPServer) handleRefresh(c *gin.Context) {
	var body refreshBody
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	current, err := s.service.Refresh(c.Request.Context(), body.RefreshToken)
	respond(c, http.StatusOK, sessionPayload(current), err)
}

// handleLogout accepts an expired or missing access token so a client can
// always drop its refresh token.
func (s *HTTPServer) handleLogout(c *gin.Context) {
	var body refreshBody
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	var current Session
	if token := bearerToken(c.Request); token != "" {
		if parsed, err := s.service.SessionFromToken(c.Request.Context(), token); err == nil {
			current = parsed
		}
	}
	err := s.service.Logout(c.Request.Context(), current, body.RefreshToken)
	respond(c, http.StatusOK, gin.H{"ok": true}, err)
}

func (s *HTTPServer) handleSession(c *gin.Context) {
	current := sessionFrom(c)
	actor := actorFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"userId":       current.UserID,
		"email":        current.Email,
		"expiresAt":    current.ExpiresAt.Unix(),
		"capabilities": actor.Caps,
	})
}

func (s *HTTPServer) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Me(actorFrom(c)))
}

func (s *HTTPServer) handleChangeAlias(c *gin.Context) {
	var body aliasInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.ChangeAlias(c.Request.Context(), actorFrom(c), body.Alias)
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleCompleteProfile(c *gin.Context) {
	var body CompleteProfileInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.CompleteProfile(c.Request.Context(), actorFrom(c), body)
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleFeed(c *gin.Context) {
	payload, err := s.service.Feed(c.Request.Context(), actorFrom(c), FeedQuery{
		Category: c.Query("category"),
		Search:   c.Query("search"),
		Page:     queryInt(c, "page", 1),
	})
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleCreatePost(c *gin.Context) {
	var body CreatePostInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.CreatePost(c.Request.Context(), actorFrom(c), body)
	respond(c, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleGetPost(c *gin.Context) {
	payload, err := s.service.GetPost(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDeletePost(c *gin.Context) {
	payload, err := s.service.DeletePost(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleToggleLike(c *gin.Context) {
	payload, err := s.service.ToggleLike(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleVote(c *gin.Context) {
	var body struct {
		OptionID string `json:"optionId"`
	}
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.VoteOnPoll(c.Request.Context(), actorFrom(c), c.Param("id"), body.OptionID)
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleReport(c *gin.Context) {
	var body reportInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.ReportPost(c.Request.Context(), actorFrom(c), c.Param("id"), body.Reason)
	respond(c, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleListComments(c *gin.Context) {
	items, err := s.service.ListComments(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, gin.H{"comments": items}, err)
}

func (s *HTTPServer) handleCreateComment(c *gin.Context) {
	var body CommentInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.CreateComment(c.Request.Context(), actorFrom(c), c.Param("id"), body)
	respond(c, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleDeleteComment(c *gin.Context) {
	payload, err := s.service.DeleteComment(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleListNotices(c *gin.Context) {
	items, err := s.service.ListNotices(c.Request.Context(), actorFrom(c))
	respond(c, http.StatusOK, gin.H{"notices": items}, err)
}

// handleNoticeStream relays notice inserts as server-sent events until the
// client disconnects.
func (s *HTTPServer) handleNoticeStream(c *gin.Context) {
	stream, err := s.service.SubscribeNotices(c.Request.Context(), actorFrom(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		notice, ok := <-stream
		if !ok {
			return false
		}
		c.SSEvent("notice", notice)
		return true
	})
}

func (s *HTTPServer) handleLeaderboard(c *gin.Context) {
	items, err := s.service.Leaderboard(c.Request.Context(), actorFrom(c))
	respond(c, http.StatusOK, gin.H{"leaders": items}, err)
}

func (s *HTTPServer) handleSearch(c *gin.Context) {
	payload, err := s.service.Search(c.Request.Context(), actorFrom(c),
		c.Query("q"), c.Query("type"), queryInt(c, "limit", 20), queryInt(c, "offset", 0))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleListNotes(c *gin.Context) {
	items, err := s.service.ListNotes(c.Request.Context(), actorFrom(c), c.Query("subject"), c.Query("semester"))
	respond(c, http.StatusOK, gin.H{"notes": items}, err)
}

func (s *HTTPServer) handleShareNote(c *gin.Context) {
	var body NoteInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.ShareNote(c.Request.Context(), actorFrom(c), body)
	respond(c, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleNoteUploadURL(c *gin.Context) {
	var body struct {
		Filename string `json:"filename"`
	}
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	upload, err := s.service.NoteUploadURL(c.Request.Context(), actorFrom(c), body.Filename)
	respond(c, http.StatusOK, upload, err)
}

func (s *HTTPServer) handleListEvents(c *gin.Context) {
	items, err := s.service.ListEvents(c.Request.Context(), actorFrom(c))
	respond(c, http.StatusOK, gin.H{"events": items}, err)
}

func (s *HTTPServer) handleCreateEvent(c *gin.Context) {
	var body EventInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	payload, err := s.service.CreateEvent(c.Request.Context(), actorFrom(c), body)
	respond(c, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleToggleRSVP(c *gin.Context) {
	payload, err := s.service.ToggleRSVP(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleStats(c *gin.Context) {
	payload, err := s.service.Stats(c.Request.Context(), actorFrom(c))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleListUsers(c *gin.Context) {
	items, err := s.service.ListUsers(c.Request.Context(), actorFrom(c), c.Query("status"), c.Query("q"))
	respond(c, http.StatusOK, gin.H{"users": items}, err)
}

func (s *HTTPServer) handleApproveUser(c *gin.Context) {
	payload, err := s.service.ApproveUser(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleBanUser(c *gin.Context) {
	payload, err := s.service.BanUser(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleDeleteUser(c *gin.Context) {
	payload, err := s.service.DeleteUser(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleListReports(c *gin.Context) {
	items, err := s.service.ListReports(c.Request.Context(), actorFrom(c), c.Query("status"))
	respond(c, http.StatusOK, gin.H{"reports": items}, err)
}

func (s *HTTPServer) handleDismissReport(c *gin.Context) {
	payload, err := s.service.DismissReport(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleResolveReport(c *gin.Context) {
	payload, err := s.service.ResolveReportByDeletingPost(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleConfessionAudit(c *gin.Context) {
	items, err := s.service.ConfessionAudit(c.Request.Context(), actorFrom(c))
	respond(c, http.StatusOK, gin.H{"confessions": items}, err)
}

func (s *HTTPServer) handlePublishNotice(c *gin.Context) {
	var body NoticeInput
	if err := decodeBody(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	notice, err := s.service.PublishNotice(c.Request.Context(), actorFrom(c), body)
	respond(c, http.StatusCreated, notice, err)
}

func (s *HTTPServer) handleDeleteNotice(c *gin.Context) {
	payload, err := s.service.DeleteNotice(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, payload, err)
}
