package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"tigerden/api/internal/blob"
	"tigerden/api/internal/events"
	"tigerden/api/internal/rbac"
	"tigerden/api/internal/search"
	"tigerden/api/internal/store"
)

const (
	noticeListLimit = 10
	resourceLimit   = 50
)

type NoticeInput struct {
	Title   string     `json:"title" validate:"required,max=200"`
	Content string     `json:"content" validate:"required,max=5000"`
	Type    string     `json:"type" validate:"omitempty,oneof=info event exam holiday broadcast"`
	Date    *time.Time `json:"date"`
}

func (s *Service) PublishNotice(ctx context.Context, actor Actor, input NoticeInput) (store.Notice, error) {
	if err := requireModerator(actor); err != nil {
		return store.Notice{}, err
	}
	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	if err := s.check(input); err != nil {
		return store.Notice{}, err
	}
	notice := store.Notice{
		Title:     input.Title,
		Content:   input.Content,
		Type:      store.NoticeType(lo.Ternary(input.Type == "", string(store.NoticeInfo), input.Type)),
		Date:      s.now().UTC(),
		CreatedBy: actor.ID(),
	}
	if input.Date != nil {
		notice.Date = input.Date.UTC()
	}

	created, err := s.store.InsertNotice(ctx, notice)
	if err != nil {
		return store.Notice{}, fmt.Errorf("publish notice: %w", err)
	}
	if err := s.notices.Publish(ctx, created); err != nil {
		log.Warn().Err(err).Str("notice_id", created.ID).Msg("realtime notice publish failed")
	}
	s.search.IndexNotice(search.NoticeRecord{ID: created.ID, Title: created.Title, Content: created.Content, Type: string(created.Type)})
	events.Emit(ctx, s.events, events.Event{Kind: events.NoticePublished, ActorID: actor.ID(), SubjectID: created.ID, OccurredAt: s.now()})
	return created, nil
}

// ListNotices hides dated notices from before today. Broadcasts always show.
func (s *Service) ListNotices(ctx context.Context, actor Actor) ([]store.Notice, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view notices."); err != nil {
		return nil, err
	}
	from := s.now().UTC().Truncate(24 * time.Hour)
	return s.store.ListNotices(ctx, from, noticeListLimit)
}

func (s *Service) DeleteNotice(ctx context.Context, actor Actor, noticeID string) (map[string]any, error) {
	if err := requireModerator(actor); err != nil {
		return nil, err
	}
	deleted, err := s.store.DeleteNotice(ctx, noticeID)
	if err != nil {
		return nil, fmt.Errorf("delete notice: %w", err)
	}
	if !deleted {
		return nil, notFound("Notice not found")
	}
	s.search.DeleteNotice(noticeID)
	return map[string]any{"deleted": true, "noticeId": noticeID}, nil
}

// SubscribeNotices streams newly inserted notices until ctx is done.
func (s *Service) SubscribeNotices(ctx context.Context, actor Actor) (<-chan store.Notice, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view notices."); err != nil {
		return nil, err
	}
	if s.notices == nil {
		return nil, externalFailure("notice stream", errors.New("realtime feed not configured"))
	}
	stream, err := s.notices.Subscribe(ctx)
	if err != nil {
		return nil, externalFailure("notice stream", err)
	}
	return stream, nil
}

type NoteInput struct {
	Title    string `json:"title" validate:"required,max=200"`
	Subject  string `json:"subject" validate:"required,max=100"`
	Semester string `json:"semester" validate:"required,max=20"`
	FileURL  string `json:"fileUrl" validate:"required,url"`
}

// ShareNote stores the note metadata. The file itself lives in object
// storage; when storage is configured the URL must point into our bucket.
func (s *Service) ShareNote(ctx context.Context, actor Actor, input NoteInput) (map[string]any, error) {
	if err := require(actor, rbac.ActionShareResource, "Your account must be approved before you can share notes."); err != nil {
		return nil, err
	}
	input.Title = strings.TrimSpace(input.Title)
	input.Subject = strings.TrimSpace(input.Subject)
	input.Semester = strings.TrimSpace(input.Semester)
	input.FileURL = strings.TrimSpace(input.FileURL)
	if err := s.check(input); err != nil {
		return nil, err
	}
	if s.blob != nil && !s.blob.OwnsURL(input.FileURL) {
		return nil, validationError("Upload the file through the notes upload URL first.", nil)
	}

	note, err := s.store.InsertNote(ctx, store.Note{
		UserID:   actor.ID(),
		Title:    input.Title,
		Subject:  input.Subject,
		Semester: input.Semester,
		FileURL:  input.FileURL,
	})
	if err != nil {
		return nil, fmt.Errorf("share note: %w", err)
	}
	s.search.IndexNote(search.NoteRecord{ID: note.ID, Title: note.Title, Subject: note.Subject, Semester: note.Semester})
	return notePayload(note), nil
}

func (s *Service) ListNotes(ctx context.Context, actor Actor, subject, semester string) ([]map[string]any, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view notes."); err != nil {
		return nil, err
	}
	notes, err := s.store.ListNotes(ctx, strings.TrimSpace(subject), strings.TrimSpace(semester), resourceLimit)
	if err != nil {
		return nil, err
	}
	return lo.Map(notes, func(note store.Note, _ int) map[string]any { return notePayload(note) }), nil
}

func (s *Service) NoteUploadURL(ctx context.Context, actor Actor, filename string) (blob.Upload, error) {
	if err := require(actor, rbac.ActionShareResource, "Your account must be approved before you can share notes."); err != nil {
		return blob.Upload{}, err
	}
	if strings.TrimSpace(filename) == "" {
		return blob.Upload{}, validationError("filename is required", nil)
	}
	upload, err := s.blob.PresignUpload(ctx, actor.ID(), filename, blob.DefaultUploadExpiry)
	if err != nil {
		return blob.Upload{}, externalFailure("object storage", err)
	}
	return upload, nil
}

type EventInput struct {
	Title       string    `json:"title" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=2000"`
	Location    string    `json:"location" validate:"max=200"`
	EventDate   time.Time `json:"eventDate" validate:"required"`
}

func (s *Service) CreateEvent(ctx context.Context, actor Actor, input EventInput) (map[string]any, error) {
	if err := require(actor, rbac.ActionShareResource, "Your account must be approved before you can create events."); err != nil {
		return nil, err
	}
	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	input.Location = strings.TrimSpace(input.Location)
	if err := s.check(input); err != nil {
		return nil, err
	}
	event, err := s.store.InsertEvent(ctx, store.Event{
		UserID:      actor.ID(),
		Title:       input.Title,
		Description: input.Description,
		Location:    input.Location,
		EventDate:   input.EventDate.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return eventPayload(event), nil
}

// ListEvents returns events from the start of today onwards.
func (s *Service) ListEvents(ctx context.Context, actor Actor) ([]map[string]any, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view events."); err != nil {
		return nil, err
	}
	from := s.now().UTC().Truncate(24 * time.Hour)
	items, err := s.store.ListEvents(ctx, from, resourceLimit)
	if err != nil {
		return nil, err
	}
	return lo.Map(items, func(event store.Event, _ int) map[string]any { return eventPayload(event) }), nil
}

func (s *Service) ToggleRSVP(ctx context.Context, actor Actor, eventID string) (map[string]any, error) {
	if err := require(actor, rbac.ActionShareResource, "Your account must be approved before you can RSVP."); err != nil {
		return nil, err
	}
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, missing(err, "Event not found")
	}
	attending, err := s.store.ToggleRSVP(ctx, event.ID, actor.ID())
	if err != nil {
		return nil, fmt.Errorf("toggle rsvp: %w", err)
	}
	return map[string]any{"eventId": event.ID, "attending": attending}, nil
}

func (s *Service) Search(ctx context.Context, actor Actor, text, kind string, limit, offset int) (search.Response, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot search."); err != nil {
		return search.Response{}, err
	}
	filter := search.ResultType(kind)
	switch filter {
	case "", search.ResultPost, search.ResultNote, search.ResultNotice:
	default:
		return search.Response{}, validationError("Unknown search type", nil)
	}
	return s.search.Search(ctx, search.Query{
		Text:       strings.TrimSpace(text),
		FilterType: filter,
		Limit:      limit,
		Offset:     offset,
	}), nil
}
