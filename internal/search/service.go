package search

import (
	"context"

	"github.com/rs/zerolog/log"
)

type primaryIndex interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili primaryIndex
	pgfts Searcher
	// async runs index writes; tests swap it for a synchronous call.
	async func(func())
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{async: func(fn func()) { go fn() }}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Error().Err(err).Msg("search: pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexPost indexes a post (fire-and-forget to Meilisearch).
func (s *Service) IndexPost(p PostRecord) {
	if !s.indexing() {
		return
	}
	s.async(func() {
		if err := s.meili.IndexPost(p); err != nil {
			log.Warn().Err(err).Str("post_id", p.ID).Msg("search: index post")
		}
	})
}

func (s *Service) IndexNote(n NoteRecord) {
	if !s.indexing() {
		return
	}
	s.async(func() {
		if err := s.meili.IndexNote(n); err != nil {
			log.Warn().Err(err).Str("note_id", n.ID).Msg("search: index note")
		}
	})
}

func (s *Service) IndexNotice(n NoticeRecord) {
	if !s.indexing() {
		return
	}
	s.async(func() {
		if err := s.meili.IndexNotice(n); err != nil {
			log.Warn().Err(err).Str("notice_id", n.ID).Msg("search: index notice")
		}
	})
}

// DeletePost removes a post from the search index (fire-and-forget).
func (s *Service) DeletePost(id string) {
	if !s.indexing() {
		return
	}
	s.async(func() {
		if err := s.meili.DeletePost(id); err != nil {
			log.Warn().Err(err).Str("post_id", id).Msg("search: delete post")
		}
	})
}

func (s *Service) DeleteNote(id string) {
	if !s.indexing() {
		return
	}
	s.async(func() {
		if err := s.meili.DeleteNote(id); err != nil {
			log.Warn().Err(err).Str("note_id", id).Msg("search: delete note")
		}
	})
}

func (s *Service) DeleteNotice(id string) {
	if !s.indexing() {
		return
	}
	s.async(func() {
		if err := s.meili.DeleteNotice(id); err != nil {
			log.Warn().Err(err).Str("notice_id", id).Msg("search: delete notice")
		}
	})
}

// ReindexAllFromPG reads every searchable row from PostgreSQL and pushes
// it to Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	meili, ok := s.meili.(*Meili)
	pg, pgOK := s.pgfts.(*PgFTS)
	if !ok || !pgOK || !meili.Healthy() {
		return
	}
	posts, notes, notices, err := pg.LoadAllRecords(ctx)
	if err != nil {
		log.Error().Err(err).Msg("search: reindex load failed")
		return
	}
	if err := meili.IndexPosts(posts); err != nil {
		log.Warn().Err(err).Msg("search: reindex posts")
	}
	if err := meili.IndexNotes(notes); err != nil {
		log.Warn().Err(err).Msg("search: reindex notes")
	}
	if err := meili.IndexNotices(notices); err != nil {
		log.Warn().Err(err).Msg("search: reindex notices")
	}
	log.Info().Int("posts", len(posts)).Int("notes", len(notes)).Int("notices", len(notices)).Msg("search: reindexed")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
