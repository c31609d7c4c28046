package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var errMeiliDown = errors.New("meilisearch unhealthy")

const healthEvery = 10 * time.Second

// indexDef describes one Meilisearch index and how its hits become Results.
type indexDef struct {
	uid        string
	kind       ResultType
	filterable []string
	searchable []string
	toResult   func(hit meili.Hit) Result
}

var indexDefs = []indexDef{
	{
		uid:        "tigerden_posts",
		kind:       ResultPost,
		filterable: []string{"type", "tags"},
		searchable: []string{"content", "tags"},
		toResult: func(hit meili.Hit) Result {
			return Result{PostType: hitField(hit, "type"), Snippet: highlighted(hit, "content")}
		},
	},
	{
		uid:        "tigerden_notes",
		kind:       ResultNote,
		filterable: []string{"subject", "semester"},
		searchable: []string{"title", "subject"},
		toResult: func(hit meili.Hit) Result {
			return Result{Title: highlighted(hit, "title"), Snippet: hitField(hit, "subject")}
		},
	},
	{
		uid:        "tigerden_notices",
		kind:       ResultNotice,
		filterable: []string{"type"},
		searchable: []string{"title", "content"},
		toResult: func(hit meili.Hit) Result {
			return Result{Title: highlighted(hit, "title"), Snippet: highlighted(hit, "content")}
		},
	},
}

func indexFor(kind ResultType) indexDef {
	def, _ := lo.Find(indexDefs, func(s indexDef) bool { return s.kind == kind })
	return def
}

// Meili is the primary Searcher and Indexer. It tracks server health in the
// background so callers can skip it without paying for a timeout.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	stop    chan struct{}
}

// NewMeili never fails: an unreachable server only marks the index unhealthy.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		stop:   make(chan struct{}),
	}
	if m.checkHealth() {
		m.ensureIndexes()
	} else {
		log.Warn().Str("url", url).Msg("meilisearch unreachable, using postgres search until it recovers")
	}
	go m.watch()
	return m
}

func (m *Meili) checkHealth() bool {
	_, err := m.client.Health()
	m.healthy.Store(err == nil)
	return err == nil
}

func (m *Meili) watch() {
	ticker := time.NewTicker(healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			was := m.healthy.Load()
			if m.checkHealth() && !was {
				log.Info().Msg("meilisearch is back")
				m.ensureIndexes()
			}
		}
	}
}

func (m *Meili) ensureIndexes() {
	for _, def := range indexDefs {
		logger := log.With().Str("index", def.uid).Logger()
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: def.uid, PrimaryKey: "id"}); err != nil {
			logger.Debug().Err(err).Msg("create index")
		}
		index := m.client.Index(def.uid)
		filterable := lo.ToAnySlice(def.filterable)
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			logger.Warn().Err(err).Msg("set filterable attributes")
		}
		searchable := def.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			logger.Warn().Err(err).Msg("set searchable attributes")
		}
	}
}

func (m *Meili) Close() { close(m.stop) }

func (m *Meili) Healthy() bool { return m.healthy.Load() }

// Search runs one multi-search across the selected indexes. A transport
// error marks the server unhealthy until the next successful health check.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.Healthy() {
		return nil, 0, errMeiliDown
	}
	limit := int64(lo.Ternary(q.Limit > 0, q.Limit, 20))

	selected := lo.Filter(indexDefs, func(def indexDef, _ int) bool {
		return q.FilterType == "" || q.FilterType == def.kind
	})
	if len(selected) == 0 {
		return nil, 0, nil
	}
	requests := lo.Map(selected, func(def indexDef, _ int) *meili.SearchRequest {
		return &meili.SearchRequest{
			IndexUID:              def.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
	})

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: requests})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, indexResult := range resp.Results {
		def, ok := lo.Find(selected, func(s indexDef) bool { return s.uid == indexResult.IndexUID })
		if !ok {
			continue
		}
		total += int(indexResult.EstimatedTotalHits)
		for _, hit := range indexResult.Hits {
			results = append(results, hitResult(def, hit))
		}
	}
	return results, total, nil
}

func hitResult(def indexDef, hit meili.Hit) Result {
	r := def.toResult(hit)
	r.Type = def.kind
	r.ID = hitField(hit, "id")
	return r
}

func hitField(hit meili.Hit, key string) string {
	var value string
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &value)
	}
	return value
}

// highlighted prefers the <mark>-annotated copy of key.
func highlighted(hit meili.Hit, key string) string {
	var formatted map[string]any
	if raw, ok := hit["_formatted"]; ok {
		_ = json.Unmarshal(raw, &formatted)
	}
	if value, _ := formatted[key].(string); strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return hitField(hit, key)
}

func addDocuments[T any](m *Meili, kind ResultType, docs ...T) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(indexFor(kind).uid).AddDocuments(docs, nil)
	return err
}

func (m *Meili) deleteDocument(kind ResultType, id string) error {
	_, err := m.client.Index(indexFor(kind).uid).DeleteDocument(id, nil)
	return err
}

func (m *Meili) IndexPost(p PostRecord) error     { return addDocuments(m, ResultPost, p) }
func (m *Meili) IndexNote(n NoteRecord) error     { return addDocuments(m, ResultNote, n) }
func (m *Meili) IndexNotice(n NoticeRecord) error { return addDocuments(m, ResultNotice, n) }
func (m *Meili) DeletePost(id string) error       { return m.deleteDocument(ResultPost, id) }
func (m *Meili) DeleteNote(id string) error       { return m.deleteDocument(ResultNote, id) }
func (m *Meili) DeleteNotice(id string) error     { return m.deleteDocument(ResultNotice, id) }

// Bulk variants used by the reindex job.

func (m *Meili) IndexPosts(posts []PostRecord) error {
	return addDocuments(m, ResultPost, posts...)
}

func (m *Meili) IndexNotes(notes []NoteRecord) error {
	return addDocuments(m, ResultNote, notes...)
}

func (m *Meili) IndexNotices(notices []NoticeRecord) error {
	return addDocuments(m, ResultNotice, notices...)
}
