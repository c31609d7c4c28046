// Package feed turns the client's category/search/page selection into a
// store.FeedFilter and tracks offset paging.
package feed

import (
	"strings"

	"github.com/samber/lo"

	"tigerden/api/internal/store"
)

const DefaultPageSize = 5

type Category string

const (
	CategoryAll        Category = "All"
	CategoryDiscussion Category = "Discussion"
	CategoryConfession Category = "Confession"
	CategoryHelp       Category = "Help"
	CategoryRant       Category = "Rant"
	CategoryPoll       Category = "Poll"
)

// Categories lists what the composer offers, in display order.
var Categories = []Category{CategoryAll, CategoryDiscussion, CategoryConfession, CategoryHelp, CategoryRant, CategoryPoll}

// ParseCategory matches case-insensitively; blank means All.
func ParseCategory(raw string) (Category, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CategoryAll, true
	}
	return lo.Find(Categories, func(c Category) bool {
		return strings.EqualFold(string(c), trimmed)
	})
}

// PostTypeFor is the stored type for a post created under category.
func PostTypeFor(category Category) store.PostType {
	switch category {
	case CategoryConfession:
		return store.PostConfession
	case CategoryPoll:
		return store.PostPoll
	default:
		return store.PostText
	}
}

type Params struct {
	Category Category
	Search   string
	Page     int
	PageSize int
}

// Build composes the filter. A search term wins over the category.
func Build(p Params) store.FeedFilter {
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	filter := store.FeedFilter{
		Match:  store.FeedMatchAll,
		Limit:  size,
		Offset: (page - 1) * size,
	}

	if term := strings.TrimSpace(p.Search); term != "" {
		filter.Match = store.FeedMatchSearch
		filter.Search = term
		return filter
	}

	switch p.Category {
	case CategoryAll, "":
	case CategoryDiscussion:
		filter.Match = store.FeedMatchType
		filter.Types = []store.PostType{store.PostText}
	case CategoryPoll:
		filter.Match = store.FeedMatchType
		filter.Types = []store.PostType{store.PostPoll}
	default:
		filter.Match = store.FeedMatchTypeOrTag
		filter.Types = []store.PostType{store.PostType(strings.ToLower(string(p.Category)))}
		filter.Tags = []string{string(p.Category)}
	}
	return filter
}

// Cursor reports paging state after a page has been fetched.
type Cursor struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	Total    int  `json:"total"`
	HasMore  bool `json:"hasMore"`
}

func NewCursor(filter store.FeedFilter, fetched, total int) Cursor {
	size := filter.Limit
	if size <= 0 {
		size = DefaultPageSize
	}
	return Cursor{
		Page:     filter.Offset/size + 1,
		PageSize: size,
		Total:    total,
		HasMore:  filter.Offset+fetched < total,
	}
}

// Tags returns the tag list stored on a new post: the category itself
// (except All) plus any extra tags, trimmed and deduplicated.
func Tags(category Category, extra []string) []string {
	tags := make([]string, 0, len(extra)+1)
	if category != CategoryAll && category != "" {
		tags = append(tags, string(category))
	}
	for _, tag := range extra {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return lo.Uniq(tags)
}
