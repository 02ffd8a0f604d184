// Package query builds search requests against the index. It supports
// exact, fuzzy, regex, semantic, and natural language search, applies a
// recency boost on top of relevance, and falls back to the offline
// cache when connectivity is gone.
package query

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/AvengeMedia/dankindex/internal/cache"
	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/extract"
	"github.com/AvengeMedia/dankindex/internal/index"
	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/AvengeMedia/dankindex/internal/metastore"
	bleve "github.com/blevesearch/bleve/v2"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
)

type SearchType string

const (
	TypeExact           SearchType = "exact"
	TypeFuzzy           SearchType = "fuzzy"
	TypeRegex           SearchType = "regex"
	TypeSemantic        SearchType = "semantic"
	TypeNaturalLanguage SearchType = "naturalLanguage"
)

const (
	defaultLimit   = 20
	previewRunes   = 240
	rerankHeadroom = 4
)

type Request struct {
	Query          string     `json:"query"`
	Type           SearchType `json:"type"`
	Limit          int        `json:"limit"`
	IncludeContent bool       `json:"include_content"`
	Filters        *Filters   `json:"filters,omitempty"`
}

type Result struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Score    float64   `json:"score"`
	FileType string    `json:"file_type"`
	Category string    `json:"category,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Preview  string    `json:"preview,omitempty"`
}

type Response struct {
	Query     string     `json:"query"`
	Residual  string     `json:"residual,omitempty"`
	Type      SearchType `json:"type"`
	Filters   Filters    `json:"filters"`
	Total     int        `json:"total"`
	TookMS    int64      `json:"took_ms"`
	FromCache bool       `json:"from_cache"`
	Results   []Result   `json:"results"`
}

type Engine struct {
	config *config.Config
	store  *index.Store
	meta   *metastore.Store
	cache  *cache.Cache
	online func() bool
}

func New(cfg *config.Config, store *index.Store, meta *metastore.Store, c *cache.Cache) *Engine {
	return &Engine{config: cfg, store: store, meta: meta, cache: c}
}

// SetOnlineCheck installs the connectivity probe used to decide between
// live search and the offline cache.
func (e *Engine) SetOnlineCheck(fn func() bool) {
	e.online = fn
}

func (e *Engine) Search(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	text := strings.TrimSpace(req.Query)
	if text == "" {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "empty query", nil)
	}
	if req.Type == "" {
		req.Type = TypeExact
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	if e.online != nil && !e.online() {
		return e.searchOffline(req, text, limit, start)
	}

	resp, err := e.searchLive(ctx, req, text, limit)
	if err != nil {
		return nil, err
	}
	resp.TookMS = time.Since(start).Milliseconds()

	if e.cache != nil {
		if err := e.cache.PutSearch(cacheKey(req.Type, text, limit), resp); err != nil {
			log.Debugf("failed to cache search results: %v", err)
		}
	}
	return resp, nil
}

func (e *Engine) searchLive(ctx context.Context, req *Request, text string, limit int) (*Response, error) {
	resp := &Response{Query: text, Type: req.Type}

	var filters Filters
	if req.Filters != nil {
		filters = *req.Filters
	}

	if req.Type == TypeSemantic {
		resp.Filters = filters
		return e.searchSemantic(ctx, resp, text, filters, limit, req.IncludeContent)
	}

	matchText := text
	if req.Type == TypeNaturalLanguage {
		residual, parsed := Parse(text, time.Now())
		resp.Residual = residual
		filters = mergeFilters(filters, parsed)
		matchText = residual
	}
	resp.Filters = filters

	main, err := buildMainQuery(req.Type, matchText)
	if err != nil {
		return nil, err
	}

	bq := bleve.NewBooleanQuery()
	bq.AddMust(main)
	for _, fq := range filterQueries(filters) {
		bq.AddMust(fq)
	}
	// Tombstoned documents stay indexed until purge but never surface.
	deleted := bleve.NewTermQuery(index.StatusDeleted)
	deleted.SetField("status")
	bq.AddMustNot(deleted)

	sreq := bleve.NewSearchRequest(bq)
	sreq.Size = limit * rerankHeadroom
	sreq.Fields = []string{"*"}

	result, err := e.store.Search(sreq)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, hit := range result.Hits {
		doc := index.DocumentFromFields(hit.ID, hit.Fields)
		resp.Results = append(resp.Results, e.toResult(doc, hit.Score*recencyBoost(doc.ModTime, now), req.IncludeContent))
	}

	rankResults(resp.Results)
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}
	resp.Total = len(resp.Results)
	return resp, nil
}

func buildMainQuery(t SearchType, text string) (bleveQuery.Query, error) {
	if text == "" {
		// Pure filter query, e.g. "images from yesterday".
		return bleve.NewMatchAllQuery(), nil
	}

	namePattern := "*" + strings.ToLower(text) + "*"

	switch t {
	case TypeExact:
		nameQuery := bleve.NewWildcardQuery(namePattern)
		nameQuery.SetField("name")
		nameQuery.SetBoost(10.0)

		bodyQuery := bleve.NewMatchPhraseQuery(text)
		bodyQuery.SetField("body")

		return bleve.NewDisjunctionQuery(nameQuery, bodyQuery), nil

	case TypeFuzzy:
		nameQuery := bleve.NewFuzzyQuery(strings.ToLower(text))
		nameQuery.SetField("name")
		nameQuery.SetFuzziness(2)
		nameQuery.SetBoost(5.0)

		bodyQuery := bleve.NewFuzzyQuery(text)
		bodyQuery.SetField("body")
		bodyQuery.SetFuzziness(2)

		return bleve.NewDisjunctionQuery(nameQuery, bodyQuery), nil

	case TypeRegex:
		if _, err := regexp.Compile(text); err != nil {
			return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery,
				fmt.Sprintf("invalid regex %q", text), err)
		}
		nameQuery := bleve.NewRegexpQuery(text)
		nameQuery.SetField("name")

		bodyQuery := bleve.NewRegexpQuery(text)
		bodyQuery.SetField("body")

		return bleve.NewDisjunctionQuery(nameQuery, bodyQuery), nil

	case TypeNaturalLanguage:
		nameQuery := bleve.NewWildcardQuery(namePattern)
		nameQuery.SetField("name")
		nameQuery.SetBoost(5.0)

		bodyQuery := bleve.NewMatchQuery(text)
		bodyQuery.SetField("body")

		return bleve.NewDisjunctionQuery(nameQuery, bodyQuery), nil

	default:
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery,
			fmt.Sprintf("unknown search type %q", t), nil)
	}
}

func filterQueries(f Filters) []bleveQuery.Query {
	var out []bleveQuery.Query

	if len(f.FileTypes) > 0 {
		var alts []bleveQuery.Query
		for _, ft := range f.FileTypes {
			q := bleve.NewTermQuery(ft)
			q.SetField("file_type")
			alts = append(alts, q)
		}
		out = append(out, bleve.NewDisjunctionQuery(alts...))
	}

	if len(f.Categories) > 0 {
		var alts []bleveQuery.Query
		for _, c := range f.Categories {
			q := bleve.NewTermQuery(c)
			q.SetField("category")
			alts = append(alts, q)
		}
		out = append(out, bleve.NewDisjunctionQuery(alts...))
	}

	if !f.DateFrom.IsZero() || !f.DateTo.IsZero() {
		// A zero bound leaves that side of the range open.
		q := bleve.NewDateRangeInclusiveQuery(f.DateFrom, f.DateTo, nil, nil)
		q.SetField("mtime")
		out = append(out, q)
	}

	if f.MinSize > 0 {
		min := float64(f.MinSize)
		q := bleve.NewNumericRangeInclusiveQuery(&min, nil, nil, nil)
		q.SetField("size")
		out = append(out, q)
	}
	if f.MaxSize > 0 {
		max := float64(f.MaxSize)
		q := bleve.NewNumericRangeInclusiveQuery(nil, &max, nil, nil)
		q.SetField("size")
		out = append(out, q)
	}

	return out
}

// searchSemantic ranks documents by cosine similarity between the query
// embedding and the stored document embeddings, then applies the same
// filters and recency boost as the lexical paths.
func (e *Engine) searchSemantic(ctx context.Context, resp *Response, text string, filters Filters, limit int, includeContent bool) (*Response, error) {
	queryVec := extract.Embed(text)
	if queryVec == nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "query has no indexable terms", nil)
	}

	type scored struct {
		path  string
		score float64
	}
	var candidates []scored
	var unscored []string

	err := e.meta.ForEach(func(path string, meta metastore.DocMeta) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if meta.Status == index.StatusDeleted {
			return nil
		}
		if len(meta.Embedding) == 0 {
			// No embedding to score against, but active filters
			// can still surface the document below the similarity
			// matches.
			if !filters.Empty() {
				unscored = append(unscored, path)
			}
			return nil
		}
		sim := extract.Cosine(queryVec, meta.Embedding)
		if sim <= 0 {
			return nil
		}
		candidates = append(candidates, scored{path: path, score: sim})
		return nil
	})
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, "semantic scan failed", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})
	if len(candidates) > limit*rerankHeadroom {
		candidates = candidates[:limit*rerankHeadroom]
	}
	sort.Strings(unscored)
	for _, path := range unscored {
		candidates = append(candidates, scored{path: path})
	}

	now := time.Now()
	for _, cand := range candidates {
		doc, err := e.store.Get(cand.path)
		if err != nil {
			return nil, err
		}
		if doc == nil || doc.Status == index.StatusDeleted || !matchesFilters(doc, filters) {
			continue
		}
		resp.Results = append(resp.Results, e.toResult(doc, cand.score*recencyBoost(doc.ModTime, now), includeContent))
	}

	rankResults(resp.Results)
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}
	resp.Total = len(resp.Results)
	return resp, nil
}

func matchesFilters(doc *index.Document, f Filters) bool {
	if len(f.FileTypes) > 0 && !containsString(f.FileTypes, doc.FileType) {
		return false
	}
	if len(f.Categories) > 0 && !containsString(f.Categories, doc.Category) {
		return false
	}
	if !f.DateFrom.IsZero() && doc.ModTime.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && doc.ModTime.After(f.DateTo) {
		return false
	}
	if f.MinSize > 0 && doc.Size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && doc.Size > f.MaxSize {
		return false
	}
	return true
}

// searchOffline serves results from the cache when disconnected: a
// previously cached result set if one matches, otherwise a substring
// scan over cached file content.
func (e *Engine) searchOffline(req *Request, text string, limit int, start time.Time) (*Response, error) {
	if e.cache == nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, "offline and no cache available", nil)
	}

	var cached Response
	hit, err := e.cache.GetSearch(cacheKey(req.Type, text, limit), &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		cached.FromCache = true
		cached.TookMS = time.Since(start).Milliseconds()
		return &cached, nil
	}

	resp := &Response{Query: text, Type: req.Type, FromCache: true}
	needle := strings.ToLower(text)

	err = e.cache.ForEach(func(entry *cache.Entry) error {
		if len(resp.Results) >= limit {
			return nil
		}
		name := strings.ToLower(entry.Metadata["name"])
		if !strings.Contains(name, needle) && !strings.Contains(strings.ToLower(entry.Content), needle) {
			return nil
		}
		r := Result{
			Path:     entry.Path,
			Name:     entry.Metadata["name"],
			FileType: entry.Metadata["file_type"],
			Category: entry.Metadata["category"],
			Score:    1.0,
		}
		if req.IncludeContent {
			r.Preview = truncate(entry.Content, previewRunes)
		}
		resp.Results = append(resp.Results, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(resp.Results, func(i, j int) bool {
		return resp.Results[i].Path < resp.Results[j].Path
	})
	resp.Total = len(resp.Results)
	resp.TookMS = time.Since(start).Milliseconds()
	return resp, nil
}

func (e *Engine) toResult(doc *index.Document, score float64, includeContent bool) Result {
	r := Result{
		Path:     doc.Path,
		Name:     doc.Name,
		Score:    score,
		FileType: doc.FileType,
		Category: doc.Category,
		Tags:     doc.Tags,
		Size:     doc.Size,
		ModTime:  doc.ModTime,
	}
	if includeContent {
		r.Preview = truncate(doc.Body, previewRunes)
	}
	return r
}

// rankResults orders by boosted score descending, with path ascending as
// the deterministic tie break.
func rankResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
}

// recencyBoost multiplies relevance by up to 1.5x for files touched
// recently, decaying with a 30 day half life.
func recencyBoost(mtime time.Time, now time.Time) float64 {
	if mtime.IsZero() {
		return 1.0
	}
	ageDays := now.Sub(mtime).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1.0 + 0.5*math.Exp(-ageDays*math.Ln2/30)
}

func mergeFilters(base, parsed Filters) Filters {
	for _, ft := range parsed.FileTypes {
		base.FileTypes = appendUnique(base.FileTypes, ft)
	}
	for _, c := range parsed.Categories {
		base.Categories = appendUnique(base.Categories, c)
	}
	if base.DateFrom.IsZero() {
		base.DateFrom = parsed.DateFrom
	}
	if base.DateTo.IsZero() {
		base.DateTo = parsed.DateTo
	}
	if base.MinSize == 0 {
		base.MinSize = parsed.MinSize
	}
	if base.MaxSize == 0 {
		base.MaxSize = parsed.MaxSize
	}
	return base
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func cacheKey(t SearchType, text string, limit int) string {
	return fmt.Sprintf("%s|%d|%s", t, limit, text)
}
