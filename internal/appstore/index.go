// Full-text index over AppProject documents, tagged by (appId,
// userKey) scope. Unpersisted: warm-started by streaming every stored,
// non-deleted document once on first query, then maintained
// incrementally by the store on create/update/delete/undelete.
// Grounded on no direct teacher analogue (justified in DESIGN.md); built
// the way the teacher's pkg/dns/resolver.go keeps an authoritative
// in-memory record cache warm and incrementally updated.
package appstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sync/singleflight"
)

// indexedDoc is the subset of an AppProject's Data the index extracts
// text from: its own info fields, plus every definitions[] entry's info
// fields, request expects.{url,headers}, and environment
// server.uri/variables[].name.
type indexedDoc struct {
	Info        indexInfo        `json:"info"`
	Definitions []indexDefinition `json:"definitions"`
}

type indexInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type indexDefinition struct {
	Info    indexInfo        `json:"info"`
	Expects *indexExpects    `json:"expects"`
	Server  *indexServer     `json:"server"`
	Vars    []indexVariable  `json:"variables"`
}

type indexExpects struct {
	URL     string          `json:"url"`
	Headers json.RawMessage `json:"headers"`
}

type indexServer struct {
	URI string `json:"uri"`
}

type indexVariable struct {
	Name string `json:"name"`
}

func extractFields(data []byte) []string {
	var doc indexedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	fields := []string{doc.Info.Name, doc.Info.DisplayName, doc.Info.Description}
	for _, d := range doc.Definitions {
		fields = append(fields, d.Info.Name, d.Info.DisplayName, d.Info.Description)
		if d.Expects != nil {
			fields = append(fields, d.Expects.URL, string(d.Expects.Headers))
		}
		if d.Server != nil {
			fields = append(fields, d.Server.URI)
		}
		for _, v := range d.Vars {
			fields = append(fields, v.Name)
		}
	}
	return fields
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func tagLess(a, b string) bool { return a < b }

// Index is the in-memory inverted index: token -> ordered set of doc
// tags, plus the reverse mapping used to clear stale postings before a
// re-index.
type Index struct {
	mu         sync.Mutex
	postings   map[string]*btree.BTreeG[string]
	docTokens  map[string]map[string]struct{}
	warmed     bool
	warmGroup  singleflight.Group
}

// NewIndex builds an empty Index.
func NewIndex() *Index {
	return &Index{
		postings:  make(map[string]*btree.BTreeG[string]),
		docTokens: make(map[string]map[string]struct{}),
	}
}

func scopeTag(appID, userKey, key string) string {
	return appID + "\x1f" + userKey + "\x1f" + key
}

// Add indexes data under tag, replacing any prior postings for tag.
func (ix *Index) Add(tag string, data []byte) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(tag)
	ix.addLocked(tag, data)
}

// Remove clears every posting for tag.
func (ix *Index) Remove(tag string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(tag)
}

func (ix *Index) addLocked(tag string, data []byte) {
	tokens := map[string]struct{}{}
	for _, field := range extractFields(data) {
		for _, tok := range tokenize(field) {
			tokens[tok] = struct{}{}
		}
	}
	if len(tokens) == 0 {
		return
	}
	ix.docTokens[tag] = tokens
	for tok := range tokens {
		tree, ok := ix.postings[tok]
		if !ok {
			tree = btree.NewG[string](32, tagLess)
			ix.postings[tok] = tree
		}
		tree.ReplaceOrInsert(tag)
	}
}

func (ix *Index) removeLocked(tag string) {
	tokens, ok := ix.docTokens[tag]
	if !ok {
		return
	}
	for tok := range tokens {
		if tree, ok := ix.postings[tok]; ok {
			tree.Delete(tag)
			if tree.Len() == 0 {
				delete(ix.postings, tok)
			}
		}
	}
	delete(ix.docTokens, tag)
}

// WarmSource streams every stored document (skipping soft-deleted ones)
// exactly once so Index can build its initial postings.
type WarmSource interface {
	StreamAll(ctx context.Context, fn func(tag string, data []byte)) error
}

// EnsureWarmed populates the index from source on the first call across
// all concurrent callers (singleflight-deduped); subsequent calls are a
// no-op.
func (ix *Index) EnsureWarmed(ctx context.Context, source WarmSource) error {
	ix.mu.Lock()
	if ix.warmed {
		ix.mu.Unlock()
		return nil
	}
	ix.mu.Unlock()

	_, err, _ := ix.warmGroup.Do("warm", func() (any, error) {
		ix.mu.Lock()
		if ix.warmed {
			ix.mu.Unlock()
			return nil, nil
		}
		ix.mu.Unlock()

		err := source.StreamAll(ctx, func(tag string, data []byte) {
			ix.mu.Lock()
			ix.addLocked(tag, data)
			ix.mu.Unlock()
		})
		if err != nil {
			return nil, err
		}
		ix.mu.Lock()
		ix.warmed = true
		ix.mu.Unlock()
		return nil, nil
	})
	return err
}

// Search returns the keys (not full tags) matching every token in query,
// restricted to the (appId, userKey) scope, in deterministic order,
// capped at limit (0 means unlimited).
func (ix *Index) Search(appID, userKey, query string, limit int) []string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var sets []map[string]struct{}
	for _, tok := range tokens {
		tree, ok := ix.postings[tok]
		if !ok {
			return nil // AND semantics: any missing token empties the result
		}
		set := make(map[string]struct{}, tree.Len())
		tree.Ascend(func(tag string) bool {
			set[tag] = struct{}{}
			return true
		})
		sets = append(sets, set)
	}

	result := sets[0]
	for _, s := range sets[1:] {
		next := map[string]struct{}{}
		for tag := range result {
			if _, ok := s[tag]; ok {
				next[tag] = struct{}{}
			}
		}
		result = next
	}

	scopePrefix := appID + "\x1f" + userKey + "\x1f"
	var keys []string
	for tag := range result {
		if !strings.HasPrefix(tag, scopePrefix) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(tag, scopePrefix))
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
