package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

// ErrMalformedDocument is returned when a payload is not a JSON object.
var ErrMalformedDocument = errors.New("malformed document")

// envelopeKeys are top-level fields every provider listing carries. They
// describe the listing itself, so they never make a document Hybrid.
var envelopeKeys = map[string]struct{}{
	"items":     {},
	"count":     {},
	"pageIndex": {},
	"pageSize":  {},
	"pageCount": {},
	"$ref":      {},
	"$meta":     {},
}

// Classification is the structural reading of a payload.
type Classification struct {
	Shape crawler.ResourceShape
	// Refs are child URLs from items, in document order, deduplicated.
	Refs      []string
	PageIndex int
	PageCount int
}

// Classify labels raw as Index, Hybrid or Leaf.
//
//   - No items field, or items that is not an array: Leaf.
//   - items holds no $ref entries: Leaf when anything else is present,
//     otherwise an empty Index.
//   - items holds $ref entries and the object has no other meaningful field
//     and no inline items: Index.
//   - items holds $ref entries next to meaningful fields or inline items:
//     Hybrid.
func Classify(raw []byte) (Classification, error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if top == nil {
		return Classification{}, fmt.Errorf("%w: top level is not an object", ErrMalformedDocument)
	}

	out := Classification{
		PageIndex: intField(top, "pageIndex"),
		PageCount: intField(top, "pageCount"),
	}
	meaningful := false
	for key := range top {
		if _, ok := envelopeKeys[key]; !ok {
			meaningful = true
			break
		}
	}

	itemsRaw, hasItems := top["items"]
	var items []json.RawMessage
	if !hasItems || json.Unmarshal(itemsRaw, &items) != nil {
		out.Shape = crawler.ShapeLeaf
		return out, nil
	}

	refs, inline := extractRefs(items)
	out.Refs = refs
	switch {
	case len(refs) == 0 && (meaningful || inline > 0):
		out.Shape = crawler.ShapeLeaf
	case len(refs) == 0:
		out.Shape = crawler.ShapeIndex
	case meaningful || inline > 0:
		out.Shape = crawler.ShapeHybrid
	default:
		out.Shape = crawler.ShapeIndex
	}
	return out, nil
}

// ExtractRefs returns the child $ref URLs of raw's items array.
func ExtractRefs(raw []byte) ([]string, error) {
	c, err := Classify(raw)
	if err != nil {
		return nil, err
	}
	return c.Refs, nil
}

func extractRefs(items []json.RawMessage) ([]string, int) {
	seen := make(map[string]struct{}, len(items))
	refs := make([]string, 0, len(items))
	inline := 0
	for _, item := range items {
		var entry map[string]json.RawMessage
		if json.Unmarshal(item, &entry) != nil || entry == nil {
			inline++
			continue
		}
		var ref string
		if raw, ok := entry["$ref"]; !ok || json.Unmarshal(raw, &ref) != nil || strings.TrimSpace(ref) == "" {
			inline++
			continue
		}
		ref = strings.TrimSpace(ref)
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	return refs, inline
}

func intField(top map[string]json.RawMessage, key string) int {
	raw, ok := top[key]
	if !ok {
		return 0
	}
	var n json.Number
	if json.Unmarshal(raw, &n) != nil {
		return 0
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return 0
	}
	return v
}

// RemainingPages returns the URLs of pages 2..PageCount when c is the first
// page of a paginated listing, so every page gets crawled exactly once.
func (c Classification) RemainingPages(uri string) ([]string, error) {
	if c.PageCount <= 1 || c.PageIndex > 1 {
		return nil, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	pages := make([]string, 0, c.PageCount-1)
	for page := 2; page <= c.PageCount; page++ {
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		next := *u
		next.RawQuery = q.Encode()
		pages = append(pages, next.String())
	}
	return pages, nil
}
