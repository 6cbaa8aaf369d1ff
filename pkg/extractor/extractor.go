// Package extractor walks untyped response documents and collects media
// references. The walk is schema-free: it recognises a handful of known
// field shapes and recurses into everything else, so schema drift in
// unrelated parts of the document cannot break it.
package extractor

import (
	"encoding/json"
	"sort"
	"strings"

	"igharvest/pkg/models"
)

// Field names with dedicated handling during the walk
const (
	fieldVideoVersions = "video_versions"
	fieldImageVersions = "image_versions2"
	fieldCandidates    = "candidates"
	fieldCarousel      = "carousel_media"
	fieldURL           = "url"

	// skipMarker excludes avatar subtrees wherever they appear
	skipMarker = "profile_pic"

	// byteRangeMarker flags fragmented stream URLs that are not
	// standalone downloadable files
	byteRangeMarker = "bytestart"
)

// Extractor collects media references from response documents
type Extractor struct{}

// New creates an Extractor
func New() *Extractor {
	return &Extractor{}
}

// Extract walks doc depth-first and returns every media reference found,
// tagged with sourcePostID. The same input always yields the same
// references in the same order.
func (e *Extractor) Extract(doc interface{}, sourcePostID string) []models.MediaReference {
	refs := make([]models.MediaReference, 0, 8)
	e.walk(doc, sourcePostID, &refs)
	return refs
}

func (e *Extractor) walk(node interface{}, sourcePostID string, refs *[]models.MediaReference) {
	switch v := node.(type) {
	case map[string]interface{}:
		e.walkMap(v, sourcePostID, refs)
	case []interface{}:
		for _, item := range v {
			e.walk(item, sourcePostID, refs)
		}
	}
}

// walkMap applies the field rules to one map node. Known fields are
// visited first in a fixed order, then the remaining keys sorted by
// name, so output order does not depend on map iteration order.
func (e *Extractor) walkMap(m map[string]interface{}, sourcePostID string, refs *[]models.MediaReference) {
	if videos, ok := m[fieldVideoVersions].([]interface{}); ok {
		e.collectVideos(videos, sourcePostID, refs)
	}
	if images, ok := m[fieldImageVersions].(map[string]interface{}); ok {
		e.collectFirstCandidate(images, sourcePostID, refs)
	}
	if carousel, ok := m[fieldCarousel].([]interface{}); ok {
		for _, item := range carousel {
			e.walk(item, sourcePostID, refs)
		}
	}

	rest := make([]string, 0, len(m))
	for key := range m {
		if e.isHandled(key) || strings.Contains(key, skipMarker) {
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)

	for _, key := range rest {
		value := m[key]
		if key == fieldURL {
			if url, ok := value.(string); ok {
				e.collectGeneric(url, sourcePostID, refs)
				continue
			}
		}
		e.walk(value, sourcePostID, refs)
	}
}

// isHandled reports whether a key has already been consumed by a
// dedicated rule and must not be recursed into generically.
func (e *Extractor) isHandled(key string) bool {
	switch key {
	case fieldVideoVersions, fieldImageVersions, fieldCarousel:
		return true
	}
	return false
}

// collectVideos emits one reference per playable video variant. Entries
// carrying a byte-range marker are fragments of a stream, not files.
func (e *Extractor) collectVideos(versions []interface{}, sourcePostID string, refs *[]models.MediaReference) {
	for _, version := range versions {
		entry, ok := version.(map[string]interface{})
		if !ok {
			continue
		}
		url, ok := entry[fieldURL].(string)
		if !ok || !strings.Contains(url, ".mp4") || strings.Contains(url, byteRangeMarker) {
			continue
		}

		*refs = append(*refs, models.MediaReference{
			RawURL:       url,
			Kind:         models.KindVideo,
			Width:        intField(entry, "width"),
			Height:       intField(entry, "height"),
			Bandwidth:    intField(entry, "bandwidth"),
			SourcePostID: sourcePostID,
		})
	}
}

// collectFirstCandidate emits the first image candidate only; candidates
// are listed best-first and the rest are lower resolutions of the same
// asset.
func (e *Extractor) collectFirstCandidate(images map[string]interface{}, sourcePostID string, refs *[]models.MediaReference) {
	candidates, ok := images[fieldCandidates].([]interface{})
	if !ok || len(candidates) == 0 {
		return
	}
	entry, ok := candidates[0].(map[string]interface{})
	if !ok {
		return
	}
	url, ok := entry[fieldURL].(string)
	if !ok || url == "" {
		return
	}

	*refs = append(*refs, models.MediaReference{
		RawURL:       url,
		Kind:         models.KindImage,
		Width:        intField(entry, "width"),
		Height:       intField(entry, "height"),
		SourcePostID: sourcePostID,
	})
}

// collectGeneric handles bare url fields in looser response shapes
func (e *Extractor) collectGeneric(url, sourcePostID string, refs *[]models.MediaReference) {
	if url == "" {
		return
	}

	kind := models.KindImage
	if strings.Contains(url, ".mp4") {
		if strings.Contains(url, byteRangeMarker) {
			return
		}
		kind = models.KindVideo
	}

	*refs = append(*refs, models.MediaReference{
		RawURL:       url,
		Kind:         kind,
		SourcePostID: sourcePostID,
	})
}

// intField reads a numeric field that arrives as json.Number or float64
func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case float64:
		return int(v)
	}
	return 0
}
