package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igharvest/pkg/instagram"
	"igharvest/pkg/models"
)

func extractJSON(t *testing.T, raw string) []models.MediaReference {
	t.Helper()
	doc, err := instagram.DecodeDocument([]byte(raw))
	require.NoError(t, err)
	return New().Extract(doc, "post1")
}

func TestExtractVideoVersions(t *testing.T) {
	refs := extractJSON(t, `{
		"video_versions": [
			{"url": "https://x/a.mp4?sig=1", "width": 1080, "height": 1920, "bandwidth": 500},
			{"url": "https://x/b.mp4?sig=2", "width": 720, "height": 1280}
		]
	}`)

	require.Len(t, refs, 2)
	assert.Equal(t, models.KindVideo, refs[0].Kind)
	assert.Equal(t, "https://x/a.mp4?sig=1", refs[0].RawURL)
	assert.Equal(t, 1080, refs[0].Width)
	assert.Equal(t, 1920, refs[0].Height)
	assert.Equal(t, 500, refs[0].Bandwidth)
	assert.Equal(t, "post1", refs[0].SourcePostID)
}

func TestExtractSkipsByteRangeVariants(t *testing.T) {
	refs := extractJSON(t, `{
		"video_versions": [
			{"url": "https://x/a.mp4?sig=1"},
			{"url": "https://x/a.mp4?sig=1&bytestart=0&byteend=1024"}
		]
	}`)

	require.Len(t, refs, 1)
	assert.Equal(t, "https://x/a.mp4?sig=1", refs[0].RawURL)
}

func TestExtractFirstImageCandidateOnly(t *testing.T) {
	refs := extractJSON(t, `{
		"image_versions2": {
			"candidates": [
				{"url": "https://x/full.jpg?sig=1", "width": 1440, "height": 1800},
				{"url": "https://x/small.jpg?sig=2", "width": 320, "height": 400}
			]
		}
	}`)

	require.Len(t, refs, 1)
	assert.Equal(t, models.KindImage, refs[0].Kind)
	assert.Equal(t, "https://x/full.jpg?sig=1", refs[0].RawURL)
	assert.Equal(t, 1440, refs[0].Width)
}

func TestExtractCarouselRecursion(t *testing.T) {
	refs := extractJSON(t, `{
		"carousel_media": [
			{"image_versions2": {"candidates": [{"url": "https://x/1.jpg"}]}},
			{"video_versions": [{"url": "https://x/2.mp4"}]},
			{"carousel_media": [
				{"image_versions2": {"candidates": [{"url": "https://x/3.jpg"}]}}
			]}
		]
	}`)

	require.Len(t, refs, 3)
	assert.Equal(t, "https://x/1.jpg", refs[0].RawURL)
	assert.Equal(t, "https://x/2.mp4", refs[1].RawURL)
	assert.Equal(t, "https://x/3.jpg", refs[2].RawURL)
}

func TestExtractProfilePicSubtreeExcluded(t *testing.T) {
	refs := extractJSON(t, `{
		"user": {
			"profile_pic_url": "https://x/avatar.jpg",
			"hd_profile_pic_versions": [
				{"url": "https://x/avatar_hd.jpg"}
			],
			"profile_pic_info": {
				"video_versions": [{"url": "https://x/sneaky.mp4"}],
				"image_versions2": {"candidates": [{"url": "https://x/sneaky.jpg"}]}
			}
		},
		"image_versions2": {"candidates": [{"url": "https://x/content.jpg"}]}
	}`)

	require.Len(t, refs, 1)
	assert.Equal(t, "https://x/content.jpg", refs[0].RawURL)
}

func TestExtractGenericURLField(t *testing.T) {
	refs := extractJSON(t, `{
		"legacy_media": {"url": "https://x/old.jpg?token=abc"}
	}`)

	require.Len(t, refs, 1)
	assert.Equal(t, models.KindImage, refs[0].Kind)
	assert.Equal(t, "https://x/old.jpg?token=abc", refs[0].RawURL)
}

func TestExtractGenericVideoKindInference(t *testing.T) {
	refs := extractJSON(t, `{"clip": {"url": "https://x/clip.mp4?sig=9"}}`)

	require.Len(t, refs, 1)
	assert.Equal(t, models.KindVideo, refs[0].Kind)
}

func TestExtractDeepIrregularNesting(t *testing.T) {
	refs := extractJSON(t, `{
		"a": [null, 42, "str", {
			"b": {"c": [{"video_versions": [{"url": "https://x/deep.mp4"}]}]}
		}]
	}`)

	require.Len(t, refs, 1)
	assert.Equal(t, "https://x/deep.mp4", refs[0].RawURL)
}

func TestExtractDeterministicOrder(t *testing.T) {
	raw := `{
		"zebra": {"url": "https://x/z.jpg"},
		"alpha": {"url": "https://x/a.jpg"},
		"mid": {"url": "https://x/m.jpg"}
	}`

	first := extractJSON(t, raw)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, extractJSON(t, raw))
	}

	require.Len(t, first, 3)
	assert.Equal(t, "https://x/a.jpg", first[0].RawURL)
	assert.Equal(t, "https://x/m.jpg", first[1].RawURL)
	assert.Equal(t, "https://x/z.jpg", first[2].RawURL)
}

func TestExtractEmptyAndScalarDocuments(t *testing.T) {
	assert.Empty(t, extractJSON(t, `{}`))
	assert.Empty(t, extractJSON(t, `[]`))
	assert.Empty(t, extractJSON(t, `"just a string"`))
	assert.Empty(t, extractJSON(t, `null`))
}
