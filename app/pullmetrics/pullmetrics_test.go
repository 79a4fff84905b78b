package pullmetrics

import (
	"context"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullKeyRoundTrip(t *testing.T) {
	dgst := digest.FromString("manifest bytes")

	k, err := parsePullKey(tagKey(42, "latest", dgst))
	require.NoError(t, err)
	assert.Equal(t, int64(42), k.repoID)
	assert.Equal(t, "latest", k.tagName)
	assert.Equal(t, dgst, k.dgst)

	k, err = parsePullKey(digestKey(7, dgst))
	require.NoError(t, err)
	assert.Equal(t, int64(7), k.repoID)
	assert.Empty(t, k.tagName)
	assert.Equal(t, dgst, k.dgst)
}

func TestParsePullKey_Malformed(t *testing.T) {
	dgst := digest.FromString("x").String()

	bad := []string{
		"something:else",
		"pull_events:repo:abc:tag:latest:" + dgst, // non-numeric repo id
		"pull_events:repo:0:digest:" + dgst,       // zero repo id
		"pull_events:repo:1:tag:latest",           // tag key without digest
		"pull_events:repo:1:tag::" + dgst,         // empty tag name
		"pull_events:repo:1:digest:not-a-digest",
		"pull_events:repo:1:blob:" + dgst, // unknown kind
	}
	for _, key := range bad {
		_, err := parsePullKey(key)
		assert.Error(t, err, key)
	}
}

func TestRecorder_RejectsInvalidEvents(t *testing.T) {
	r := NewRecorder(nil, nil) // validation happens before redis is touched
	dgst := digest.FromString("x")
	ctx := context.Background()

	assert.Error(t, r.TagPulled(ctx, 0, "latest", dgst, "pull"))
	assert.Error(t, r.TagPulled(ctx, 1, "", dgst, "pull"))
	assert.Error(t, r.TagPulled(ctx, 1, "latest", "", "pull"))
	assert.Error(t, r.ManifestPulled(ctx, -1, dgst, "pull"))
	assert.Error(t, r.ManifestPulled(ctx, 1, "", "pull"))
}
