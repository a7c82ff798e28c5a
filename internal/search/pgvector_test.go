package search_test

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/model"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/storage"
	"github.com/lodestone-ai/lodestone/internal/testutil"
)

var (
	testDB    *storage.DB
	testIndex *search.PgvectorIndex
)

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	testIndex = search.NewPgvectorIndex(testDB.Pool(), testutil.TestLogger())
	os.Exit(m.Run())
}

func seedLink(t *testing.T, owner, url string) model.Link {
	t.Helper()
	link, err := testDB.InsertLink(context.Background(), owner, url)
	require.NoError(t, err)
	return link
}

func metaFor(link model.Link) map[string]string {
	return map[string]string{
		search.MetaURL:    link.URL,
		search.MetaLinkID: strconv.FormatInt(link.ID, 10),
	}
}

func TestPgvector_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	owner := "pgv-query@example.com"
	link := seedLink(t, owner, "https://example.com/pgv")

	id0 := model.VectorID(owner, link.ID, 0)
	id1 := model.VectorID(owner, link.ID, 1)
	require.NoError(t, testIndex.Upsert(ctx, owner, id0, []float32{1, 0, 0}, metaFor(link)))
	require.NoError(t, testIndex.Upsert(ctx, owner, id1, []float32{0, 1, 0}, metaFor(link)))

	matches, err := testIndex.Query(ctx, owner, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// Exact direction wins with cosine similarity 1.
	assert.Equal(t, id0, matches[0].VectorID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, link.URL, matches[0].Metadata[search.MetaURL])
	assert.Equal(t, strconv.FormatInt(link.ID, 10), matches[0].Metadata[search.MetaLinkID])
}

func TestPgvector_UpsertReplacesEmbedding(t *testing.T) {
	ctx := context.Background()
	owner := "pgv-replace@example.com"
	link := seedLink(t, owner, "https://example.com/pgv-replace")

	id := model.VectorID(owner, link.ID, 0)
	require.NoError(t, testIndex.Upsert(ctx, owner, id, []float32{1, 0, 0}, metaFor(link)))
	require.NoError(t, testIndex.Upsert(ctx, owner, id, []float32{0, 0, 1}, metaFor(link)))

	matches, err := testIndex.Query(ctx, owner, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].VectorID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
}

func TestPgvector_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	linkA := seedLink(t, "pgv-a@example.com", "https://example.com/pgv-a")
	linkB := seedLink(t, "pgv-b@example.com", "https://example.com/pgv-b")

	require.NoError(t, testIndex.Upsert(ctx, "pgv-a@example.com",
		model.VectorID("pgv-a@example.com", linkA.ID, 0), []float32{1, 0, 0}, metaFor(linkA)))
	require.NoError(t, testIndex.Upsert(ctx, "pgv-b@example.com",
		model.VectorID("pgv-b@example.com", linkB.ID, 0), []float32{1, 0, 0}, metaFor(linkB)))

	matches, err := testIndex.Query(ctx, "pgv-a@example.com", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, linkA.URL, matches[0].Metadata[search.MetaURL])
}

func TestPgvector_Delete(t *testing.T) {
	ctx := context.Background()
	owner := "pgv-del@example.com"
	link := seedLink(t, owner, "https://example.com/pgv-del")

	id := model.VectorID(owner, link.ID, 0)
	require.NoError(t, testIndex.Upsert(ctx, owner, id, []float32{0, 1, 0}, metaFor(link)))
	require.NoError(t, testIndex.Delete(ctx, []string{id}))

	matches, err := testIndex.Query(ctx, owner, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Deleting already-absent IDs is not an error.
	require.NoError(t, testIndex.Delete(ctx, []string{id, "never-existed"}))
	require.NoError(t, testIndex.Delete(ctx, nil))
}

func TestPgvector_UpsertRequiresLinkID(t *testing.T) {
	err := testIndex.Upsert(context.Background(), "x@example.com", "some-id", []float32{1}, nil)
	require.Error(t, err)
}

func TestPgvector_Healthy(t *testing.T) {
	require.NoError(t, testIndex.Healthy(context.Background()))
}
