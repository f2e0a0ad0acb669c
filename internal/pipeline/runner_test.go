package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/merge"
	"github.com/DeafMist/event-dedup/internal/models"
	"github.com/DeafMist/event-dedup/internal/pipeline"
	"github.com/DeafMist/event-dedup/internal/stagecache"
	"github.com/DeafMist/event-dedup/internal/temporal"
)

const input = `title,start_date
Flood in Chile | Reuters,2023-01-01
Flood hits Chile,2023-01-01
Chile flood toll rises,2023-01-02
Chile floods far later,2023-03-01
Quake in Peru,2023-01-03
Peru quake aftermath,2023-01-03
Celebrity gossip,2023-01-05
More celebrity gossip,2023-01-05
Flood in Chile,2023-01-01
`

type fakeClassifier struct{ calls int }

func (f *fakeClassifier) Classify(_ context.Context, texts []string) []string {
	f.calls++
	out := make([]string, len(texts))
	for i, text := range texts {
		switch {
		case strings.Contains(text, "gossip"):
			out[i] = models.OutOfScope
		case strings.Contains(text, "Peru"):
			out[i] = "earthquake"
		default:
			out[i] = "flood"
		}
	}
	return out
}

type fakeLinker struct{ calls int }

func (f *fakeLinker) Link(_ context.Context, text string) (*models.Entities, error) {
	f.calls++
	ents := &models.Entities{Types: map[string]string{}, Links: map[string]string{}}
	if strings.Contains(text, "Chile") || strings.Contains(text, "Peru") {
		ents.Types["Chile"] = "GPE"
		ents.Links["Chile"] = "https://www.wikidata.org/wiki/Q298"
	}
	if strings.Contains(text, "Peru") {
		ents.Types["Peru"] = "GPE"
	}
	return ents, nil
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		title, _, _ := strings.Cut(text, " (")
		switch {
		case strings.Contains(title, "Chile"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(title, "Peru"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

type fixture struct {
	dir        string
	inputPath  string
	classifier *fakeClassifier
	linker     *fakeLinker
	embedder   *fakeEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aggregated_news.csv")
	require.NoError(t, os.WriteFile(path, []byte(input), 0o644))
	return &fixture{dir: dir, inputPath: path, classifier: &fakeClassifier{}, linker: &fakeLinker{}, embedder: &fakeEmbedder{}}
}

func (f *fixture) run(t *testing.T, ctx context.Context, force bool) (*pipeline.Summary, error) {
	t.Helper()
	cache, err := stagecache.Open(filepath.Join(f.dir, "stages"), force, nil)
	require.NoError(t, err)
	defer cache.Close()

	runner := pipeline.New(cache,
		pipeline.Services{Classifier: f.classifier, Linker: f.linker, Embedder: f.embedder},
		pipeline.Options{
			InputCSV:      f.inputPath,
			ClusterColumn: "cluster_2_90",
			Grid: []models.ClusterParams{
				{MinCommunitySize: 2, Threshold: 0.9},
				{MinCommunitySize: 2, Threshold: 0.9, Temporal: true},
			},
			Denoise:             temporal.Params{Eps: 1, MinSamples: 2},
			Merge:               merge.Params{MinEntityCount: 2, MaxGapDays: 10, MinSimilarity: 0.5},
			ClassifierBatchSize: 3,
			EmbeddingModel:      "test-model",
		},
		nil,
	)
	return runner.Run(ctx)
}

func stageRows(sum *pipeline.Summary) map[string]int {
	out := map[string]int{}
	for _, st := range sum.Stages {
		out[st.Stage] = st.Rows
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)

	sum, err := f.run(t, context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, map[string]int{
		pipeline.StageNormalized: 8,
		pipeline.StageEventTypes: 8,
		pipeline.StageEntities:   8,
		pipeline.StageClustered:  8,
		pipeline.StageDenoised:   7,
		pipeline.StageNoisy:      1,
		pipeline.StageOOSRemoved: 5,
		pipeline.StageOOS:        2,
		pipeline.StageMerged:     5,
	}, stageRows(sum))
	for _, st := range sum.Stages {
		require.False(t, st.Cached, st.Stage)
	}

	require.Equal(t, 3, f.classifier.calls)
	require.Equal(t, 2, f.embedder.calls)
	require.Equal(t, 3, sum.ClustersBefore)
	require.Equal(t, 1, sum.ClustersAfter)

	require.Equal(t, []string{"cluster_2_90", "temporal_cluster_2_90", dataset.ColMerged}, sum.Final.ClusterColumns)
	titles := make([]string, 0, len(sum.Final.Records))
	for _, rec := range sum.Final.Records {
		titles = append(titles, rec.Title)
		id, ok := rec.ClusterID(dataset.ColMerged)
		require.True(t, ok)
		require.Equal(t, 0, id)
	}
	require.Equal(t, []string{"Flood hits Chile", "Chile flood toll rises", "Quake in Peru", "Peru quake aftermath", "Flood in Chile"}, titles)

	require.Contains(t, pipeline.RenderSummary(sum), "oos_removed")
}

func TestRunReusesCheckpoints(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, context.Background(), false)
	require.NoError(t, err)

	sum, err := f.run(t, context.Background(), false)
	require.NoError(t, err)
	for _, st := range sum.Stages {
		require.True(t, st.Cached, st.Stage)
	}
	require.Equal(t, 3, f.classifier.calls)
	require.Equal(t, 2, f.embedder.calls)
	require.Len(t, sum.Final.Records, 5)

	sum, err = f.run(t, context.Background(), true)
	require.NoError(t, err)
	require.False(t, sum.Stages[0].Cached)
	require.Equal(t, 6, f.classifier.calls)
	require.Equal(t, 4, f.embedder.calls)
}

const annotatedInput = `title,start_date,pred_event_type,entities
Flood hits Chile,2023-01-01,storm,"{""entity_type"":{""Chile"":""GPE""},""linked_entity"":{}}"
Chile flood toll rises,2023-01-02,storm,"{""entity_type"":{""Chile"":""GPE""},""linked_entity"":{}}"
Chile flood rescue,2023-01-02,storm,"{""entity_type"":{""Chile"":""GPE""},""linked_entity"":{}}"
`

func TestRunKeepsExistingAnnotations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.inputPath, []byte(annotatedInput), 0o644))

	sum, err := f.run(t, context.Background(), false)
	require.NoError(t, err)
	require.Zero(t, f.classifier.calls)
	require.Zero(t, f.linker.calls)
	require.Len(t, sum.Final.Records, 3)
	for _, rec := range sum.Final.Records {
		require.Equal(t, "storm", rec.EventType)
		require.Equal(t, []string{"Chile"}, rec.Entities.GPEs())
	}

	sum, err = f.run(t, context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, f.classifier.calls)
	require.Equal(t, 3, f.linker.calls)
	require.Equal(t, "flood", sum.Final.Records[0].EventType)
}

func TestRunInputChangeInvalidatesCheckpoints(t *testing.T) {
	f := newFixture(t)
	first, err := f.run(t, context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.inputPath, []byte(input+"Storm in Peru,2023-01-03\n"), 0o644))
	second, err := f.run(t, context.Background(), false)
	require.NoError(t, err)

	require.False(t, second.Stages[0].Cached)
	require.NotEqual(t, first.Stages[0].File, second.Stages[0].File)
	require.Equal(t, 9, second.Stages[0].Rows)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.run(t, ctx, false)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(filepath.Join(f.dir, "stages"))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".csv"), e.Name())
	}
}

func TestRunMissingInput(t *testing.T) {
	f := newFixture(t)
	f.inputPath = filepath.Join(f.dir, "nope.csv")
	_, err := f.run(t, context.Background(), false)
	require.Error(t, err)
}

type fakeIndexer struct {
	ensured bool
	docs    []models.EventDocument
}

func (f *fakeIndexer) EnsureIndex(context.Context) error {
	f.ensured = true
	return nil
}

func (f *fakeIndexer) IndexEvents(_ context.Context, docs []models.EventDocument, _ int) (int, error) {
	f.docs = append(f.docs, docs...)
	return len(docs), nil
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	sum, err := f.run(t, context.Background(), false)
	require.NoError(t, err)

	idx := &fakeIndexer{}
	runID, err := pipeline.Publish(context.Background(), idx, sum.Final, "cluster_2_90", 100, nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	require.True(t, idx.ensured)
	require.Len(t, idx.docs, 5)

	doc := idx.docs[2]
	require.Equal(t, runID, doc.RunID)
	require.Equal(t, "Quake in Peru", doc.Title)
	require.Equal(t, "2023-01-03", doc.StartDate)
	require.Equal(t, "earthquake", doc.EventType)
	require.Equal(t, []string{"Chile", "Peru"}, doc.Entities)
	require.Equal(t, []string{"Chile", "Peru"}, doc.GPEs)
	require.NotNil(t, doc.Cluster)
	require.Equal(t, 1, *doc.Cluster)
	require.NotNil(t, doc.MergedCluster)
	require.Equal(t, 0, *doc.MergedCluster)
	require.Len(t, doc.ID, 40)
}

func TestDocumentsWithoutClusters(t *testing.T) {
	tbl := &dataset.Table{Records: []*models.NewsRecord{{Title: "Lone", StartDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}}}
	docs := pipeline.Documents(tbl, "cluster_2_90", "run", time.Unix(0, 0))
	require.Len(t, docs, 1)
	require.Nil(t, docs[0].Cluster)
	require.Nil(t, docs[0].MergedCluster)
	require.Empty(t, docs[0].Entities)
}
