package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/event-dedup/internal/config"
	"github.com/DeafMist/event-dedup/internal/models"
)

func clearPipelineEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PIPELINE_DATA_DIR", "PIPELINE_INPUT_CSV", "PIPELINE_CACHE_DIR", "PIPELINE_OUTPUT_CSV",
		"PIPELINE_PARAMS_FILE", "PIPELINE_FORCE", "PIPELINE_PUBLISH", "PIPELINE_CLUSTER_COLUMN",
		"PIPELINE_MIN_SIZES", "PIPELINE_THRESHOLDS", "PIPELINE_DBSCAN_EPS", "PIPELINE_DBSCAN_MIN_SAMPLES",
		"PIPELINE_MERGE_MIN_ENTITY_COUNT", "PIPELINE_MERGE_MAX_GAP_DAYS", "PIPELINE_MERGE_MIN_SIMILARITY",
		"CLASSIFIER_URL", "CLASSIFIER_KEY", "CLASSIFIER_BATCH_SIZE", "LINKER_URL",
		"EMBEDDING_URL", "EMBEDDING_MODEL", "EMBEDDING_API_KEY", "EMBEDDING_BATCH_SIZE",
		"ELASTICSEARCH_ADDR", "ELASTICSEARCH_INDEX",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadPipelineDefaults(t *testing.T) {
	clearPipelineEnv(t)

	cfg, err := config.LoadPipeline()
	require.NoError(t, err)

	require.Equal(t, "data/gdelt_crawled/aggregated_news.csv", filepath.ToSlash(filepath.Clean(cfg.InputCSV)))
	require.Equal(t, "data/gdelt_crawled/stages", filepath.ToSlash(filepath.Clean(cfg.CacheDir)))
	require.Equal(t, "cluster_50_70", cfg.ClusterColumn)
	require.Equal(t, "event_mentions", cfg.ElasticsearchIndex)
	require.Len(t, cfg.Grid, 32)
	require.Equal(t, "cluster_5_60", cfg.Grid[0].Column())
	require.Equal(t, "temporal_cluster_100_90", cfg.Grid[31].Column())
	require.Equal(t, 1.0, cfg.Denoise.Eps)
	require.Equal(t, 3, cfg.Denoise.MinSamples)
	require.Equal(t, 5, cfg.Merge.MinEntityCount)
	require.Equal(t, 10, cfg.Merge.MaxGapDays)
	require.Equal(t, 0.5, cfg.Merge.MinSimilarity)
	require.Equal(t, 512, cfg.ClassifierBatchSize)
	require.Equal(t, "all-MiniLM-L6-v2", cfg.EmbeddingModel)
	require.False(t, cfg.Force)
	require.False(t, cfg.Publish)
}

func TestLoadPipelineOverrides(t *testing.T) {
	clearPipelineEnv(t)
	t.Setenv("PIPELINE_DATA_DIR", "/srv/gdelt")
	t.Setenv("PIPELINE_MIN_SIZES", "2, 3")
	t.Setenv("PIPELINE_THRESHOLDS", "75")
	t.Setenv("PIPELINE_CLUSTER_COLUMN", "temporal_cluster_3_75")
	t.Setenv("PIPELINE_FORCE", "true")
	t.Setenv("PIPELINE_PUBLISH", "1")
	t.Setenv("PIPELINE_DBSCAN_EPS", "2.5")
	t.Setenv("PIPELINE_MERGE_MIN_SIMILARITY", "0.8")
	t.Setenv("CLASSIFIER_BATCH_SIZE", "64")

	cfg, err := config.LoadPipeline()
	require.NoError(t, err)

	require.Equal(t, "/srv/gdelt/aggregated_news.csv", filepath.ToSlash(cfg.InputCSV))
	require.Equal(t, []models.ClusterParams{
		{MinCommunitySize: 2, Threshold: 0.75},
		{MinCommunitySize: 3, Threshold: 0.75},
		{MinCommunitySize: 2, Threshold: 0.75, Temporal: true},
		{MinCommunitySize: 3, Threshold: 0.75, Temporal: true},
	}, cfg.Grid)
	require.True(t, cfg.Force)
	require.True(t, cfg.Publish)
	require.Equal(t, 2.5, cfg.Denoise.Eps)
	require.Equal(t, 0.8, cfg.Merge.MinSimilarity)
	require.Equal(t, 64, cfg.ClassifierBatchSize)
}

func TestLoadPipelineInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad grid value", map[string]string{"PIPELINE_MIN_SIZES": "5,x"}},
		{"column not in grid", map[string]string{"PIPELINE_CLUSTER_COLUMN": "cluster_7_70"}},
		{"not a cluster column", map[string]string{"PIPELINE_CLUSTER_COLUMN": "title"}},
		{"threshold above one", map[string]string{"PIPELINE_THRESHOLDS": "120", "PIPELINE_CLUSTER_COLUMN": "cluster_5_120"}},
		{"min samples zero", map[string]string{"PIPELINE_DBSCAN_MIN_SAMPLES": "0"}},
		{"batch size zero", map[string]string{"CLASSIFIER_BATCH_SIZE": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearPipelineEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.LoadPipeline()
			require.Error(t, err)
		})
	}
}

func TestApplyParamsFile(t *testing.T) {
	clearPipelineEnv(t)
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster_column: cluster_20_80
grid:
  min_sizes: [20]
  thresholds: [80]
denoise:
  min_samples: 4
merge:
  max_gap_days: 3
`), 0o644))
	t.Setenv("PIPELINE_PARAMS_FILE", path)

	cfg, err := config.LoadPipeline()
	require.NoError(t, err)
	require.Equal(t, "cluster_20_80", cfg.ClusterColumn)
	require.Len(t, cfg.Grid, 2)
	require.Equal(t, 4, cfg.Denoise.MinSamples)
	require.Equal(t, 1.0, cfg.Denoise.Eps)
	require.Equal(t, 3, cfg.Merge.MaxGapDays)
	require.Equal(t, 5, cfg.Merge.MinEntityCount)
}

func TestApplyParamsFileVariantsAndErrors(t *testing.T) {
	clearPipelineEnv(t)
	cfg, err := config.LoadPipeline()
	require.NoError(t, err)

	dir := t.TempDir()
	variants := filepath.Join(dir, "variants.yaml")
	require.NoError(t, os.WriteFile(variants, []byte(`
cluster_column: temporal_cluster_8_65
variants:
  - {min_size: 8, threshold: 0.65, temporal: true}
`), 0o644))
	require.NoError(t, cfg.ApplyParamsFile(variants))
	require.Equal(t, []models.ClusterParams{{MinCommunitySize: 8, Threshold: 0.65, Temporal: true}}, cfg.Grid)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("clusters: 3\n"), 0o644))
	require.Error(t, cfg.ApplyParamsFile(unknown))

	require.Error(t, cfg.ApplyParamsFile(filepath.Join(dir, "missing.yaml")))
}

func TestLoadWorkerDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_TOPIC", "")
	t.Setenv("KAFKA_CONSUMER_GROUP", "")
	t.Setenv("WORKER_OUTPUT_CSV", "")
	t.Setenv("PIPELINE_DATA_DIR", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := config.LoadWorker()
	require.NoError(t, err)

	require.Len(t, cfg.KafkaBrokers, 1)
	require.Equal(t, "kafka:9092", cfg.KafkaBrokers[0])
	require.Equal(t, "news_raw", cfg.KafkaTopic)
	require.Equal(t, "news-ingest", cfg.KafkaConsumer)
	require.Equal(t, "data/gdelt_crawled/aggregated_news.csv", filepath.ToSlash(filepath.Clean(cfg.OutputCSV)))
	require.Empty(t, cfg.RedisURL)
	require.Equal(t, 24*time.Hour, cfg.DedupeTTL)
}

func TestLoadWorkerOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker-a:29092,broker-b:29093")
	t.Setenv("KAFKA_TOPIC", "custom_topic")
	t.Setenv("KAFKA_CONSUMER_GROUP", "custom-group")
	t.Setenv("WORKER_OUTPUT_CSV", "/tmp/news.csv")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("WORKER_DEDUPE_CAPACITY", "5")
	t.Setenv("WORKER_DEDUPE_TTL", "48h")
	t.Setenv("WORKER_BATCH_SIZE", "3")

	cfg, err := config.LoadWorker()
	require.NoError(t, err)

	require.Len(t, cfg.KafkaBrokers, 2)
	require.Equal(t, "broker-a:29092", cfg.KafkaBrokers[0])
	require.Equal(t, "custom_topic", cfg.KafkaTopic)
	require.Equal(t, "custom-group", cfg.KafkaConsumer)
	require.Equal(t, "/tmp/news.csv", cfg.OutputCSV)
	require.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	require.Equal(t, 5, cfg.DedupeCapacity)
	require.Equal(t, 48*time.Hour, cfg.DedupeTTL)
	require.Equal(t, 3, cfg.BatchSize)
}

func TestLoadAPI(t *testing.T) {
	t.Setenv("API_BIND_ADDR", ":9090")
	t.Setenv("API_PAGE_SIZE", "15")
	t.Setenv("API_MAX_PAGE_SIZE", "200")
	t.Setenv("ELASTICSEARCH_ADDR", "http://api-es:9200")
	t.Setenv("ELASTICSEARCH_INDEX", "api-index")

	cfg, err := config.LoadAPI()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.BindAddr)
	require.Equal(t, 15, cfg.DefaultPage)
	require.Equal(t, 200, cfg.MaxPage)
	require.Equal(t, "http://api-es:9200", cfg.ElasticsearchAddr)
	require.Equal(t, "api-index", cfg.ElasticsearchIndex)

	t.Setenv("API_PAGE_SIZE", "300")
	_, err = config.LoadAPI()
	require.Error(t, err)
}

func TestLoadRetention(t *testing.T) {
	t.Setenv("ELASTICSEARCH_ADDR", "http://ret-es:9200")
	t.Setenv("ELASTICSEARCH_INDEX", "ret-index")
	t.Setenv("PIPELINE_CACHE_DIR", "/var/cache/stages")
	t.Setenv("RETENTION_CRON", "12h")
	t.Setenv("RETENTION_MAX_AGE", "36h")
	t.Setenv("RETENTION_BATCH_SIZE", "123")

	cfg, err := config.LoadRetention()
	require.NoError(t, err)

	require.Equal(t, 12*time.Hour, cfg.Interval)
	require.Equal(t, 36*time.Hour, cfg.MaxAge)
	require.Equal(t, 123, cfg.BatchSize)
	require.Equal(t, "/var/cache/stages", cfg.CacheDir)
	require.Equal(t, "http://ret-es:9200", cfg.ElasticsearchAddr)
	require.Equal(t, "ret-index", cfg.ElasticsearchIndex)
}
