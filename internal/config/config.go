package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/event-dedup/internal/merge"
	"github.com/DeafMist/event-dedup/internal/models"
	"github.com/DeafMist/event-dedup/internal/temporal"
)

// Common contains Elasticsearch parameters shared by every service.
type Common struct {
	ElasticsearchAddr  string
	ElasticsearchIndex string
}

// Services points at the model-serving sidecars the pipeline calls.
type Services struct {
	ClassifierURL       string
	ClassifierKey       string
	ClassifierBatchSize int
	LinkerURL           string
	EmbeddingURL        string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingBatchSize  int
	RequestTimeout      time.Duration
}

// Pipeline configures one silver-label run.
type Pipeline struct {
	Common
	Services
	DataDir    string
	InputCSV   string
	CacheDir   string
	OutputCSV  string
	ParamsFile string
	Force      bool
	Publish    bool
	// ClusterColumn is the clustering variant denoised, filtered and merged.
	ClusterColumn string
	Grid          []models.ClusterParams
	Denoise       temporal.Params
	Merge         merge.Params
}

// Worker holds configuration for the Kafka -> CSV ingest worker.
type Worker struct {
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaConsumer  string
	OutputCSV      string
	RedisURL       string
	DedupeCapacity int
	DedupeTTL      time.Duration
	BatchSize      int
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr    string
	DefaultPage int
	MaxPage     int
}

// Retention configures the cleanup loop.
type Retention struct {
	Common
	CacheDir  string
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

func loadCommon() Common {
	return Common{
		ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "event_mentions"),
	}
}

// LoadPipeline builds a Pipeline config from environment variables.
func LoadPipeline() (*Pipeline, error) {
	dataDir := getEnv("PIPELINE_DATA_DIR", "./data/gdelt_crawled")
	c := &Pipeline{
		Common: loadCommon(),
		Services: Services{
			ClassifierURL:       getEnv("CLASSIFIER_URL", "http://classifier:8000/predict"),
			ClassifierKey:       os.Getenv("CLASSIFIER_KEY"),
			ClassifierBatchSize: getInt("CLASSIFIER_BATCH_SIZE", 512),
			LinkerURL:           getEnv("LINKER_URL", "http://linker:8001/link"),
			EmbeddingURL:        getEnv("EMBEDDING_URL", "http://embeddings:8080/v1"),
			EmbeddingModel:      getEnv("EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
			EmbeddingAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
			EmbeddingBatchSize:  getInt("EMBEDDING_BATCH_SIZE", 256),
			RequestTimeout:      getDuration("PIPELINE_REQUEST_TIMEOUT", "2m"),
		},
		DataDir:       dataDir,
		InputCSV:      getEnv("PIPELINE_INPUT_CSV", filepath.Join(dataDir, "aggregated_news.csv")),
		CacheDir:      getEnv("PIPELINE_CACHE_DIR", filepath.Join(dataDir, "stages")),
		OutputCSV:     getEnv("PIPELINE_OUTPUT_CSV", filepath.Join(dataDir, "final_df.csv")),
		ParamsFile:    os.Getenv("PIPELINE_PARAMS_FILE"),
		Force:         getBool("PIPELINE_FORCE", false),
		Publish:       getBool("PIPELINE_PUBLISH", false),
		ClusterColumn: getEnv("PIPELINE_CLUSTER_COLUMN", "cluster_50_70"),
		Denoise: temporal.Params{
			Eps:        getFloat("PIPELINE_DBSCAN_EPS", temporal.DefaultParams.Eps),
			MinSamples: getInt("PIPELINE_DBSCAN_MIN_SAMPLES", temporal.DefaultParams.MinSamples),
		},
		Merge: merge.Params{
			MinEntityCount: getInt("PIPELINE_MERGE_MIN_ENTITY_COUNT", merge.DefaultParams.MinEntityCount),
			MaxGapDays:     getInt("PIPELINE_MERGE_MAX_GAP_DAYS", merge.DefaultParams.MaxGapDays),
			MinSimilarity:  getFloat("PIPELINE_MERGE_MIN_SIMILARITY", merge.DefaultParams.MinSimilarity),
		},
	}

	minSizes, err := getInts("PIPELINE_MIN_SIZES", "5,20,50,100")
	if err != nil {
		return nil, err
	}
	thresholds, err := getInts("PIPELINE_THRESHOLDS", "60,70,80,90")
	if err != nil {
		return nil, err
	}
	c.Grid = models.Grid(minSizes, thresholds)

	if c.ParamsFile != "" {
		if err := c.ApplyParamsFile(c.ParamsFile); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the settings a run cannot start without.
func (c *Pipeline) Validate() error {
	if c.InputCSV == "" {
		return fmt.Errorf("PIPELINE_INPUT_CSV must not be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("PIPELINE_CACHE_DIR must not be empty")
	}
	if c.ClassifierBatchSize <= 0 {
		return fmt.Errorf("CLASSIFIER_BATCH_SIZE must be positive")
	}
	if c.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive")
	}
	if len(c.Grid) == 0 {
		return fmt.Errorf("clustering grid is empty")
	}
	for _, p := range c.Grid {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("clustering grid %s: %w", p.Column(), err)
		}
	}
	if !strings.HasPrefix(c.ClusterColumn, "cluster_") && !strings.HasPrefix(c.ClusterColumn, "temporal_cluster_") {
		return fmt.Errorf("PIPELINE_CLUSTER_COLUMN %q is not a cluster column", c.ClusterColumn)
	}
	found := false
	for _, p := range c.Grid {
		if p.Column() == c.ClusterColumn {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("PIPELINE_CLUSTER_COLUMN %q is not produced by the clustering grid", c.ClusterColumn)
	}
	if err := c.Denoise.Validate(); err != nil {
		return fmt.Errorf("denoise: %w", err)
	}
	if err := c.Merge.Validate(); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	c := &Worker{
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "news_raw"),
		KafkaConsumer:  getEnv("KAFKA_CONSUMER_GROUP", "news-ingest"),
		OutputCSV:      getEnv("WORKER_OUTPUT_CSV", filepath.Join(getEnv("PIPELINE_DATA_DIR", "./data/gdelt_crawled"), "aggregated_news.csv")),
		RedisURL:       os.Getenv("REDIS_URL"),
		DedupeCapacity: getInt("WORKER_DEDUPE_CAPACITY", 20000),
		DedupeTTL:      getDuration("WORKER_DEDUPE_TTL", "24h"),
		BatchSize:      getInt("WORKER_BATCH_SIZE", 10),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.OutputCSV == "" {
		return nil, fmt.Errorf("WORKER_OUTPUT_CSV must not be empty")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_CAPACITY must be positive")
	}
	if c.DedupeTTL <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_TTL must be positive")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	c := &API{
		Common:      loadCommon(),
		BindAddr:    getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		DefaultPage: getInt("API_PAGE_SIZE", 20),
		MaxPage:     getInt("API_MAX_PAGE_SIZE", 100),
	}

	if c.DefaultPage <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxPage <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultPage > c.MaxPage {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}

	return c, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	c := &Retention{
		Common:    loadCommon(),
		CacheDir:  getEnv("PIPELINE_CACHE_DIR", filepath.Join(getEnv("PIPELINE_DATA_DIR", "./data/gdelt_crawled"), "stages")),
		Interval:  getDuration("RETENTION_CRON", "24h"),
		MaxAge:    getDuration("RETENTION_MAX_AGE", "720h"),
		BatchSize: getInt("RETENTION_BATCH_SIZE", 500),
	}

	if c.MaxAge <= 0 {
		return nil, fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_CRON must be positive")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("RETENTION_BATCH_SIZE must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

// getInts parses a comma-separated integer list. Unlike the scalar helpers
// it reports malformed values instead of falling back.
func getInts(key, fallback string) ([]int, error) {
	parts := splitAndTrim(getEnv(key, fallback))
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid integer %q", key, part)
		}
		out = append(out, v)
	}
	return out, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
