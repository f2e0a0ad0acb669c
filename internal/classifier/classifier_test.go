package classifier_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/event-dedup/internal/classifier"
	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/models"
)

func TestClientClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req struct {
			Message []string `json:"message"`
			Key     string   `json:"key"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "secret", req.Key)
		require.Equal(t, []string{"Flood in Dhaka", "Stocks rally"}, req.Message)

		_, _ = w.Write([]byte(`{"event type": ["flood", "oos"]}`))
	}))
	defer srv.Close()

	c := classifier.NewClient(srv.URL, "secret", nil, nil)
	require.Equal(t, []string{"flood", "oos"}, c.Classify(context.Background(), []string{"Flood in Dhaka", "Stocks rally"}))
}

func TestClientClassifyDegradesToMissing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "not json", status: http.StatusOK, payload: "<html>gateway timeout</html>"},
		{name: "missing field", status: http.StatusOK, payload: `{"other": 1}`},
		{name: "wrong length", status: http.StatusOK, payload: `{"event type": ["flood"]}`},
		{name: "server error", status: http.StatusInternalServerError, payload: `{"event type": ["a", "b"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			c := classifier.NewClient(srv.URL, "k", nil, nil)
			require.Equal(t, []string{"", ""}, c.Classify(context.Background(), []string{"a", "b"}))
		})
	}
}

func TestClientClassifyNullLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"event type": [null, "wildfire"]}`))
	}))
	defer srv.Close()

	c := classifier.NewClient(srv.URL, "k", nil, nil)
	require.Equal(t, []string{"", "wildfire"}, c.Classify(context.Background(), []string{"a", "b"}))
}

func TestClientClassifyUnreachable(t *testing.T) {
	c := classifier.NewClient("http://127.0.0.1:1", "k", &http.Client{Timeout: time.Second}, nil)
	require.Equal(t, []string{"", "", ""}, c.Classify(context.Background(), []string{"a", "b", "c"}))
}

type recordingClassifier struct {
	batches [][]string
}

func (r *recordingClassifier) Classify(_ context.Context, texts []string) []string {
	r.batches = append(r.batches, append([]string(nil), texts...))
	out := make([]string, len(texts))
	for i, text := range texts {
		out[i] = "label-" + text
	}
	return out
}

func TestAnnotateBatches(t *testing.T) {
	tbl := &dataset.Table{}
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		tbl.Records = append(tbl.Records, &models.NewsRecord{Title: title})
	}
	rc := &recordingClassifier{}

	require.NoError(t, classifier.Annotate(context.Background(), tbl, rc, 2, nil))
	require.True(t, tbl.HasEventType)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, rc.batches)
	require.Equal(t, "label-e", tbl.Records[4].EventType)
}

func TestAnnotateStopsOnCancel(t *testing.T) {
	tbl := &dataset.Table{Records: []*models.NewsRecord{{Title: "a"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classifier.Annotate(ctx, tbl, &recordingClassifier{}, 2, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, tbl.HasEventType)
}
