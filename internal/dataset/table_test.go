package dataset_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/models"
)

func TestReadParsesColumns(t *testing.T) {
	in := strings.Join([]string{
		"title,start_date,url,pred_event_type,entities,cluster_50_70,temporal_cluster_5_90",
		`Flood in Dhaka,2023-07-04,http://a,flood,"{""entity_type"":{""Dhaka"":""GPE""},""linked_entity"":{""Dhaka"":""https://www.wikidata.org/wiki/Q1354""}}",3.0,`,
		`Quake in Chile,2023-07-05 10:00:00,http://b,nan,,,1`,
	}, "\n")

	tbl, err := dataset.Read(strings.NewReader(in))
	require.NoError(t, err)
	require.True(t, tbl.HasEventType)
	require.True(t, tbl.HasEntities)
	require.Equal(t, []string{"url"}, tbl.Extra)
	require.Equal(t, []string{"cluster_50_70", "temporal_cluster_5_90"}, tbl.ClusterColumns)
	require.Len(t, tbl.Records, 2)

	first := tbl.Records[0]
	require.Equal(t, "flood", first.EventType)
	require.Equal(t, "GPE", first.Entities.Types["Dhaka"])
	require.Equal(t, "https://www.wikidata.org/wiki/Q1354", first.Entities.Links["Dhaka"])
	id, ok := first.ClusterID("cluster_50_70")
	require.True(t, ok)
	require.Equal(t, 3, id)
	_, ok = first.ClusterID("temporal_cluster_5_90")
	require.False(t, ok)

	second := tbl.Records[1]
	require.Empty(t, second.EventType)
	require.Nil(t, second.Entities)
	require.Equal(t, time.Date(2023, 7, 5, 0, 0, 0, 0, time.UTC), second.StartDate)
	require.Equal(t, "http://b", second.Extra["url"])
}

func TestReadMissingColumn(t *testing.T) {
	_, err := dataset.Read(strings.NewReader("title,url\nx,y\n"))
	require.ErrorIs(t, err, dataset.ErrMissingColumn)

	_, err = dataset.Read(strings.NewReader(""))
	require.ErrorIs(t, err, dataset.ErrMissingColumn)
}

func TestReadRejectsBadRows(t *testing.T) {
	_, err := dataset.Read(strings.NewReader("title,start_date\nx,yesterday\n"))
	require.Error(t, err)

	_, err = dataset.Read(strings.NewReader("title,start_date,cluster_5_60\nx,2023-01-01,1.5\n"))
	require.Error(t, err)

	_, err = dataset.Read(strings.NewReader("title,start_date\nx,2023-01-01,extra\n"))
	require.Error(t, err)
}

func TestWriteReadRoundTripKeepsNulls(t *testing.T) {
	rec := &models.NewsRecord{
		Title:     `Storm "Ida" hits, Louisiana`,
		StartDate: time.Date(2021, 8, 29, 0, 0, 0, 0, time.UTC),
		EventType: "tropical_storm",
		Entities:  &models.Entities{Types: map[string]string{"Louisiana": "GPE"}, Links: map[string]string{}},
		Extra:     map[string]string{"url": "http://x"},
	}
	rec.SetCluster("cluster_5_60", 0)
	other := &models.NewsRecord{Title: "other", StartDate: rec.StartDate}

	tbl := &dataset.Table{
		Extra:          []string{"url"},
		ClusterColumns: []string{"cluster_5_60"},
		HasEventType:   true,
		HasEntities:    true,
		Records:        []*models.NewsRecord{rec, other},
	}

	var buf bytes.Buffer
	require.NoError(t, dataset.Write(&buf, tbl))

	back, err := dataset.Read(&buf)
	require.NoError(t, err)
	require.Equal(t, tbl.Header(), back.Header())
	require.Equal(t, rec.Title, back.Records[0].Title)
	require.Equal(t, "Louisiana", back.Records[0].Entities.GPEs()[0])
	id, ok := back.Records[0].ClusterID("cluster_5_60")
	require.True(t, ok)
	require.Zero(t, id)
	_, ok = back.Records[1].ClusterID("cluster_5_60")
	require.False(t, ok)
	require.Nil(t, back.Records[1].Entities)
}

func TestDecodeEntitiesLegacyRepr(t *testing.T) {
	raw := `{'entity_type': {'New\xa0York': 'GPE'}, 'linked_entitiy': {'New\xa0York': 'https://www.wikidata.org/wiki/Q60'}}`

	ents, err := dataset.DecodeEntities(raw)
	require.NoError(t, err)
	require.Equal(t, "GPE", ents.Types["New York"])
	require.Equal(t, "https://www.wikidata.org/wiki/Q60", ents.Links["New York"])

	_, err = dataset.DecodeEntities("{broken")
	require.Error(t, err)
}

func TestAppenderCreatesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregated.csv")
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	app, err := dataset.NewAppender(path, []string{"url", "source"})
	require.NoError(t, err)
	require.NoError(t, app.Append(&models.NewsRecord{Title: "a", StartDate: date, Extra: map[string]string{"url": "u1"}}))

	app, err = dataset.NewAppender(path, nil)
	require.NoError(t, err)
	require.NoError(t, app.Append(&models.NewsRecord{Title: "b", StartDate: date, Extra: map[string]string{"source": "gdelt"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "title,start_date,url,source\na,2024-01-02,u1,\nb,2024-01-02,,gdelt\n", string(data))

	tbl, err := dataset.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, tbl.Records, 2)
}
