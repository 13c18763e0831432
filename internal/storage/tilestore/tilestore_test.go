package tilestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/landcover.report/internal/ccd"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

func ms(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func sampleRows() []SegmentRow {
	return []SegmentRow{
		{
			TileID: "T29TME", PixelID: "p1", XCoord: 500000, YCoord: 4400000,
			SegmentIndex: 0, TStart: ms(2020, 1, 1), TEnd: ms(2021, 6, 1),
			TBreak: ms(2021, 6, 15), CoefJSON: "[[0.3,0,0,0,0,0]]", RMSEJSON: "[0.01]",
			ChangeProb: 1, Magnitude: 4.2, Status: "broken", NumObs: 38,
		},
		{
			TileID: "T29TME", PixelID: "p1", XCoord: 500000, YCoord: 4400000,
			SegmentIndex: 1, TStart: ms(2021, 6, 15), TEnd: ms(2022, 12, 1),
			CoefJSON: "[[0.1,0,0,0,0,0]]", RMSEJSON: "[0.01]",
			Status: "stable", NumObs: 40,
		},
		{
			TileID: "T29TME", PixelID: "p2", XCoord: 500010, YCoord: 4400000,
			SegmentIndex: 0, TStart: ms(2020, 1, 1), TEnd: ms(2022, 12, 1),
			CoefJSON: "[[0.2,0,0,0,0,0]]", RMSEJSON: "[0.02]",
			Status: "stable", LowConfidence: true, NumObs: 15,
		},
	}
}

func TestWriteReadTileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rows := sampleRows()
	require.NoError(t, s.WriteTile("T29TME", rows))

	got, err := s.ReadTile("T29TME")
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(s.TilePath("T29TME")))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T29TME.parquet", entries[0].Name())
}

func TestWriteTileReplacesPrevious(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteTile("T29TME", sampleRows()))
	require.NoError(t, s.WriteTile("T29TME", sampleRows()[:1]))

	got, err := s.ReadTile("T29TME")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReadTileMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadTile("nowhere")
	assert.Error(t, err)
}

func TestPixelSegmentsOrdered(t *testing.T) {
	s := newTestStore(t)
	rows := sampleRows()
	// Shuffle segment order on disk.
	rows[0], rows[1] = rows[1], rows[0]
	require.NoError(t, s.WriteTile("T29TME", rows))

	segs, err := s.PixelSegments("T29TME", "p1")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, int32(0), segs[0].SegmentIndex)
	assert.Equal(t, int32(1), segs[1].SegmentIndex)

	none, err := s.PixelSegments("T29TME", "absent")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBreaks(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteTile("T29TME", sampleRows()))

	breaks, err := s.Breaks("T29TME")
	require.NoError(t, err)
	require.Len(t, breaks, 1)
	assert.Equal(t, "p1", breaks[0].PixelID)
	assert.Equal(t, time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC), breaks[0].Date)
	assert.Equal(t, 4.2, breaks[0].Magnitude)
}

func TestRowsFromResult(t *testing.T) {
	raw := make([]ccd.Observation, 0, 30)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		raw = append(raw, ccd.Observation{
			Date:  start.AddDate(0, 0, i*14),
			Bands: []float64{0.3, 0.2},
			QA:    ccd.QAClear,
		})
	}
	series, err := ccd.NewPixelSeries("T29TME", "p1", 500000, 4400000, raw, 1)
	require.NoError(t, err)

	breakDate := start.AddDate(0, 0, 20*14)
	res := &ccd.Result{
		Segments: []ccd.Segment{
			{
				StartDate: raw[0].Date, EndDate: raw[19].Date,
				Models: []ccd.Model{
					{Coef: []float64{0.3, 0, 0, 0, 0, 0}, RMSE: 0.01},
					{Coef: []float64{0.2, 0, 0, 0, 0, 0}, RMSE: 0.02},
				},
				Status: ccd.SegmentBroken, NumObs: 20,
			},
			{
				StartDate: breakDate, EndDate: raw[29].Date,
				Models: []ccd.Model{
					{Coef: []float64{0.1, 0, 0, 0, 0, 0}, RMSE: 0.01},
					{Coef: []float64{0.1, 0, 0, 0, 0, 0}, RMSE: 0.01},
				},
				Status: ccd.SegmentStable, NumObs: 10,
			},
		},
		Breaks: []ccd.Break{{Date: breakDate, Magnitude: 3.5, ChangeProb: 1}},
	}

	rows, err := RowsFromResult(series, res)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "T29TME", rows[0].TileID)
	assert.Equal(t, "p1", rows[0].PixelID)
	assert.Equal(t, breakDate.UnixMilli(), rows[0].TBreak)
	assert.Equal(t, 3.5, rows[0].Magnitude)
	assert.Equal(t, "broken", rows[0].Status)

	// The following stable segment carries no break fields.
	assert.Zero(t, rows[1].TBreak)
	assert.Zero(t, rows[1].Magnitude)
	assert.Equal(t, "stable", rows[1].Status)

	var coef [][]float64
	require.NoError(t, json.Unmarshal([]byte(rows[0].CoefJSON), &coef))
	require.Len(t, coef, 2)
	assert.Equal(t, 0.3, coef[0][0])
	var rmse []float64
	require.NoError(t, json.Unmarshal([]byte(rows[0].RMSEJSON), &rmse))
	assert.Equal(t, []float64{0.01, 0.02}, rmse)
}
