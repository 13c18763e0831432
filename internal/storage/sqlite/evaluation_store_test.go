package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationStoreInsertAndList(t *testing.T) {
	database := newTestDB(t)
	store := NewEvaluationStore(database.DB)

	eval := &Evaluation{
		TileID:          "T29TME",
		TruePositive:    42,
		FalsePositive:   7,
		FalseNegative:   11,
		Precision:       42.0 / 49.0,
		Recall:          42.0 / 53.0,
		F1:              2 * (42.0 / 49.0) * (42.0 / 53.0) / (42.0/49.0 + 42.0/53.0),
		OmissionError:   11.0 / 53.0,
		CommissionError: 7.0 / 49.0,
		ReferenceCount:  53,
		BreakCount:      49,
		SkippedRecords:  2,
		ParamsJSON:      `{"temporal_tolerance_days":60}`,
	}
	require.NoError(t, store.Insert(eval))
	assert.NotEmpty(t, eval.EvaluationID)
	assert.NotZero(t, eval.CreatedAt)

	got, err := store.ListByTile("T29TME")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eval, got[0])
}

func TestEvaluationStoreKeepsProvidedID(t *testing.T) {
	database := newTestDB(t)
	store := NewEvaluationStore(database.DB)

	eval := &Evaluation{
		EvaluationID: "fixed-id",
		TileID:       "T29TME",
		CreatedAt:    1700000000000,
	}
	require.NoError(t, store.Insert(eval))

	got, err := store.ListByTile("T29TME")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fixed-id", got[0].EvaluationID)
	assert.Equal(t, int64(1700000000000), got[0].CreatedAt)
}

func TestEvaluationStoreListOrder(t *testing.T) {
	database := newTestDB(t)
	store := NewEvaluationStore(database.DB)

	require.NoError(t, store.Insert(&Evaluation{TileID: "T29TME", CreatedAt: 1000}))
	require.NoError(t, store.Insert(&Evaluation{TileID: "T29TME", CreatedAt: 3000}))
	require.NoError(t, store.Insert(&Evaluation{TileID: "T29TME", CreatedAt: 2000}))

	got, err := store.ListByTile("T29TME")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3000), got[0].CreatedAt)
	assert.Equal(t, int64(2000), got[1].CreatedAt)
	assert.Equal(t, int64(1000), got[2].CreatedAt)
}

func TestEvaluationStoreListEmpty(t *testing.T) {
	database := newTestDB(t)
	store := NewEvaluationStore(database.DB)

	got, err := store.ListByTile("T00AAA")
	require.NoError(t, err)
	assert.Empty(t, got)
}
