package monitorqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackItem(t *testing.T) {
	tests := []struct {
		name string
		it   item
	}{
		{
			name: "simple",
			it:   item{transactionID: "tx-1", dueAt: time.Unix(0, 1_700_000_000_000), iteration: 3},
		},
		{
			name: "zero iteration",
			it:   item{transactionID: "tx-zero", dueAt: time.Unix(0, 42), iteration: 0},
		},
		{
			name: "maxed iteration",
			it:   item{transactionID: "tx-max", dueAt: time.Unix(0, 999), iteration: 0xffff},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, data := packItem(tt.it)
			require.Equal(t, float64(tt.it.dueAt.UnixNano()), score)

			got, err := unpackItem(score, data)
			require.NoError(t, err)
			require.Equal(t, tt.it.transactionID, got.transactionID)
			require.Equal(t, tt.it.iteration, got.iteration)
			require.Equal(t, tt.it.dueAt.UnixNano(), got.dueAt.UnixNano())
		})
	}
}

func TestUnpackItemRejectsTooShort(t *testing.T) {
	_, err := unpackItem(0, []byte{0x1})
	require.ErrorIs(t, err, errInvalidPackedItem)
}
