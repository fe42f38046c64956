package monitorqueue

import (
	"encoding/binary"
	"errors"
	"time"
)

var errInvalidPackedItem = errors.New("monitorqueue: invalid packed item")

type item struct {
	transactionID string
	dueAt         time.Time
	iteration     uint16
}

// packItem mirrors simqueue's packData: the score sorts by due time, and
// the packed value carries the iteration count ahead of the payload so
// items with the same due time break ties by retry count, oldest first.
// Format: iteration(2 bytes):transactionID.
func packItem(it item) (float64, []byte) {
	score := float64(it.dueAt.UnixNano())
	value := make([]byte, 2+len(it.transactionID))
	binary.BigEndian.PutUint16(value[0:2], it.iteration)
	copy(value[2:], it.transactionID)
	return score, value
}

func unpackItem(score float64, packed []byte) (item, error) {
	if len(packed) < 2 {
		return item{}, errInvalidPackedItem
	}
	return item{
		transactionID: string(packed[2:]),
		dueAt:         time.Unix(0, int64(score)),
		iteration:     binary.BigEndian.Uint16(packed[0:2]),
	}, nil
}
