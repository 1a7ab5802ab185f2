package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
)

// BatchIterator walks segment indices in mini-batches over a fixed number of epochs.
// Indices are reshuffled at the start of every epoch when shuffling is enabled.
// The last batch of an epoch may be shorter than the batch size.
type BatchIterator struct {
	size      int
	batchSize int
	epochs    int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	epoch     int
}

// NewBatchIterator creates an iterator over size segments
func NewBatchIterator(size, batchSize, epochs int, shuffle bool, rng *rand.Rand) (*BatchIterator, error) {
	if size <= 0 {
		return nil, errors.Errorf("batch iterator needs at least one segment, got %d", size)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if epochs <= 0 {
		return nil, errors.Errorf("epoch count must be positive, got %d", epochs)
	}
	if shuffle && rng == nil {
		return nil, errors.New("shuffling batch iterator needs a random source")
	}

	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}

	it := &BatchIterator{
		size:      size,
		batchSize: batchSize,
		epochs:    epochs,
		shuffle:   shuffle,
		rng:       rng,
		indices:   indices,
	}
	it.Reset()
	return it, nil
}

// BatchesPerEpoch returns the number of batches in one pass over the data
func (it *BatchIterator) BatchesPerEpoch() int {
	return (it.size-1)/it.batchSize + 1
}

// TotalBatches returns the number of batches over all epochs
func (it *BatchIterator) TotalBatches() int {
	return it.BatchesPerEpoch() * it.epochs
}

// Reset rewinds the iterator to the first batch of the first epoch
func (it *BatchIterator) Reset() {
	it.epoch = 0
	it.startEpoch()
}

func (it *BatchIterator) startEpoch() {
	it.position = 0
	if it.shuffle {
		it.rng.Shuffle(len(it.indices), func(i, j int) {
			it.indices[i], it.indices[j] = it.indices[j], it.indices[i]
		})
	}
}

// Next returns the indices of the next batch and the epoch it belongs to, or false
// once every epoch is done. The returned slice is owned by the caller.
func (it *BatchIterator) Next() ([]int, int, bool) {
	if it.epoch >= it.epochs {
		return nil, it.epoch, false
	}
	epoch := it.epoch

	end := it.position + it.batchSize
	if end > it.size {
		end = it.size
	}
	batch := append([]int(nil), it.indices[it.position:end]...)
	it.position = end

	if it.position >= it.size {
		it.epoch++
		if it.epoch < it.epochs {
			it.startEpoch()
		}
	}
	return batch, epoch, true
}
