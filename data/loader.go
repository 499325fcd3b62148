package data

import (
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// Batch is one mini-batch of stacked patches plus the samples they came
// from. The final batch of an epoch may be smaller than the configured
// batch size; it is delivered as-is, never padded or dropped.
type Batch struct {
	// Index is the batch's position within the epoch.
	Index int
	// Patches is the (n, 3, H, W) stacked input tensor.
	Patches *tensor.Dense
	// Samples are the batch members in delivery order.
	Samples []*Sample
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Samples) }

// Loader iterates a dataset in mini-batches. Workers prefetch batches
// concurrently with the consumer, but delivery order is always the epoch
// order: shuffled once per epoch from the seeded source, or sequential
// when shuffling is off.
type Loader struct {
	ds      Dataset
	batch   int
	workers int
	shuffle bool
	rng     *rand.Rand
}

// NewLoader creates a loader. seed fixes the shuffle order for the whole
// run; workers <= 1 prefetches on a single goroutine.
func NewLoader(ds Dataset, batchSize, workers int, shuffle bool, seed int64) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		ds:      ds,
		batch:   batchSize,
		workers: workers,
		shuffle: shuffle,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset { return l.ds }

// NumBatches is the batch count per epoch, including the ragged tail.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.batch - 1) / l.batch
}

// Epoch starts one pass over the dataset and returns its iterator. The
// shuffle permutation is drawn from the loader's seeded source, so epoch
// order is reproducible run to run.
func (l *Loader) Epoch() *Epoch {
	n := l.ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	nb := l.NumBatches()
	e := &Epoch{slots: make([]chan slot, nb)}
	for i := range e.slots {
		e.slots[i] = make(chan slot, 1)
	}

	var eg errgroup.Group
	eg.SetLimit(l.workers)
	go func() {
		for b := 0; b < nb; b++ {
			lo := b * l.batch
			hi := lo + l.batch
			if hi > n {
				hi = n
			}
			b := b
			eg.Go(func() error {
				batch, err := l.assemble(b, order[lo:hi])
				e.slots[b] <- slot{batch: batch, err: err}
				return err
			})
		}
		eg.Wait()
	}()
	return e
}

// assemble loads the samples of one batch and stacks their patches.
func (l *Loader) assemble(index int, indices []int) (*Batch, error) {
	samples := make([]*Sample, len(indices))
	var stride int
	var backing []float32
	var patchShape tensor.Shape

	for i, idx := range indices {
		s, err := l.ds.At(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "data: loading sample %d", idx)
		}
		ps := s.Patch.Shape()
		if i == 0 {
			patchShape = ps
			stride = ps.TotalSize()
			backing = make([]float32, len(indices)*stride)
		} else if !ps.Eq(patchShape) {
			return nil, errors.Errorf("data: sample %d patch shape %v differs from %v", idx, ps, patchShape)
		}
		copy(backing[i*stride:], s.Patch.Data().([]float32))
		samples[i] = s
	}

	patches := tensor.New(
		tensor.WithShape(append([]int{len(indices)}, patchShape...)...),
		tensor.WithBacking(backing))
	return &Batch{Index: index, Patches: patches, Samples: samples}, nil
}

type slot struct {
	batch *Batch
	err   error
}

// Epoch delivers the batches of one pass in order.
type Epoch struct {
	slots []chan slot
	next  int
}

// Next returns the next batch, or (nil, nil) when the epoch is exhausted.
// A sample-loading failure surfaces on the batch where it occurred.
func (e *Epoch) Next() (*Batch, error) {
	if e.next >= len(e.slots) {
		return nil, nil
	}
	s := <-e.slots[e.next]
	e.next++
	if s.err != nil {
		return nil, s.err
	}
	return s.batch, nil
}
