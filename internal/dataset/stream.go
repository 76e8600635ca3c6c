package dataset

import "math/rand"

// Batch is a group of samples ready for the model: HWC images scaled to [0,1]
// and one-hot labels.
type Batch struct {
	Images  [][]float32
	Labels  [][]float32
	Indices []int // sample indices into Dataset.Samples
}

func (b *Batch) Size() int {
	return len(b.Images)
}

// Stream walks one subset of a Dataset in batches. A pass ends when Next
// returns false; Reset starts the next epoch, reshuffling if the stream
// shuffles. Every batch but the last of a pass has exactly BatchSize samples.
type Stream struct {
	ds      *Dataset
	split   string
	indices []int
	order   []int
	pos     int
	shuffle bool
	rng     *rand.Rand
	epoch   int
}

func newStream(ds *Dataset, split string, indices []int, shuffle bool) *Stream {
	s := &Stream{
		ds:      ds,
		split:   split,
		indices: indices,
		order:   append([]int(nil), indices...),
		shuffle: shuffle,
	}
	if shuffle {
		s.rng = rand.New(rand.NewSource(ds.Opts.Seed))
		s.reshuffle()
	}
	return s
}

func (s *Stream) reshuffle() {
	s.rng.Shuffle(len(s.order), func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})
}

// Reset rewinds the stream for the next epoch.
func (s *Stream) Reset() {
	s.pos = 0
	s.epoch++
	if s.shuffle {
		s.reshuffle()
	}
}

// Next returns the next batch of the current pass, or false when the pass is done.
func (s *Stream) Next() (*Batch, bool) {
	if s.pos >= len(s.order) {
		return nil, false
	}
	end := s.pos + s.ds.Opts.BatchSize
	if end > len(s.order) {
		end = len(s.order)
	}
	b := &Batch{}
	n := len(s.ds.Classes)
	for _, idx := range s.order[s.pos:end] {
		sample := &s.ds.Samples[idx]
		img := make([]float32, len(sample.Pixels))
		for i, p := range sample.Pixels {
			img[i] = float32(p) / 255
		}
		b.Images = append(b.Images, img)
		b.Labels = append(b.Labels, OneHot(sample.Class, n))
		b.Indices = append(b.Indices, idx)
	}
	s.pos = end
	return b, true
}

func (s *Stream) Split() string { return s.split }

func (s *Stream) Epoch() int { return s.epoch }

// Len is the number of samples in one pass.
func (s *Stream) Len() int { return len(s.indices) }

func (s *Stream) BatchSize() int { return s.ds.Opts.BatchSize }

// Batches is the number of batches in one pass.
func (s *Stream) Batches() int {
	bs := s.ds.Opts.BatchSize
	return (len(s.indices) + bs - 1) / bs
}

func (s *Stream) Classes() []string { return s.ds.Classes }

func (s *Stream) ImageSize() int { return s.ds.Opts.ImageSize }

// CountByClass returns the number of samples of each class in the stream.
func (s *Stream) CountByClass() []int {
	counts := make([]int, len(s.ds.Classes))
	for _, idx := range s.indices {
		counts[s.ds.Samples[idx].Class]++
	}
	return counts
}

// CheckClasses returns a DegenerateSplitError for the first of classes with no
// sample in the stream. classes is indexed like Classes().
func (s *Stream) CheckClasses(classes []string) error {
	counts := s.CountByClass()
	for i, class := range classes {
		if i >= len(counts) || counts[i] == 0 {
			return errDegenerate(class, s.split)
		}
	}
	return nil
}
