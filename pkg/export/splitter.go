package export

import "github.com/ssargent/featurestream/pkg/model"

// Splitter routes units between the training and validation shards. It
// keeps the running training share as close to ratio percent as possible,
// so after n units training holds ceil(n*ratio/100) of them.
type Splitter struct {
	ratio    int64
	seen     int64
	training int64
}

// NewSplitter creates a splitter for a training percentage in (0, 100)
func NewSplitter(ratio int) *Splitter {
	return &Splitter{ratio: int64(ratio)}
}

// Next returns the shard for the next qualifying unit
func (s *Splitter) Next() model.Shard {
	s.seen++
	if s.training*100 < s.seen*s.ratio {
		s.training++
		return model.ShardTraining
	}
	return model.ShardValidation
}

// Counts returns how many units went to each shard
func (s *Splitter) Counts() (training, validation int64) {
	return s.training, s.seen - s.training
}
