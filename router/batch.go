package router

// batch is an append-only run of wire-encoded records of one kind. Batches
// are replaced, never cleared, at flush time.
type batch struct {
	records [][]byte
}

func newBatch() *batch {
	return &batch{}
}

func (b *batch) append(record []byte) {
	b.records = append(b.records, record)
}

// prepend puts records that failed to publish ahead of newer ones.
func (b *batch) prepend(records [][]byte) {
	merged := make([][]byte, 0, len(records)+len(b.records))
	merged = append(merged, records...)
	b.records = append(merged, b.records...)
}

func (b *batch) len() int {
	if b == nil {
		return 0
	}
	return len(b.records)
}
