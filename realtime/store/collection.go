package store

// Collection holds at most one record per id. Insertion order is kept so
// replacing a record does not move it.
//
// A Collection is never modified in place; mutating helpers return a copy.
type Collection struct {
	records []Record
}

// NewCollection builds a collection from records, later duplicates replacing
// earlier ones. Invalid records are skipped.
func NewCollection(records ...Record) Collection {
	var c Collection
	for _, r := range records {
		c, _ = c.upsert(r)
	}
	return c
}

func (c Collection) Len() int { return len(c.records) }

func (c Collection) Get(id int64) (Record, bool) {
	if i := c.index(id); i >= 0 {
		return c.records[i], true
	}
	return Record{}, false
}

// Records returns a copy of the stored records in insertion order.
func (c Collection) Records() []Record {
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// IDs returns the ids in insertion order.
func (c Collection) IDs() []int64 {
	out := make([]int64, len(c.records))
	for i, r := range c.records {
		out[i] = r.ID
	}
	return out
}

func (c Collection) index(id int64) int {
	for i, r := range c.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (c Collection) upsert(r Record) (Collection, bool) {
	if !r.Valid() {
		return c, false
	}
	next := make([]Record, len(c.records), len(c.records)+1)
	copy(next, c.records)
	if i := c.index(r.ID); i >= 0 {
		next[i] = r
	} else {
		next = append(next, r)
	}
	return Collection{records: next}, true
}

func (c Collection) remove(id int64) (Collection, bool) {
	i := c.index(id)
	if i < 0 {
		return c, false
	}
	next := make([]Record, 0, len(c.records)-1)
	next = append(next, c.records[:i]...)
	next = append(next, c.records[i+1:]...)
	return Collection{records: next}, true
}
