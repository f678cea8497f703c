package index

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
)

// Embeddings are stored as little-endian float32 blobs.

func packVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 0, 4*len(v))
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

// unpackVector decodes b into dst, growing it when needed. A nil dst
// allocates a fresh slice; an empty blob yields nil.
func unpackVector(dst []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is truncated", len(b))
	}
	if len(b) == 0 {
		return nil, nil
	}
	if n := len(b) / 4; cap(dst) >= n {
		dst = dst[:n]
	} else {
		dst = make([]float32, n)
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return dst, nil
}

func magnitude(v []float32) float64 {
	var sq float64
	for _, f := range v {
		sq += float64(f) * float64(f)
	}
	return math.Sqrt(sq)
}

// cosine scores b against a query q whose magnitude qm is known. Vectors of
// different dimension and zero vectors score 0.
func cosine(q, b []float32, qm float64) float64 {
	if qm == 0 || len(q) != len(b) {
		return 0
	}
	var dot, bm float64
	for i, x := range q {
		y := float64(b[i])
		dot += float64(x) * y
		bm += y * y
	}
	if bm == 0 {
		return 0
	}
	return dot / (qm * math.Sqrt(bm))
}

// idScore is a k-NN candidate.
type idScore struct {
	ID    string
	Score float64
}

// worse orders candidates by score, breaking ties toward the smaller ID.
func worse(a, b idScore) bool {
	if a.Score == b.Score {
		return a.ID > b.ID
	}
	return a.Score < b.Score
}

// candidates is a heap with the worst kept candidate at the root.
type candidates []idScore

func (c candidates) Len() int           { return len(c) }
func (c candidates) Less(i, j int) bool { return worse(c[i], c[j]) }
func (c candidates) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }
func (c *candidates) Push(x any)        { *c = append(*c, x.(idScore)) }
func (c *candidates) Pop() any {
	last := (*c)[len(*c)-1]
	*c = (*c)[:len(*c)-1]
	return last
}

// topK retains the k best candidates offered during a scan.
type topK struct {
	k    int
	kept candidates
}

func newTopK(k int) *topK {
	return &topK{k: k, kept: make(candidates, 0, max(k, 0))}
}

func (t *topK) offer(id string, score float64) {
	c := idScore{ID: id, Score: score}
	switch {
	case t.k <= 0:
	case len(t.kept) < t.k:
		heap.Push(&t.kept, c)
	case worse(t.kept[0], c):
		t.kept[0] = c
		heap.Fix(&t.kept, 0)
	}
}

// sorted empties t and returns the candidates best first.
func (t *topK) sorted() []idScore {
	out := make([]idScore, len(t.kept))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.kept).(idScore)
	}
	return out
}
