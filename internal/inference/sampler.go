package inference

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Sampler turns a logit vector into a token id. One Sampler is created per
// session; it owns the RNG, the mirostat state and the token history.
type Sampler struct {
	cfg     SamplingConfig
	rng     *rand.Rand
	history *TokenHistory
	mu      float64 // mirostat target surprise, starts at 2*tau

	work  []float32
	probs []float64
}

type candidate struct {
	id int
	p  float64
}

// NewSampler returns a sampler for cfg. A non-negative seed makes the draw
// sequence reproducible; a negative seed seeds from the clock. history may
// be nil, in which case a default-capacity history is allocated.
func NewSampler(cfg SamplingConfig, history *TokenHistory) *Sampler {
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	if history == nil {
		history = NewTokenHistory(DefaultHistoryCapacity)
	}
	return &Sampler{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		history: history,
		mu:      2 * float64(cfg.MirostatTau),
	}
}

// History returns the sampler's recent-token history.
func (s *Sampler) History() *TokenHistory { return s.history }

// Sample picks the next token. The pipeline order is fixed:
//
//  1. penalties (only when PenaltiesEnabled)
//  2. temperature scaling; temperature 0 returns argmax directly
//  3. top-k, keeping lower indices on equal values
//  4. softmax, then tail-free, typical, top-p, min-p and top-a filters
//     (mirostat replaces top-k and the filters when enabled)
//  5. a uniform draw over the cumulative distribution in index order,
//     falling back to argmax when rounding leaves the draw unresolved
//
// The chosen token is appended to the history.
func (s *Sampler) Sample(logits []float32) (Token, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyDistribution
	}

	if cap(s.work) < len(logits) {
		s.work = make([]float32, len(logits))
	}
	work := s.work[:len(logits)]
	copy(work, logits)

	if s.cfg.PenaltiesEnabled {
		s.applyPenalties(work)
	}

	var id int
	if s.cfg.Temperature <= 0 {
		id = argmax(work)
	} else {
		best := argmax(work)
		for i := range work {
			work[i] /= s.cfg.Temperature
		}

		if math.IsInf(float64(work[best]), 1) {
			// Scaling overflowed: the temperature is effectively zero.
			id = best
		} else if s.cfg.Mirostat != 0 {
			id = s.sampleMirostat(work)
		} else {
			if k := s.cfg.TopK; k > 0 && k < len(work) {
				applyTopK(work, k)
			}
			probs := s.softmax(work)
			if probs == nil {
				id = argmax(work)
			} else {
				s.applyFilters(probs)
				id = s.draw(probs)
			}
		}
	}

	s.history.Push(Token(id))
	return Token(id), nil
}

func (s *Sampler) applyPenalties(logits []float32) {
	window := s.history.Last(s.cfg.RepeatLastN)
	if len(window) == 0 {
		return
	}

	counts := make(map[Token]int, len(window))
	for _, t := range window {
		counts[t]++
	}

	rp := s.cfg.RepeatPenalty
	for t, n := range counts {
		if t < 0 || int(t) >= len(logits) {
			continue
		}
		if rp > 0 && rp != 1 {
			if logits[t] > 0 {
				logits[t] /= rp
			} else {
				logits[t] *= rp
			}
		}
		logits[t] -= float32(n)*s.cfg.FrequencyPenalty + s.cfg.PresencePenalty
	}
}

// softmax converts finite logits into probabilities; masked (-Inf) entries
// get zero. Returns nil when nothing finite survives.
func (s *Sampler) softmax(logits []float32) []float64 {
	maxv := math.Inf(-1)
	for _, l := range logits {
		if v := float64(l); !math.IsInf(v, 0) && !math.IsNaN(v) && v > maxv {
			maxv = v
		}
	}
	if math.IsInf(maxv, -1) {
		return nil
	}

	if cap(s.probs) < len(logits) {
		s.probs = make([]float64, len(logits))
	}
	probs := s.probs[:len(logits)]

	var sum float64
	for i, l := range logits {
		v := float64(l)
		if math.IsInf(v, 0) || math.IsNaN(v) {
			probs[i] = 0
			continue
		}
		probs[i] = math.Exp(v - maxv)
		sum += probs[i]
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}

// applyFilters runs the probability-space filters that are not at their
// neutral value and writes the renormalised survivors back into probs.
func (s *Sampler) applyFilters(probs []float64) {
	c := s.cfg
	active := (c.TFSZ > 0 && c.TFSZ < 1) || (c.TypicalP > 0 && c.TypicalP < 1) ||
		(c.TopP > 0 && c.TopP < 1) || c.MinP > 0 || c.TopA > 0
	if !active {
		return
	}

	cands := sortedCandidates(probs)
	if c.TFSZ > 0 && c.TFSZ < 1 {
		cands = renormalize(tailFree(cands, float64(c.TFSZ)))
	}
	if c.TypicalP > 0 && c.TypicalP < 1 {
		cands = renormalize(typical(cands, float64(c.TypicalP)))
	}
	if c.TopP > 0 && c.TopP < 1 {
		cands = renormalize(topP(cands, float64(c.TopP)))
	}
	if c.MinP > 0 {
		cands = renormalize(minP(cands, float64(c.MinP)))
	}
	if c.TopA > 0 {
		cands = renormalize(topA(cands, float64(c.TopA)))
	}

	for i := range probs {
		probs[i] = 0
	}
	for _, cd := range cands {
		probs[cd.id] = cd.p
	}
}

func (s *Sampler) draw(probs []float64) int {
	r := s.rng.Float64()
	var cum float64
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		cum += p
		if cum >= r {
			return i
		}
	}
	return argmax64(probs)
}

func (s *Sampler) sampleMirostat(logits []float32) int {
	probs := s.softmax(logits)
	if probs == nil {
		return argmax(logits)
	}
	cands := sortedCandidates(probs)
	tau := float64(s.cfg.MirostatTau)
	eta := float64(s.cfg.MirostatEta)

	switch s.cfg.Mirostat {
	case 1:
		k := mirostatV1K(cands, s.cfg.MirostatM, s.mu)
		cands = renormalize(cands[:k])
	default:
		keep := 0
		for _, cd := range cands {
			if -math.Log2(cd.p) > s.mu {
				break
			}
			keep++
		}
		if keep == 0 {
			keep = 1
		}
		cands = renormalize(cands[:keep])
	}

	r := s.rng.Float64()
	idx := len(cands) - 1
	var cum float64
	for i, cd := range cands {
		cum += cd.p
		if cum >= r {
			idx = i
			break
		}
	}

	observed := -math.Log2(cands[idx].p)
	s.mu -= eta * (observed - tau)
	return cands[idx].id
}

// mirostatV1K estimates the Zipf exponent from the top m candidates and
// derives how many candidates to keep for target surprise mu.
func mirostatV1K(cands []candidate, m int, mu float64) int {
	n := len(cands)
	if m > n {
		m = n
	}
	var sumTB, sumT2 float64
	for i := 0; i < m-1; i++ {
		if cands[i+1].p <= 0 {
			break
		}
		t := math.Log(float64(i+2) / float64(i+1))
		b := math.Log(cands[i].p / cands[i+1].p)
		sumTB += t * b
		sumT2 += t * t
	}
	if sumT2 == 0 {
		return 1
	}
	sHat := sumTB / sumT2
	eps := sHat - 1
	if eps == 0 {
		return n
	}
	k := math.Pow((eps*math.Pow(2, mu))/(1-math.Pow(float64(n), -eps)), 1/sHat)
	if math.IsNaN(k) || k < 1 {
		return 1
	}
	if k > float64(n) {
		return n
	}
	return int(k)
}

func sortedCandidates(probs []float64) []candidate {
	cands := make([]candidate, 0, len(probs))
	for i, p := range probs {
		if p > 0 {
			cands = append(cands, candidate{id: i, p: p})
		}
	}
	sortCandidates(cands)
	return cands
}

func sortCandidates(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].p != cands[j].p {
			return cands[i].p > cands[j].p
		}
		return cands[i].id < cands[j].id
	})
}

func renormalize(cands []candidate) []candidate {
	var sum float64
	for _, cd := range cands {
		sum += cd.p
	}
	if sum > 0 {
		for i := range cands {
			cands[i].p /= sum
		}
	}
	return cands
}

func tailFree(cands []candidate, z float64) []candidate {
	if len(cands) <= 2 {
		return cands
	}
	first := make([]float64, len(cands)-1)
	for i := range first {
		first[i] = cands[i].p - cands[i+1].p
	}
	second := make([]float64, len(first)-1)
	var sum float64
	for i := range second {
		second[i] = math.Abs(first[i] - first[i+1])
		sum += second[i]
	}
	if sum > 0 {
		for i := range second {
			second[i] /= sum
		}
	}
	last := len(cands)
	var cum float64
	for i, d := range second {
		cum += d
		if cum > z && i >= 1 {
			last = i
			break
		}
	}
	return cands[:last]
}

func typical(cands []candidate, p float64) []candidate {
	var entropy float64
	for _, cd := range cands {
		entropy -= cd.p * math.Log(cd.p)
	}
	type scored struct {
		candidate
		shift float64
	}
	ranked := make([]scored, len(cands))
	for i, cd := range cands {
		ranked[i] = scored{cd, math.Abs(-math.Log(cd.p) - entropy)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].shift < ranked[j].shift })

	out := make([]candidate, 0, len(ranked))
	var cum float64
	for _, r := range ranked {
		out = append(out, r.candidate)
		cum += r.p
		if cum >= p {
			break
		}
	}
	sortCandidates(out)
	return out
}

func topP(cands []candidate, p float64) []candidate {
	var cum float64
	for i, cd := range cands {
		cum += cd.p
		if cum >= p {
			return cands[:i+1]
		}
	}
	return cands
}

func minP(cands []candidate, p float64) []candidate {
	if len(cands) == 0 {
		return cands
	}
	threshold := cands[0].p * p
	keep := 1
	for keep < len(cands) && cands[keep].p >= threshold {
		keep++
	}
	return cands[:keep]
}

func topA(cands []candidate, a float64) []candidate {
	if len(cands) == 0 {
		return cands
	}
	threshold := a * cands[0].p * cands[0].p
	keep := 1
	for keep < len(cands) && cands[keep].p >= threshold {
		keep++
	}
	return cands[:keep]
}

// applyTopK masks every logit outside the k largest with -Inf. Equal values
// keep the lower index, so the result does not depend on heap order.
func applyTopK(logits []float32, k int) {
	h := make(topKHeap, 0, k)
	for i, v := range logits {
		e := topKEntry{id: i, v: v}
		if len(h) < k {
			heap.Push(&h, e)
			continue
		}
		if e.beats(h[0]) {
			h[0] = e
			heap.Fix(&h, 0)
		}
	}

	keep := make([]bool, len(logits))
	for _, e := range h {
		keep[e.id] = true
	}
	negInf := float32(math.Inf(-1))
	for i := range logits {
		if !keep[i] {
			logits[i] = negInf
		}
	}
}

type topKEntry struct {
	id int
	v  float32
}

func (e topKEntry) beats(o topKEntry) bool {
	return e.v > o.v || (e.v == o.v && e.id < o.id)
}

// topKHeap is a min-heap whose root is the weakest kept entry.
type topKHeap []topKEntry

func (h topKHeap) Len() int            { return len(h) }
func (h topKHeap) Less(i, j int) bool  { return h[j].beats(h[i]) }
func (h topKHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *topKHeap) Push(x interface{}) { *h = append(*h, x.(topKEntry)) }
func (h *topKHeap) Pop() interface{} {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// argmax returns the index of the first maximum. NaNs never win.
func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] || (x[best] != x[best] && x[i] == x[i]) {
			best = i
		}
	}
	return best
}

func argmax64(x []float64) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
