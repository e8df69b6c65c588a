package vector

import (
	"container/heap"
	"math/rand"

	"github.com/rushteam/rslash/core"
)

const kmeansIterations = 12

// trainCentroids 在给定向量上做 k-means，结果只依赖输入顺序与 seed。
// normalize 为 true 时做球面 k-means（质心归一化），与 cosine 度量配套。
func trainCentroids(vecs [][]float64, k int, seed int64, normalize bool) [][]float64 {
	if k <= 0 || len(vecs) == 0 {
		return nil
	}
	if k > len(vecs) {
		k = len(vecs)
	}
	dim := len(vecs[0])
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(vecs))

	centroids := make([][]float64, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float64(nil), vecs[perm[i]]...)
	}

	assign := make([]int, len(vecs))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, v := range vecs {
			c := nearestCentroid(centroids, v)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, v := range vecs {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += x
			}
		}
		for c := range centroids {
			// 空簇保留旧质心
			if counts[c] == 0 {
				continue
			}
			for d := range sums[c] {
				sums[c][d] /= float64(counts[c])
			}
			if normalize {
				if n := core.Normalize(sums[c]); n != nil {
					sums[c] = n
				}
			}
			centroids[c] = sums[c]
		}
	}
	return centroids
}

// nearestCentroid 返回内积最大的质心下标，平局取下标小者。
func nearestCentroid(centroids [][]float64, v []float64) int {
	best, bestSim := 0, dot(centroids[0], v)
	for i := 1; i < len(centroids); i++ {
		if s := dot(centroids[i], v); s > bestSim {
			best, bestSim = i, s
		}
	}
	return best
}

// topProbes 返回与 q 最接近的 n 个质心下标。
func topProbes(centroids [][]float64, q []float64, n int) []int {
	if n >= len(centroids) {
		out := make([]int, len(centroids))
		for i := range out {
			out[i] = i
		}
		return out
	}
	h := &hitHeap{}
	for i, c := range centroids {
		h.offer(scored{id: "", ord: i, sim: dot(c, q)}, n)
	}
	out := make([]int, 0, h.Len())
	for _, s := range *h {
		out = append(out, s.ord)
	}
	return out
}

// scored 是 top-k 收集时的中间结果。ord 用于质心排序时的平局。
type scored struct {
	id  string
	ord int
	sim float64
	e   *entry
}

// worse 定义全序：相似度低者更差，相似度相同则 ID（或序号）大者更差。
func worse(a, b scored) bool {
	if a.sim != b.sim {
		return a.sim < b.sim
	}
	if a.id != b.id {
		return a.id > b.id
	}
	return a.ord > b.ord
}

// hitHeap 是以“最差者”为堆顶的小顶堆，用于有界 top-k。
type hitHeap []scored

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *hitHeap) offer(s scored, k int) {
	if h.Len() < k {
		heap.Push(h, s)
		return
	}
	if worse((*h)[0], s) {
		(*h)[0] = s
		heap.Fix(h, 0)
	}
}
