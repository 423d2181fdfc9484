package cluster

import (
	"hash/crc32"
	"sort"
	"strconv"

	"docgate/pkg/types"
)

// HashRing реализует consistent hashing с виртуальными нодами.
// Участники кольца - таблеты, ключи - закодированные doc keys.
// Кольцо неизменяемо после сборки, топология заменяется целиком.
type HashRing struct {
	replicas int
	points   []uint32                  // отсортированные хэши
	owners   map[uint32]types.TabletID // хэш -> таблет
}

func NewHashRing(replicas int, tablets ...types.TabletID) *HashRing {
	if replicas <= 0 {
		replicas = 1
	}

	h := &HashRing{
		replicas: replicas,
		owners:   make(map[uint32]types.TabletID, replicas*len(tablets)),
	}
	for _, t := range tablets {
		for i := 0; i < replicas; i++ {
			p := crc32.ChecksumIEEE([]byte(string(t) + "#" + strconv.Itoa(i)))
			if _, taken := h.owners[p]; taken {
				continue
			}
			h.points = append(h.points, p)
			h.owners[p] = t
		}
	}
	sort.Slice(h.points, func(i, j int) bool { return h.points[i] < h.points[j] })
	return h
}

// Owner возвращает таблет, отвечающий за ключ.
func (h *HashRing) Owner(key []byte) (types.TabletID, bool) {
	if len(h.points) == 0 {
		return "", false
	}

	hash := crc32.ChecksumIEEE(key)
	idx := sort.Search(len(h.points), func(i int) bool { return h.points[i] >= hash })
	if idx == len(h.points) {
		idx = 0
	}
	return h.owners[h.points[idx]], true
}

// Tablets возвращает отсортированный список уникальных таблетов.
func (h *HashRing) Tablets() []types.TabletID {
	seen := make(map[types.TabletID]struct{})
	var out []types.TabletID
	for _, t := range h.owners {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
