package mutator

import (
	"hash/fnv"
	"strconv"
)

// GameID converte o gameId textual no u64 do programa; ids não numéricos viram FNV-64a
func GameID(s string) uint64 {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
