// Package gems implementa a loteria de gemas por volume apostado e o stash
// de gemas aguardando o win da rodada.
package gems

import (
	"encoding/binary"
	"math"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/radieske/vault-settlement/internal/ledger/repo"
)

// Vector conta gemas por raridade (Garnet..Diamond)
type Vector = repo.GemVector

// Raridades em ordem crescente
const (
	Garnet = iota
	Amethyst
	Topaz
	Sapphire
	Emerald
	Ruby
	Diamond
)

var Names = [7]string{"garnet", "amethyst", "topaz", "sapphire", "emerald", "ruby", "diamond"}

const (
	Increment       int64 = 100_000_000 // 0.1 SOL apostado = 1 roll
	MaxRollsPerBet        = 100
	rollSpace             = 1000
	baseChance            = 300 // 30% com multiplicador 1x
	bandSpace             = 300
	DefaultMultiplier     = 100
	minMultiplier         = 50
	maxMultiplier         = 300
	DefaultReferralRate   = 0.15
)

// Bands são os limites cumulativos de cada raridade dentro de bandSpace
var Bands = [7]uint64{150, 230, 270, 290, 297, 299, 300}

// BandProbability é a probabilidade condicional de cada raridade dado que houve gema
func BandProbability(rarity int) float64 {
	lo := uint64(0)
	if rarity > 0 {
		lo = Bands[rarity-1]
	}
	return float64(Bands[rarity]-lo) / bandSpace
}

// BaseRate é a chance de gema por roll com multiplicador 1x
func BaseRate() float64 { return float64(baseChance) / rollSpace }

// RollCount: quantos múltiplos de Increment foram cruzados entre before e after
func RollCount(before, after int64) int {
	if after <= before || before < 0 {
		return 0
	}
	n := after/Increment - before/Increment
	if n > MaxRollsPerBet {
		return MaxRollsPerBet
	}
	return int(n)
}

// ClampMultiplier normaliza o multiplicador VIP (100 = 1x)
func ClampMultiplier(m int) int {
	switch {
	case m <= 0:
		return DefaultMultiplier
	case m < minMultiplier:
		return minMultiplier
	case m > maxMultiplier:
		return maxMultiplier
	}
	return m
}

// Seed = keccak256(username || idx u64 LE || nanos i64 LE), lido como u64 LE dos 8 primeiros bytes
func Seed(username string, idx uint64, nanos int64) uint64 {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(username))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], idx)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(nanos))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// Pick traduz um seed em raridade; ok=false quando o roll cai na faixa "nada"
func Pick(seed uint64, multiplier int) (rarity int, ok bool) {
	effective := uint64(baseChance * ClampMultiplier(multiplier) / 100)
	if effective > rollSpace {
		effective = rollSpace
	}
	nothing := rollSpace - effective
	roll := seed % rollSpace
	if roll < nothing {
		return 0, false
	}
	band := (roll - nothing) * bandSpace / effective
	for i, limit := range Bands {
		if band < limit {
			return i, true
		}
	}
	return Diamond, true
}

// Result de uma aposta na loteria
type Result struct {
	Rolls   int
	Awarded Vector
}

// Lottery sorteia gemas; now é injetável nos testes
type Lottery struct {
	now          func() time.Time
	referralRate float64
}

func NewLottery(referralRate float64) *Lottery {
	if referralRate < 0 || referralRate > 1 {
		referralRate = DefaultReferralRate
	}
	return &Lottery{now: time.Now, referralRate: referralRate}
}

// Roll sorteia as gemas devidas pelo aumento before -> after do total apostado
func (l *Lottery) Roll(username string, before, after int64, multiplier int) Result {
	res := Result{Rolls: RollCount(before, after)}
	nanos := l.now().UnixNano()
	for i := 0; i < res.Rolls; i++ {
		if r, ok := Pick(Seed(username, uint64(i), nanos), multiplier); ok && res.Awarded[r] < 255 {
			res.Awarded[r]++
		}
	}
	return res
}

// Referral espelha cada unidade de gema para o referrer com chance fixa e seed independente
func (l *Lottery) Referral(referrer string, awarded Vector) Vector {
	var out Vector
	if referrer == "" {
		return out
	}
	threshold := uint64(math.Round(l.referralRate * rollSpace))
	nanos := l.now().UnixNano()
	idx := uint64(0)
	for r, n := range awarded {
		for k := 0; k < int(n); k++ {
			if Seed("referral:"+referrer, idx, nanos)%rollSpace < threshold {
				out[r]++
			}
			idx++
		}
	}
	return out
}
