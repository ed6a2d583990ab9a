package store

import (
	"math/rand/v2"
	"sync"

	"portalchat/pkg/timeutil"
)

// modeled after web-safe base64 so generated ids sort lexically by creation time
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

const (
	pushTimeChars = 8
	pushRandChars = 12
	PushIDLen     = pushTimeChars + pushRandChars
)

// KeyGen produces push ids. Ids generated in the same millisecond increment
// the random suffix, so ordering holds within one generator.
type KeyGen struct {
	mu       sync.Mutex
	lastTime int64
	lastRand [pushRandChars]int
	now      func() int64
}

func NewKeyGen() *KeyGen {
	return &KeyGen{now: timeutil.NowMillis}
}

var defaultKeyGen = NewKeyGen()

// NewPushID returns a fresh key from the process-wide generator.
func NewPushID() string { return defaultKeyGen.Next() }

func (g *KeyGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastTime {
		// clock went backwards; keep ordering by reusing the last timestamp
		now = g.lastTime
	}
	if now == g.lastTime {
		i := pushRandChars - 1
		for ; i >= 0 && g.lastRand[i] == len(pushChars)-1; i-- {
			g.lastRand[i] = 0
		}
		if i >= 0 {
			g.lastRand[i]++
		} else {
			now++
			g.fillRand()
		}
	} else {
		g.fillRand()
	}
	g.lastTime = now

	var id [PushIDLen]byte
	t := now
	for i := pushTimeChars - 1; i >= 0; i-- {
		id[i] = pushChars[t%int64(len(pushChars))]
		t /= int64(len(pushChars))
	}
	for i := 0; i < pushRandChars; i++ {
		id[pushTimeChars+i] = pushChars[g.lastRand[i]]
	}
	return string(id[:])
}

func (g *KeyGen) fillRand() {
	for i := range g.lastRand {
		g.lastRand[i] = rand.IntN(len(pushChars))
	}
}
