package handshake

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/sirupsen/logrus"
)

// dosGuard bundles the transient authenticator key and the authenticator
// cache as one unit, since they must rotate atomically: once the
// cache is full or the minimum rotation interval has elapsed, a fresh
// transient key is installed and the entire cache is dropped, invalidating
// every outstanding authenticator at once. A single mutex guards both,
// held only for the map/pointer swap — never across HMAC computation.
type dosGuard struct {
	mu         sync.Mutex
	key        *transientKey
	cache      map[[32]byte]*M4
	lastRotate time.Time
	tp         crypto.TimeProvider
}

func newDosGuard(tp crypto.TimeProvider) (*dosGuard, error) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	key, err := newTransientKey()
	if err != nil {
		return nil, err
	}
	return &dosGuard{
		key:        key,
		cache:      make(map[[32]byte]*M4),
		lastRotate: tp.Now(),
		tp:         tp,
	}, nil
}

// currentKey returns a snapshot of the current transient key's bytes. The
// caller computes its HMAC outside the lock.
func (g *dosGuard) currentKey() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := make([]byte, len(g.key.value))
	copy(k, g.key.bytes())
	return k
}

// Authenticator computes HMAC(transient_key, data) under the current
// transient key (the M2 authenticator).
func (g *dosGuard) Authenticator(data []byte) []byte {
	return crypto.HMACSHA256(g.currentKey(), data)
}

// VerifyAuthenticator checks tag against HMAC(transient_key, data) using
// the current key only — an authenticator minted under a since-rotated key
// is rejected, forcing the initiator to restart the handshake.
func (g *dosGuard) VerifyAuthenticator(data, tag []byte) bool {
	return crypto.VerifyHMAC(g.currentKey(), data, tag)
}

// Lookup returns a cached M4 for a previously seen authenticator, if any —
// a replayed M3 is answered without recomputation.
func (g *dosGuard) Lookup(authenticator [32]byte) (*M4, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m4, ok := g.cache[authenticator]
	return m4, ok
}

// Store caches the M4 response for authenticator, rotating the transient
// key (and flushing the cache) first if capacity has been reached.
func (g *dosGuard) Store(authenticator [32]byte, m4 *M4) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.cache) >= limits.AuthenticatorCacheCapacity {
		if err := g.rotateLocked(); err != nil {
			return err
		}
	}
	g.cache[authenticator] = m4
	return nil
}

// MaybeRotate rotates the transient key if the minimum rotation interval
// has elapsed. Called periodically by the scheduler; rotation always
// flushes the cache atomically with the key swap.
func (g *dosGuard) MaybeRotate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tp.Since(g.lastRotate) < limits.TransientKeyMinRotation {
		return nil
	}
	return g.rotateLocked()
}

func (g *dosGuard) rotateLocked() error {
	newKey, err := newTransientKey()
	if err != nil {
		return err
	}
	old := g.key
	g.key = newKey
	g.cache = make(map[[32]byte]*M4)
	g.lastRotate = g.tp.Now()
	old.wipe()

	logrus.WithFields(logrus.Fields{
		"package": "handshake",
	}).Info("transient key rotated, authenticator cache flushed")
	return nil
}

// randomBootID generates a fresh process-lifetime boot ID.
func randomBootID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
