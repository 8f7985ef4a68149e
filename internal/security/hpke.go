// Package security registers requester certificates and encrypts response
// payloads for them with HPKE (RFC 9180).
//
// A certificate is the requester's raw X25519 public key. Its handle is the
// first eight bytes of the SHA3-256 digest of the certificate bytes.
//
// Sealed envelope layout:
//
//	version(1) | handle(8) | enc(32) | ciphertext
package security

import (
	"bytes"
	"cmp"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/sha3"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

const (
	// EnvelopeVersion is the first byte of every sealed payload.
	EnvelopeVersion byte = 0x01

	// PSID is the provider service identifier bound into every ciphertext as AAD.
	PSID uint16 = 0x2fe1

	handleSize = len(types.CertHandle{})
)

var defaultInfo = []byte("cv-datasink-subscription")

// Errors returned by the provider.
var (
	ErrInvalidCertificate = errors.New("invalid requester certificate")
	ErrUnknownHandle      = errors.New("certificate handle not registered")
	ErrMalformedEnvelope  = errors.New("malformed sealed envelope")
)

const (
	// DefaultCacheLimit bounds how many certificates stay registered.
	DefaultCacheLimit = 4096

	// DefaultCacheTTL evicts registrations unused for this long.
	DefaultCacheTTL = time.Hour
)

type registration struct {
	sum      uint64
	cert     []byte
	handle   types.CertHandle
	key      kem.PublicKey
	lastUsed atomic.Int64
}

func (r *registration) touch(now time.Time) {
	r.lastUsed.Store(now.UnixNano())
}

// HPKEProvider implements types.SecurityProvider.
//
// Registrations are indexed by the xxh3 hash of the certificate bytes, so a
// requester that keeps sending the same certificate costs one hash and one
// comparison instead of a SHA3 digest and a key parse. A second index by
// handle serves Encrypt. Entries unused for the cache TTL are evicted, and
// the least recently used go first once the cache limit is reached.
type HPKEProvider struct {
	suite  hpke.Suite
	scheme kem.Scheme
	info   []byte
	aad    []byte
	rand   io.Reader

	limit  int
	ttl    time.Duration
	now    func() time.Time
	derive func([]byte) types.CertHandle

	byCert   *xsync.Map[uint64, *registration]
	byHandle *xsync.Map[types.CertHandle, *registration]
	evictMu  sync.Mutex
}

var _ types.SecurityProvider = (*HPKEProvider)(nil)

// Option configures an HPKEProvider.
type Option func(*HPKEProvider)

// WithCacheLimit bounds the number of registered certificates.
func WithCacheLimit(n int) Option {
	return func(p *HPKEProvider) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithCacheTTL sets how long an unused registration is kept.
func WithCacheTTL(d time.Duration) Option {
	return func(p *HPKEProvider) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(p *HPKEProvider) { p.now = now }
}

// NewHPKE creates a provider using X25519, HKDF-SHA256 and AES-128-GCM.
func NewHPKE(opts ...Option) *HPKEProvider {
	p := &HPKEProvider{
		suite:    hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM),
		scheme:   hpke.KEM_X25519_HKDF_SHA256.Scheme(),
		info:     defaultInfo,
		aad:      binary.BigEndian.AppendUint16(nil, PSID),
		rand:     rand.Reader,
		limit:    DefaultCacheLimit,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
		derive:   Handle,
		byCert:   xsync.NewMap[uint64, *registration](),
		byHandle: xsync.NewMap[types.CertHandle, *registration](),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Handle computes the handle of cert without registering it.
func Handle(cert []byte) types.CertHandle {
	digest := sha3.Sum256(cert)

	var h types.CertHandle
	copy(h[:], digest[:handleSize])

	return h
}

// RegisterCertificate parses cert and caches it under its handle. A cert
// already registered returns its cached handle.
func (p *HPKEProvider) RegisterCertificate(cert []byte) (types.CertHandle, error) {
	now := p.now()
	sum := xxh3.Hash(cert)
	if reg, ok := p.byCert.Load(sum); ok && bytes.Equal(reg.cert, cert) {
		reg.touch(now)
		return reg.handle, nil
	}

	key, err := p.scheme.UnmarshalBinaryPublicKey(cert)
	if err != nil {
		return types.CertHandle{}, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}

	reg := &registration{
		sum:    sum,
		cert:   bytes.Clone(cert),
		handle: p.derive(cert),
		key:    key,
	}
	reg.touch(now)
	p.byCert.Store(sum, reg)
	p.byHandle.Store(reg.handle, reg)

	if p.byHandle.Size() > p.limit {
		p.evict(now)
	}

	return reg.handle, nil
}

// evict drops expired registrations, then the least recently used ones until
// the cache is back within its limit.
func (p *HPKEProvider) evict(now time.Time) {
	p.evictMu.Lock()
	defer p.evictMu.Unlock()

	cutoff := now.Add(-p.ttl).UnixNano()
	live := make([]*registration, 0, p.byHandle.Size())
	p.byHandle.Range(func(_ types.CertHandle, reg *registration) bool {
		if reg.lastUsed.Load() < cutoff {
			p.drop(reg)
		} else {
			live = append(live, reg)
		}

		return true
	})

	excess := len(live) - p.limit
	if excess <= 0 {
		return
	}
	slices.SortFunc(live, func(a, b *registration) int {
		return cmp.Compare(a.lastUsed.Load(), b.lastUsed.Load())
	})
	for _, reg := range live[:excess] {
		p.drop(reg)
	}
}

func (p *HPKEProvider) drop(reg *registration) {
	p.byHandle.Compute(reg.handle, func(cur *registration, loaded bool) (*registration, xsync.ComputeOp) {
		if loaded && cur == reg {
			return nil, xsync.DeleteOp
		}

		return cur, xsync.CancelOp
	})
	p.byCert.Compute(reg.sum, func(cur *registration, loaded bool) (*registration, xsync.ComputeOp) {
		if loaded && cur == reg {
			return nil, xsync.DeleteOp
		}

		return cur, xsync.CancelOp
	})
}

// Encrypt seals payload for the certificate registered under handle.
func (p *HPKEProvider) Encrypt(payload []byte, handle types.CertHandle) ([]byte, error) {
	reg, ok := p.byHandle.Load(handle)
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownHandle, handle[:])
	}
	reg.touch(p.now())

	sender, err := p.suite.NewSender(reg.key, p.info)
	if err != nil {
		return nil, fmt.Errorf("create hpke sender: %w", err)
	}

	enc, sealer, err := sender.Setup(p.rand)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}

	ct, err := sealer.Seal(payload, p.aad)
	if err != nil {
		return nil, fmt.Errorf("hpke seal: %w", err)
	}

	out := make([]byte, 0, 1+handleSize+len(enc)+len(ct))
	out = append(out, EnvelopeVersion)
	out = append(out, handle[:]...)
	out = append(out, enc...)
	out = append(out, ct...)

	return out, nil
}

// Registered returns the number of cached certificates.
func (p *HPKEProvider) Registered() int {
	return p.byHandle.Size()
}

// Open decrypts an envelope produced by Encrypt with the requester's private key.
//
// Receivers use it to read responses; the engine itself never decrypts.
func (p *HPKEProvider) Open(envelope []byte, privateKey kem.PrivateKey) ([]byte, types.CertHandle, error) {
	var handle types.CertHandle

	encSize := p.scheme.CiphertextSize()
	if len(envelope) < 1+handleSize+encSize || envelope[0] != EnvelopeVersion {
		return nil, handle, ErrMalformedEnvelope
	}

	copy(handle[:], envelope[1:1+handleSize])
	enc := envelope[1+handleSize : 1+handleSize+encSize]
	ct := envelope[1+handleSize+encSize:]

	receiver, err := p.suite.NewReceiver(privateKey, p.info)
	if err != nil {
		return nil, handle, fmt.Errorf("create hpke receiver: %w", err)
	}

	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, handle, fmt.Errorf("hpke setup: %w", err)
	}

	pt, err := opener.Open(ct, p.aad)
	if err != nil {
		return nil, handle, fmt.Errorf("hpke open: %w", err)
	}

	return pt, handle, nil
}

// GenerateKeyPair creates a requester key pair; the public half, marshaled,
// is the certificate a requester submits.
func (p *HPKEProvider) GenerateKeyPair() (cert []byte, privateKey kem.PrivateKey, err error) {
	pk, sk, err := p.scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate key pair: %w", err)
	}

	cert, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}

	return cert, sk, nil
}
