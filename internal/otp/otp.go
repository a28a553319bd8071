package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrMismatch          = errors.New("otp mismatch")
	ErrExpired           = errors.New("otp expired")
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")
	ErrNoCode            = errors.New("no otp issued for ride")
)

// MaxAttempts is the number of mismatches that burn a code.
const MaxAttempts = 3

var codeSpace = big.NewInt(10000)

type entry struct {
	code      string
	attempts  int
	issued    time.Time
	consumed  bool
	revoked   bool
	exhausted bool
}

// Handshake issues and verifies the 4-digit pickup codes, one per ride.
type Handshake struct {
	mu    sync.Mutex
	codes map[string]*entry
	ttl   time.Duration
	now   func() time.Time
	gen   func() (string, error)
}

// New returns a Handshake. A zero ttl disables time-based expiry.
func New(ttl time.Duration) *Handshake {
	return &Handshake{codes: make(map[string]*entry), ttl: ttl, now: time.Now, gen: randomCode}
}

// randomCode draws a zero-padded code uniformly from 0000-9999.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// GenerateCode issues the ride's code once; later calls return the same code.
func (h *Handshake) GenerateCode(rideID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.codes[rideID]; ok {
		return e.code, nil
	}
	return h.issue(rideID)
}

// Reset replaces the ride's code with a fresh one and a clean attempt counter.
func (h *Handshake) Reset(rideID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.issue(rideID)
}

func (h *Handshake) issue(rideID string) (string, error) {
	code, err := h.gen()
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	h.codes[rideID] = &entry{code: code, issued: h.now()}
	return code, nil
}

func (h *Handshake) VerifyCode(rideID, code string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.verify(rideID, code)
	observability.OTPVerifications.WithLabelValues(result(err)).Inc()
	return err
}

func (h *Handshake) verify(rideID, code string) error {
	e, ok := h.codes[rideID]
	switch {
	case !ok:
		return ErrNoCode
	case e.exhausted:
		return ErrAttemptsExhausted
	case e.consumed || e.revoked:
		return ErrExpired
	case h.ttl > 0 && h.now().Sub(e.issued) > h.ttl:
		return ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(e.code), []byte(code)) == 1 {
		e.consumed = true
		return nil
	}
	e.attempts++
	if e.attempts >= MaxAttempts {
		e.exhausted = true
		return ErrAttemptsExhausted
	}
	return ErrMismatch
}

// Remaining reports how many verification attempts the current code has left.
func (h *Handshake) Remaining(rideID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.codes[rideID]
	if !ok || e.exhausted || e.consumed || e.revoked {
		return 0
	}
	return MaxAttempts - e.attempts
}

// Invalidate revokes the ride's code; verification then reports ErrExpired.
func (h *Handshake) Invalidate(rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.codes[rideID]; ok {
		e.revoked = true
	}
}

// Forget drops all state for a finished ride.
func (h *Handshake) Forget(rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.codes, rideID)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrAttemptsExhausted):
		return "exhausted"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "unknown"
	}
}
