// Package ratelimit throttles chat per participant: a sliding window on
// frequency plus a consecutive-duplicate counter.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Plaza/internal/domain"
)

type Config struct {
	MaxMessages   int           `mapstructure:"max_messages"`
	Window        time.Duration `mapstructure:"window"`
	MaxDuplicates int           `mapstructure:"max_duplicates"`
	MaxLength     int           `mapstructure:"max_length"`
}

func DefaultConfig() Config {
	return Config{
		MaxMessages:   5,
		Window:        5 * time.Second,
		MaxDuplicates: 3,
		MaxLength:     2000,
	}
}

type Reason int

const (
	ReasonNone Reason = iota
	ReasonEmpty
	ReasonTooLong
	ReasonTooFast
	ReasonDuplicate
)

type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	// Message is a user-facing explanation for a rejection.
	Message string
}

type state struct {
	timestamps []time.Time
	lastHash   string
	dupCount   int
}

type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	history map[domain.ParticipantID]*state
}

func New(cfg Config, clk clock.Clock) *Limiter {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxDuplicates <= 0 {
		cfg.MaxDuplicates = def.MaxDuplicates
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = def.MaxLength
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		history: make(map[domain.ParticipantID]*state),
	}
}

func contentHash(trimmed string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(trimmed)))
	return hex.EncodeToString(sum[:])[:16]
}

// Check decides whether pid may send content now. Only an accepted message
// consumes window capacity.
func (l *Limiter) Check(pid domain.ParticipantID, content string) Decision {
	trimmed := strings.TrimSpace(content)
	n := utf8.RuneCountInString(trimmed)
	if n > l.cfg.MaxLength {
		return Decision{Reason: ReasonTooLong, Message: fmt.Sprintf("Message is too long (max %d characters).", l.cfg.MaxLength)}
	}
	if n == 0 {
		return Decision{Reason: ReasonEmpty, Message: "Message is empty."}
	}
	hash := contentHash(trimmed)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	st, ok := l.history[pid]
	if !ok {
		st = &state{}
		l.history[pid] = st
	}

	fresh := st.timestamps[:0]
	for _, ts := range st.timestamps {
		if now.Sub(ts) < l.cfg.Window {
			fresh = append(fresh, ts)
		}
	}
	st.timestamps = fresh

	if len(st.timestamps) >= l.cfg.MaxMessages {
		wait := l.cfg.Window - now.Sub(st.timestamps[0])
		secs := int(math.Ceil(wait.Seconds()))
		return Decision{
			Reason:     ReasonTooFast,
			RetryAfter: time.Duration(secs) * time.Second,
			Message:    fmt.Sprintf("You are sending messages too quickly. Try again in %d seconds.", secs),
		}
	}

	if hash == st.lastHash {
		st.dupCount++
		if st.dupCount >= l.cfg.MaxDuplicates {
			return Decision{Reason: ReasonDuplicate, Message: "You cannot send the same message repeatedly."}
		}
	} else {
		st.dupCount = 1
		st.lastHash = hash
	}

	st.timestamps = append(st.timestamps, now)
	return Decision{Allowed: true}
}

// Forget drops all state for pid.
func (l *Limiter) Forget(pid domain.ParticipantID) {
	l.mu.Lock()
	delete(l.history, pid)
	l.mu.Unlock()
}

// Tracked returns the number of participants with state, for metrics.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}
