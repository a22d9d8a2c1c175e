package engine

import (
	"sync"
	"time"
)

// BanList tracks banned IPs with their ban time
type BanList struct {
	mu       sync.Mutex
	duration time.Duration
	banned   map[string]time.Time
	now      func() time.Time
}

// NewBanList creates a list whose bans last duration
func NewBanList(duration time.Duration) *BanList {
	return &BanList{
		duration: duration,
		banned:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Ban bans ip from now on. It reports whether the ip was not already banned.
func (b *BanList) Ban(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.banned[ip]
	b.banned[ip] = b.now()
	return !ok || b.now().Sub(at) >= b.duration
}

// IsBanned reports whether ip is under an active ban. An expired ban is
// lifted on the spot.
func (b *BanList) IsBanned(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.banned[ip]
	if !ok {
		return false
	}
	if b.now().Sub(at) >= b.duration {
		delete(b.banned, ip)
		return false
	}
	return true
}

// Purge lifts every expired ban and returns how many were lifted
func (b *BanList) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for ip, at := range b.banned {
		if b.now().Sub(at) >= b.duration {
			delete(b.banned, ip)
			n++
		}
	}
	return n
}

// Len returns the number of tracked bans, expired ones included
func (b *BanList) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.banned)
}
