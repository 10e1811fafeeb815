package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entitlement is a server-confirmed right to use a package or verification tier.
type Entitlement struct {
	SubjectRef string
	Kind       string
	Category   string
	Remaining  int
	ExpiresAt  time.Time
}

// Active means there is usage left and the grant has not expired.
func (e *Entitlement) Active(now time.Time) bool {
	return e.Remaining > 0 && now.Before(e.ExpiresAt)
}

// Fingerprint identifies this grant as observed. A renewed or topped-up grant for the same
// subject yields a different fingerprint.
func (e *Entitlement) Fingerprint() string {
	return fmt.Sprintf("%s|%d|%d", e.SubjectRef, e.Remaining, e.ExpiresAt.Unix())
}

// GrantedSince reports whether e is new or improved compared to the fingerprints captured
// before the purchase. Consumption (fewer remaining, same expiry) does not count.
func (e *Entitlement) GrantedSince(snapshot []string) bool {
	for _, fp := range snapshot {
		subject, remaining, expires, ok := parseFingerprint(fp)
		if !ok || subject != e.SubjectRef {
			continue
		}
		if e.Remaining <= remaining && e.ExpiresAt.Unix() <= expires {
			return false
		}
	}
	return true
}

func parseFingerprint(fp string) (subject string, remaining int, expires int64, ok bool) {
	i := strings.LastIndexByte(fp, '|')
	if i < 0 {
		return "", 0, 0, false
	}
	j := strings.LastIndexByte(fp[:i], '|')
	if j < 0 {
		return "", 0, 0, false
	}
	r, err := strconv.Atoi(fp[j+1 : i])
	if err != nil {
		return "", 0, 0, false
	}
	x, err := strconv.ParseInt(fp[i+1:], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return fp[:j], r, x, true
}
