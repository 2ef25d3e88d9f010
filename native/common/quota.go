package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the request counter of one caller within an epoch.
type QuotaNow struct {
	ReqCount uint32
	EpochID  uint64
}

// Quota bounds how many asynchronous requests a caller may open per epoch.
// Zero values disable the corresponding limit.
type Quota struct {
	MaxRequestsPerEpoch uint32
	EpochSeconds        uint32
}

// Enabled reports whether q limits anything.
func (q Quota) Enabled() bool { return q.MaxRequestsPerEpoch > 0 }

// Epoch maps a unix timestamp to the epoch id used for counting.
func (q Quota) Epoch(now int64) uint64 {
	if now <= 0 {
		return 0
	}
	if q.EpochSeconds == 0 {
		return uint64(now) / 60
	}
	return uint64(now) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether addReq additional requests fit within q. The
// returned QuotaNow reflects the updated counters when the quota is not
// exceeded; on failure prev is returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}
	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}
	return next, nil
}
