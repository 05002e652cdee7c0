package cache

import "time"

// Policy decides which entries of a partition to purge.
// It is handed the partition index in insertion order (oldest first).
type Policy interface {
	Evict(index []Record, cfg PartitionConfig, now time.Time) (expired, overflow []string)
}

// FIFO purges age-expired entries and then the oldest-inserted entries until
// the partition is back at its entry bound. Reads do not affect the order.
type FIFO struct{}

func (FIFO) Evict(index []Record, cfg PartitionConfig, now time.Time) (expired, overflow []string) {
	live := make([]Record, 0, len(index))
	for _, rec := range index {
		if Expired(rec.StoredAt, cfg.MaxAge, now) {
			expired = append(expired, rec.Key)
			continue
		}
		live = append(live, rec)
	}
	if cfg.MaxEntries == nil {
		return expired, nil
	}
	for i := 0; len(live)-i > *cfg.MaxEntries; i++ {
		overflow = append(overflow, live[i].Key)
	}
	return expired, overflow
}

// Expired reports whether an entry stored at storedAt is past maxAge.
func Expired(storedAt time.Time, maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && now.Sub(storedAt) > maxAge
}
