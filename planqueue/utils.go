package planqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

const packHeaderSize = 19

type packArgs struct {
	data         []byte
	notBefore    time.Time
	highPriority bool
	timestamp    time.Time
	iteration    uint16
}

// scoreOf returns the sorted set score of an item, the unix second it becomes due.
func scoreOf(a packArgs, now time.Time, highPriorityLead time.Duration) float64 {
	score := float64(a.notBefore.Unix())
	if a.highPriority && !a.notBefore.After(now) {
		score -= highPriorityLead.Seconds()
	}
	return score
}

// packData packs the item into a byte slice that can be stored in Redis.
// The format is (note that ':' is used only in the docs and not present in the actual data):
// highPriority(1byte):iteration(2 bytes):timestamp(8 bytes):notBefore(8 bytes):data
//
// This is done because redis sorts values with the same score by value lexicographically.
func packData(a packArgs) []byte {
	value := make([]byte, packHeaderSize+len(a.data))
	if a.highPriority {
		value[0] = 0
	} else {
		value[0] = 1
	}
	binary.BigEndian.PutUint16(value[1:3], a.iteration)
	binary.BigEndian.PutUint64(value[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[11:19], uint64(a.notBefore.UnixNano()))
	copy(value[packHeaderSize:], a.data)
	return value
}

// unpackData unpacks the data from the byte slice returned by packData.
func unpackData(packedData []byte) (packArgs, error) {
	if len(packedData) < packHeaderSize {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:         packedData[packHeaderSize:],
		notBefore:    time.Unix(0, int64(binary.BigEndian.Uint64(packedData[11:19]))),
		highPriority: packedData[0] == 0,
		timestamp:    time.Unix(0, int64(binary.BigEndian.Uint64(packedData[3:11]))),
		iteration:    binary.BigEndian.Uint16(packedData[1:3]),
	}, nil
}

type Config struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	WorkerTimeout          time.Duration
	RetryDelay             time.Duration
	// MaxItemAge drops items that waited longer, 0 keeps them forever
	MaxItemAge       time.Duration
	HighPriorityLead time.Duration
}

var DefaultConfig = Config{
	MaxRetries:             10,
	MaxQueuedItemsLowPrio:  1024,
	MaxQueuedItemsHighPrio: 2048,
	WorkerTimeout:          15 * time.Minute,
	RetryDelay:             5 * time.Second,
	MaxItemAge:             time.Hour,
	HighPriorityLead:       time.Minute,
}

// ConfigFromEnv loads `planqueue` config from environment.
// - `PLANQUEUE_MAX_RETRIES`
// - `PLANQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO`
// - `PLANQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO`
// - `PLANQUEUE_WORKER_TIMEOUT_MS`
// - `PLANQUEUE_RETRY_DELAY_MS`
// - `PLANQUEUE_MAX_ITEM_AGE_MS`
// - `PLANQUEUE_HIGH_PRIORITY_LEAD_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	if val := os.Getenv("PLANQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("PLANQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO"); val != "" {
		maxQueuedItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsLowPrio = maxQueuedItems
	}
	if val := os.Getenv("PLANQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO"); val != "" {
		maxQueuedItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsHighPrio = maxQueuedItems
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"PLANQUEUE_WORKER_TIMEOUT_MS", &config.WorkerTimeout},
		{"PLANQUEUE_RETRY_DELAY_MS", &config.RetryDelay},
		{"PLANQUEUE_MAX_ITEM_AGE_MS", &config.MaxItemAge},
		{"PLANQUEUE_HIGH_PRIORITY_LEAD_MS", &config.HighPriorityLead},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		ms, err := strconv.Atoi(val)
		if err != nil {
			return config, fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = time.Duration(ms) * time.Millisecond
	}
	return config, nil
}
