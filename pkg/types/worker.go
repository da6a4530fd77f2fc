package types

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// WorkerKey is the structured identity of a compute device.
//
// Repeated heartbeats from the same physical device map to the same key, and
// therefore to the same registry row.
type WorkerKey struct {
	UserID      string `json:"user_id"`
	Hostname    string `json:"hostname"`
	DeviceName  string `json:"device_name"`
	DeviceIndex int    `json:"device_index"`
}

var ErrMalformedWorkerID = errors.New("malformed worker id")

// String renders the display id "user:host:[device]:index". Delimiters that
// appear inside a field are backslash-escaped so that two different keys never
// render to the same string.
func (k WorkerKey) String() string {
	var b strings.Builder
	b.WriteString(escapeField(k.UserID))
	b.WriteByte(':')
	b.WriteString(escapeField(k.Hostname))
	b.WriteString(":[")
	b.WriteString(escapeField(k.DeviceName))
	b.WriteString("]:")
	b.WriteString(strconv.Itoa(k.DeviceIndex))
	return b.String()
}

func escapeField(s string) string {
	if !strings.ContainsAny(s, `\:[]`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', ':', '[', ']':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseWorkerKey is the inverse of WorkerKey.String.
func ParseWorkerKey(s string) (WorkerKey, error) {
	var fields []string
	var cur strings.Builder
	escaped := false
	depth := 0
	for _, r := range s {
		if escaped {
			cur.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '[':
			depth++
		case ']':
			depth--
		case ':':
			if depth != 0 {
				return WorkerKey{}, ErrMalformedWorkerID
			}
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped || depth != 0 {
		return WorkerKey{}, ErrMalformedWorkerID
	}
	fields = append(fields, cur.String())
	if len(fields) != 4 || !strings.Contains(s, ":[") {
		return WorkerKey{}, ErrMalformedWorkerID
	}
	idx, err := strconv.Atoi(fields[3])
	if err != nil {
		return WorkerKey{}, ErrMalformedWorkerID
	}
	return WorkerKey{UserID: fields[0], Hostname: fields[1], DeviceName: fields[2], DeviceIndex: idx}, nil
}

// WorkerDetails is what a worker reports about itself on every heartbeat.
type WorkerDetails struct {
	Key             WorkerKey `json:"key"`
	OS              string    `json:"os"`
	Version         string    `json:"version"`
	EmbeddedRuntime bool      `json:"embedded_runtime"`
	DeviceType      string    `json:"device_type"`
	VRAMTotal       int64     `json:"vram_total"`
	VRAMFree        int64     `json:"vram_free"`
	RAMTotal        int64     `json:"ram_total"`
	RAMFree         int64     `json:"ram_free"`
}

// ID is the display worker id.
func (d WorkerDetails) ID() string {
	return d.Key.String()
}

// Worker is a registered compute identity as stored by the registry.
type Worker struct {
	WorkerDetails
	WorkerID    string    `json:"worker_id"`
	TasksToGive []string  `json:"tasks_to_give"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkerFilter selects workers for the registry listing.
type WorkerFilter struct {
	UserID     string
	WorkerID   string
	SeenWithin time.Duration // zero: no freshness filter
}
