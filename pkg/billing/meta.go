package billing

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MetaSchemaVersion is written under metaVersionKey on every serialization
const MetaSchemaVersion = 1

const metaVersionKey = "_v"

// Known metadata keys
const (
	MetaRetryAttempts         = "retry_attempts"
	MetaNextRetryAt           = "next_retry_at"
	MetaLastFailureReason     = "last_failure_reason"
	MetaProviderPriceID       = "provider_price_id"
	MetaProviderStatus        = "provider_status"
	MetaPausedNextPaymentDate = "paused_next_payment_date"
	MetaLastInvoiceID         = "last_invoice_id"
)

// Meta is the subscription's extension map. Values are strings; typed
// accessors cover the keys the service itself writes.
type Meta map[string]string

// Get returns the value stored under key
func (m Meta) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Set stores value under key, allocating the map when needed
func (m *Meta) Set(key, value string) {
	if *m == nil {
		*m = make(Meta)
	}
	(*m)[key] = value
}

// Delete removes keys
func (m Meta) Delete(keys ...string) {
	for _, k := range keys {
		delete(m, k)
	}
}

// Int returns an integer value, or 0 when missing or malformed
func (m Meta) Int(key string) int {
	n, err := strconv.Atoi(m[key])
	if err != nil {
		return 0
	}
	return n
}

// SetInt stores an integer value
func (m *Meta) SetInt(key string, n int) {
	m.Set(key, strconv.Itoa(n))
}

// Time returns an RFC 3339 timestamp value
func (m Meta) Time(key string) (time.Time, bool) {
	v, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetTime stores t as an RFC 3339 timestamp
func (m *Meta) SetTime(key string, t time.Time) {
	m.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// Clone returns a copy that shares nothing with m
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	c := make(Meta, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// MarshalJSON writes the map as an object carrying the schema version
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[metaVersionKey] = MetaSchemaVersion
	return json.Marshal(out)
}

// UnmarshalJSON reads an object of string values. Documents written by a newer
// schema are rejected rather than silently truncated.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}

	out := make(Meta, len(raw))
	for k, v := range raw {
		if k == metaVersionKey {
			var version int
			if err := json.Unmarshal(v, &version); err != nil {
				return fmt.Errorf("decode meta schema version: %w", err)
			}
			if version > MetaSchemaVersion {
				return fmt.Errorf("meta schema version %d is newer than supported %d", version, MetaSchemaVersion)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("meta key %q: value must be a string", k)
		}
		out[k] = s
	}
	*m = out
	return nil
}

// Value implements driver.Valuer
func (m Meta) Value() (driver.Value, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Meta) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("meta: unsupported scan type %T", src)
	}
}

func (m *Meta) clearRetry() {
	if *m == nil {
		return
	}
	m.Delete(MetaRetryAttempts, MetaNextRetryAt, MetaLastFailureReason)
}
