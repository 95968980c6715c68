// Package payload encodes the options of a recurring job into the opaque
// handler blob stored on each queued job, and decodes them back.
package payload

import (
	"sort"
	"time"

	"github.com/spf13/cast"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/teranos/recurring/errors"
)

// Key names an option
type Key string

// Well-known option keys. Any other key is carried through untouched.
const (
	KeyInterval       Key = "interval"         // seconds between occurrences; absent means one-off
	KeyQueue          Key = "queue"            // recurring identity
	KeyFirstStartTime Key = "first_start_time" // run_at of the first record only, never persisted
	KeyDelayedJobID   Key = "delayed_job_id"   // id of the record currently executing, set in memory only
)

// Options is an ordered key/value mapping. Insertion order survives Encode
// and Decode. The zero value and a nil *Options are empty and readable.
type Options struct {
	keys   []Key
	values map[Key]interface{}
}

// NewOptions returns empty options
func NewOptions() *Options {
	return &Options{values: make(map[Key]interface{})}
}

// FromMap builds options from a plain map. Keys are ordered lexically since
// map order is undefined.
func FromMap(m map[string]interface{}) *Options {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	o := NewOptions()
	for _, k := range names {
		o.Set(Key(k), m[k])
	}
	return o
}

// Get returns the value stored under key
func (o *Options) Get(key Key) (interface{}, bool) {
	if o == nil || o.values == nil {
		return nil, false
	}
	v, ok := o.values[key]
	return v, ok
}

// Has reports whether key is present, even with a nil value
func (o *Options) Has(key Key) bool {
	_, ok := o.Get(key)
	return ok
}

// Set stores value under key, keeping the key's original position if it
// already existed. An interval given as a time.Duration is stored as whole
// seconds. Returns o for chaining.
func (o *Options) Set(key Key, value interface{}) *Options {
	if o.values == nil {
		o.values = make(map[Key]interface{})
	}
	if d, ok := value.(time.Duration); ok && key == KeyInterval {
		value = int64(d / time.Second)
	}
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
	return o
}

// Delete removes key. Deleting an absent key is a no-op.
func (o *Options) Delete(key Key) {
	if o == nil || o.values == nil {
		return
	}
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (o *Options) Keys() []Key {
	if o == nil {
		return nil
	}
	return append([]Key(nil), o.keys...)
}

// Len returns the number of keys
func (o *Options) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Clone returns a copy that can be mutated without affecting o.
// Values are shared, not deep-copied.
func (o *Options) Clone() *Options {
	c := NewOptions()
	if o == nil {
		return c
	}
	for _, k := range o.keys {
		c.Set(k, o.values[k])
	}
	return c
}

// Map returns the options as a plain map
func (o *Options) Map() map[string]interface{} {
	m := make(map[string]interface{}, o.Len())
	if o == nil {
		return m
	}
	for _, k := range o.keys {
		m[string(k)] = o.values[k]
	}
	return m
}

// Interval returns the interval in seconds. A missing key, a nil value or a
// value that cannot be read as an integer reports false.
func (o *Options) Interval() (int64, bool) {
	v, ok := o.Get(KeyInterval)
	if !ok || v == nil {
		return 0, false
	}
	if d, isDuration := v.(time.Duration); isDuration {
		return int64(d / time.Second), true
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Queue returns the queue option, if set to a non-empty value
func (o *Options) Queue() (string, bool) {
	v, ok := o.Get(KeyQueue)
	if !ok || v == nil {
		return "", false
	}
	s := cast.ToString(v)
	return s, s != ""
}

// FirstStartTime returns the first_start_time option. Accepts a time.Time,
// an RFC3339 string or unix seconds.
func (o *Options) FirstStartTime() (time.Time, bool, error) {
	v, ok := o.Get(KeyFirstStartTime)
	if !ok || v == nil {
		return time.Time{}, false, nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}, true, errors.WithDetailf(
			errors.Wrap(err, "first_start_time is not a time"), "value: %v", v)
	}
	return t, true, nil
}

// EncodeMsgpack writes the options as a msgpack map in insertion order
func (o *Options) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(o.Len()); err != nil {
		return err
	}
	for _, k := range o.Keys() {
		if err := enc.EncodeString(string(k)); err != nil {
			return err
		}
		if err := enc.Encode(o.values[k]); err != nil {
			return errors.Wrapf(err, "encode option %q", k)
		}
	}
	return nil
}

// DecodeMsgpack reads a msgpack map, keeping the encoded key order
func (o *Options) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	o.keys = nil
	o.values = make(map[Key]interface{}, max(n, 0))
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return errors.Wrap(err, "decode option key")
		}
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return errors.Wrapf(err, "decode option %q", k)
		}
		o.Set(Key(k), normalize(v))
	}
	return nil
}

// normalize folds the integer and float widths msgpack may produce into
// int64 and float64, recursing into slices and maps.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) <= 1<<63-1 {
			return int64(x)
		}
		return uint64(x)
	case uint64:
		if x <= 1<<63-1 {
			return int64(x)
		}
		return x
	case float32:
		return float64(x)
	case []interface{}:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[string]interface{}:
		for k := range x {
			x[k] = normalize(x[k])
		}
		return x
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, val := range x {
			m[cast.ToString(k)] = normalize(val)
		}
		return m
	default:
		return v
	}
}
