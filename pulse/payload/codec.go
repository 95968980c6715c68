package payload

import (
	"github.com/Masterminds/semver/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/teranos/recurring/errors"
)

// FormatVersion is written into every envelope
const FormatVersion = "1.0.0"

// supportedFormats accepts any 1.x envelope
var supportedFormats = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// Envelope is the decoded handler blob: the job type that runs it and its options
type Envelope struct {
	Format  string   `msgpack:"format"`
	JobType string   `msgpack:"job_type"`
	Options *Options `msgpack:"options"`
}

// Encode serializes a job type and its options into a handler blob
func Encode(jobType string, opts *Options) ([]byte, error) {
	if jobType == "" {
		return nil, errors.NewInvalidRequestError("job type cannot be empty")
	}
	if opts == nil {
		opts = NewOptions()
	}
	blob, err := msgpack.Marshal(&Envelope{Format: FormatVersion, JobType: jobType, Options: opts})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode payload for %s", jobType)
	}
	return blob, nil
}

// Decode parses a handler blob. Any failure is marked ErrMalformedPayload.
func Decode(blob []byte) (*Envelope, error) {
	if len(blob) == 0 {
		return nil, errors.MarkMalformed(errors.New("empty payload"))
	}

	var env Envelope
	if err := msgpack.Unmarshal(blob, &env); err != nil {
		return nil, errors.MarkMalformed(errors.Wrap(err, "failed to decode payload"))
	}

	version, err := semver.NewVersion(env.Format)
	if err != nil {
		return nil, errors.MarkMalformed(errors.Wrapf(err, "payload format %q", env.Format))
	}
	if !supportedFormats.Check(version) {
		return nil, errors.MarkMalformed(errors.WithHintf(
			errors.Newf("unsupported payload format %s", version),
			"this build reads payload format %s", FormatVersion))
	}

	if env.JobType == "" {
		return nil, errors.MarkMalformed(errors.New("payload has no job type"))
	}
	if env.Options == nil {
		env.Options = NewOptions()
	}
	return &env, nil
}

// Get decodes blob and returns the option stored under key
func Get(blob []byte, key Key) (interface{}, bool, error) {
	env, err := Decode(blob)
	if err != nil {
		return nil, false, err
	}
	v, ok := env.Options.Get(key)
	return v, ok, nil
}

// Set decodes blob, sets key to value and re-encodes it. The blob itself is
// not modified; callers persist the returned bytes.
func Set(blob []byte, key Key, value interface{}) ([]byte, error) {
	env, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	env.Options.Set(key, value)
	return Encode(env.JobType, env.Options)
}

// Interval decodes blob and returns its interval in seconds
func Interval(blob []byte) (int64, bool, error) {
	env, err := Decode(blob)
	if err != nil {
		return 0, false, err
	}
	n, ok := env.Options.Interval()
	return n, ok, nil
}
