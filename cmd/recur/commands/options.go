package commands

import (
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/pulse/payload"
)

// cronParser accepts five-field expressions and descriptors such as @daily
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// parseAt resolves an --at value to an absolute time. Accepted forms:
// RFC3339 ("2026-01-02T03:00:00Z"), an offset from now ("+10m") or a cron
// expression, whose next activation after now is used.
func parseAt(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.NewInvalidRequestError("empty --at value")
	}

	if strings.HasPrefix(value, "+") {
		d, err := time.ParseDuration(value[1:])
		if err != nil {
			return time.Time{}, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "--at offset %q", value)
		}
		return now.Add(d), nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	sched, err := cronParser.Parse(value)
	if err != nil {
		return time.Time{}, errors.WithHint(
			errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "cannot read --at %q", value),
			"use RFC3339 (2026-01-02T03:00:00Z), an offset (+10m) or a cron expression (0 3 * * *)")
	}
	return sched.Next(now), nil
}

// loadOptionsFile reads caller options from a YAML mapping, keeping the
// order keys appear in the file
func loadOptionsFile(path string) (*payload.Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read options file %s", path)
	}
	return parseOptionsYAML(data)
}

func parseOptionsYAML(data []byte) (*payload.Options, error) {
	opts := payload.NewOptions()

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "parse options")
	}
	if len(doc.Content) == 0 {
		return opts, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.NewInvalidRequestError("options must be a YAML mapping, got %s", kindName(root.Kind))
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		var value interface{}
		if err := root.Content[i+1].Decode(&value); err != nil {
			return nil, errors.Wrapf(err, "option %q", root.Content[i].Value)
		}
		opts.Set(payload.Key(root.Content[i].Value), value)
	}
	return opts, nil
}

// parseOptionValue reads a command line option value as a YAML scalar, so
// "5" becomes an integer and "true" a boolean
func parseOptionValue(raw string) interface{} {
	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	return value
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "a sequence"
	case yaml.ScalarNode:
		return "a scalar"
	case yaml.AliasNode:
		return "an alias"
	default:
		return "a document"
	}
}
