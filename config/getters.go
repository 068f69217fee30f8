package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

func (c *C) Get(k string) any {
	return get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return get(k, c.Settings) != nil
}

// GetString will get the string for k or return the default d if not found
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, strconv.Itoa(d)))
	if err != nil {
		return d
	}
	return v
}

// GetBool will get the bool for k or return the default d if not found or
// invalid. y/yes and n/no are accepted in any case.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}
	return v
}

// GetDuration will get the duration for k or return the default d if not
// found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetByteSize returns the size in bytes for k, which is either a plain number
// or a binary size such as 4k or 1MiB.
func (c *C) GetByteSize(k string, d int64) (int64, error) {
	r := c.Get(k)
	if r == nil {
		return d, nil
	}
	if i, ok := r.(int); ok {
		return int64(i), nil
	}

	v, err := units.RAMInBytes(fmt.Sprintf("%v", r))
	if err != nil {
		return d, fmt.Errorf("%s: %w", k, err)
	}
	return v, nil
}

// GetOneOf returns the value for k, or d if not set. It fails when the value
// is not in allowed.
func (c *C) GetOneOf(k, d string, allowed ...string) (string, error) {
	v := strings.ToLower(c.GetString(k, d))
	if !slices.Contains(allowed, v) {
		return d, fmt.Errorf("%s: %q is not one of %s", k, v, strings.Join(allowed, ", "))
	}
	return v, nil
}

func get(k string, v any) any {
	for p := range strings.SplitSeq(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}
