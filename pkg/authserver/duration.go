// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

var durationUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    day,
	"week":   7 * day,
}

// ParseLifetime parses a lifetime such as "10 minutes", "30 days" or a Go
// duration string such as "15m". Lifetimes must be positive.
func ParseLifetime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty lifetime")
	}

	d, err := parseHumanLifetime(s)
	if err != nil {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid lifetime %q", s)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("lifetime %q must be positive", s)
	}
	return d, nil
}

func parseHumanLifetime(s string) (time.Duration, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("expected <number> <unit>")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, err
	}
	unit, ok := durationUnits[strings.TrimSuffix(fields[1], "s")]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", fields[1])
	}
	return time.Duration(n) * unit, nil
}
