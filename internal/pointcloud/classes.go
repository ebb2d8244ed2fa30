package pointcloud

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ClassSet is a sorted, duplicate-free set of ASPRS classification codes
// to exclude from a tool invocation. The nil set excludes nothing.
type ClassSet []uint8

// NewClassSet builds a ClassSet from codes in any order.
func NewClassSet(codes ...int) (ClassSet, error) {
	seen := make(map[uint8]bool, len(codes))
	out := make(ClassSet, 0, len(codes))
	for _, c := range codes {
		if c < 0 || c > 255 {
			return nil, fmt.Errorf("classification code %d out of range", c)
		}
		if !seen[uint8(c)] {
			seen[uint8(c)] = true
			out = append(out, uint8(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ParseClassSet parses a comma-separated code list such as "0,1,3".
func ParseClassSet(s string) (ClassSet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	codes := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid classification code '%s': %w", p, err)
		}
		codes = append(codes, v)
	}
	return NewClassSet(codes...)
}

// Contains reports whether c is in the set.
func (s ClassSet) Contains(c uint8) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= c })
	return i < len(s) && s[i] == c
}

// String renders the set the way WhiteboxTools expects for --exclude_cls.
func (s ClassSet) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = strconv.Itoa(int(c))
	}
	return strings.Join(parts, ",")
}
