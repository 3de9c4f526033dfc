package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// segment is one dot-separated element of a field path.
type segment struct {
	key   string
	index int // -1 when absent
	fan   bool
}

// ParsePath validates a field path such as "genres[].description" or "screenshots[0].path_full".
func ParsePath(path string) ([]segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(path, ".")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func parseSegment(part string) (segment, error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if part == "" {
			return segment{}, fmt.Errorf("empty segment")
		}
		return segment{key: part, index: -1}, nil
	}
	if !strings.HasSuffix(part, "]") {
		return segment{}, fmt.Errorf("segment %q: unterminated index", part)
	}
	seg := segment{key: part[:open], index: -1}
	inner := part[open+1 : len(part)-1]
	if inner == "" {
		seg.fan = true
		return seg, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return segment{}, fmt.Errorf("segment %q: invalid index", part)
	}
	seg.index = n
	return seg, nil
}

// ResolvePath reads the value at path inside a decoded JSON document.
// A "[]" suffix fans out over a list and collects the remainder of the path from
// every element that has it; nested fan-outs yield one flat list. Missing keys,
// type mismatches and malformed paths all report false.
func ResolvePath(doc any, path string) (any, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	fan := -1
	for i, seg := range segs {
		if seg.fan {
			fan = i
			break
		}
	}
	if fan < 0 {
		v := compile(segs).First(doc)
		return v, v != nil
	}

	// The first fan-out must land on a list, even an empty one.
	head := append(append([]segment(nil), segs[:fan]...), segment{key: segs[fan].key, index: -1})
	if _, ok := compile(head).First(doc).([]any); !ok {
		return nil, false
	}
	found := compile(segs).Get(doc)
	out := make([]any, 0, len(found))
	for _, v := range found {
		if v != nil {
			out = append(out, v)
		}
	}
	return out, true
}

// compile turns parsed segments into a JSONPath expression.
func compile(segs []segment) jp.Expr {
	x := jp.R()
	for _, seg := range segs {
		if seg.key != "" {
			x = x.C(seg.key)
		}
		switch {
		case seg.fan:
			x = x.W()
		case seg.index >= 0:
			x = x.N(seg.index)
		}
	}
	return x
}
