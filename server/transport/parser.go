package transport

import "bytes"

// controlParser accumulates inbound control bytes and splits them into
// complete JSON lines. It is not safe for concurrent use; the session's read
// loop is its only caller.
type controlParser struct {
	buf   []byte
	limit int
}

func newControlParser(limit int) *controlParser {
	if limit < 1 {
		limit = 8192
	}
	return &controlParser{limit: limit}
}

// Feed strips the reserved flow-control bytes, appends the rest to the
// buffer, and returns every complete JSON object found in newline-terminated
// lines. If the buffer exceeds its ceiling without a newline in sight, the
// whole buffer is dropped.
func (p *controlParser) Feed(data []byte) [][]byte {
	p.buf = append(p.buf, stripFlowControl(data)...)

	var objects [][]byte
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(p.buf[:idx])
		p.buf = p.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		objects = append(objects, splitConcatenated(line)...)
	}

	if len(p.buf) > p.limit {
		p.buf = nil
	}
	return objects
}

// Reset drops any buffered bytes, used on session teardown.
func (p *controlParser) Reset() {
	p.buf = nil
}

// Pending reports how many unterminated bytes are buffered.
func (p *controlParser) Pending() int {
	return len(p.buf)
}

func stripFlowControl(data []byte) []byte {
	if !bytes.ContainsAny(data, "\x11\x13") {
		return data
	}
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == flowControlXON || b == flowControlXOFF {
			continue
		}
		out = append(out, b)
	}
	return out
}

// splitConcatenated breaks a line holding back-to-back JSON objects into
// individual objects by brace-depth tracking. A line not starting with '{'
// is returned whole so the caller can inspect it as a raw line.
func splitConcatenated(line []byte) [][]byte {
	if len(line) == 0 || line[0] != '{' {
		return [][]byte{line}
	}
	if !bytes.Contains(line, []byte("}{")) {
		return [][]byte{line}
	}

	var objects [][]byte
	depth := 0
	inString := false
	escaped := false
	start := 0
	for i, b := range line {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 {
				objects = append(objects, line[start:i+1])
			}
		}
	}
	if len(objects) == 0 {
		return [][]byte{line}
	}
	return objects
}
