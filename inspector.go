package workerdev

import (
	"regexp"
	"strings"
)

// debuggerPattern requires whitespace after the id so a URL split across two
// reads is never captured half-way.
var debuggerPattern = regexp.MustCompile(`Debugger listening on (ws://127\.0\.0\.1:\d+/[A-Za-z0-9-]+)\s`)

// maxScanTail bounds the unterminated line kept between reads. The
// announcement is far shorter.
const maxScanTail = 4 << 10

// inspectorScanner watches stderr for the debugger announcement. Only the
// current unterminated line is carried between reads. After a match it
// ignores everything.
type inspectorScanner struct {
	tail  string
	found bool
}

// feed returns the inspector URL the first time it appears in the output.
func (s *inspectorScanner) feed(chunk []byte) (string, bool) {
	if s.found {
		return "", false
	}
	text := s.tail + string(chunk)
	if m := debuggerPattern.FindStringSubmatch(text); m != nil {
		s.found = true
		s.tail = ""
		return m[1], true
	}
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	if len(text) > maxScanTail {
		text = text[len(text)-maxScanTail:]
	}
	s.tail = text
	return "", false
}
