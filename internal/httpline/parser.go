// Package httpline implements a small HTTP/SSDP line-and-header parser,
// enough to read the NOTIFY/M-SEARCH-response style messages SSDP
// service discovery exchanges over multicast UDP: a start line, a block
// of "Header: value" lines, and a blank line terminating the message.
package httpline

import (
	"strings"

	vsm "github.com/sensyn-robotics/vsm-go"
)

// Message is one parsed HTTP-style datagram.
type Message struct {
	StartLine string
	Method    string // non-empty for a request line ("NOTIFY", "M-SEARCH")
	Status    string // non-empty for a status line ("200 OK")
	Headers   map[string]string
}

// Header looks up a header by name, case-insensitively.
func (m *Message) Header(name string) (string, bool) {
	v, ok := m.Headers[strings.ToUpper(name)]
	return v, ok
}

// Parse reads a complete message from raw, which must use CRLF line
// endings terminated by a blank line, as SSDP datagrams do.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, vsm.New("httpline", "Parse", vsm.KindParse, "empty message")
	}

	msg := &Message{StartLine: lines[0], Headers: make(map[string]string)}
	parseStartLine(msg)

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		msg.Headers[name] = value
	}
	return msg, nil
}

func parseStartLine(msg *Message) {
	fields := strings.Fields(msg.StartLine)
	if len(fields) == 0 {
		return
	}
	if strings.HasPrefix(fields[0], "HTTP/") {
		if len(fields) >= 3 {
			msg.Status = strings.Join(fields[1:], " ")
		}
		return
	}
	msg.Method = fields[0]
}

// Encode serializes a start line and headers to wire form,
// CRLF-terminated.
func Encode(startLine string, headers map[string]string) []byte {
	var b strings.Builder
	b.WriteString(startLine)
	b.WriteString("\r\n")
	for k, v := range headers {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
