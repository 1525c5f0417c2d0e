package grammar

import (
	"bytes"
	"fmt"

	"github.com/abligh/smtpkit/buf"
	"github.com/abligh/smtpkit/protoerr"
)

// Response is a numeric SMTP reply code plus one or more message lines,
// as spec.md §3 and §4.2 describe it: RenderResponse marks every line but
// the last with "-" and the last with " ".
type Response struct {
	Code  int
	Lines []string
}

// Single builds a one-line Response.
func Single(code int, line string) Response {
	return Response{Code: code, Lines: []string{line}}
}

// ParseResponseIfComplete reads one multi-line response from b's unread
// bytes. It leaves b's cursor untouched and returns protoerr.ErrIncomplete
// until a full run of lines ending in a " "-separated terminator line is
// present. A code mismatch across the run, or a malformed individual
// line, is a non-recoverable error: the cursor advances only up to the
// start of the offending line, leaving it for the caller to deal with.
func ParseResponseIfComplete(b *buf.ByteBuf) (Response, error) {
	unread := b.Unread()
	offset := 0
	var resp Response

	for {
		idx := bytes.Index(unread[offset:], []byte("\r\n"))
		if idx == -1 {
			return Response{}, protoerr.ErrIncomplete
		}
		lineStart := offset
		line := unread[offset : offset+idx]
		offset += idx + 2

		code, sep, text, err := parseResponseLine(line)
		if err != nil {
			b.Advance(lineStart)
			return Response{}, err
		}
		if len(resp.Lines) == 0 {
			resp.Code = code
		} else if code != resp.Code {
			b.Advance(lineStart)
			return Response{}, protoerr.NewGrammarError(500, "response code changed mid-reply: %d != %d", code, resp.Code)
		}
		resp.Lines = append(resp.Lines, text)

		if sep == ' ' {
			b.Advance(offset)
			return resp, nil
		}
	}
}

func parseResponseLine(line []byte) (code int, sep byte, text string, err error) {
	if len(line) < 4 {
		return 0, 0, "", protoerr.NewGrammarError(500, "malformed response line %q", line)
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, "", protoerr.NewGrammarError(500, "malformed response code %q", line[:3])
		}
	}
	code = int(line[0]-'0')*100 + int(line[1]-'0')*10 + int(line[2]-'0')
	sep = line[3]
	if sep != '-' && sep != ' ' {
		return 0, 0, "", protoerr.NewGrammarError(500, "malformed response separator in %q", line)
	}
	return code, sep, string(line[4:]), nil
}

// RenderResponse renders resp as the bytes a server should write,
// splitting any line containing embedded newlines into further physical
// lines, all sharing resp.Code.
func RenderResponse(resp Response) []byte {
	var out bytes.Buffer
	lines := splitEmbeddedNewlines(resp.Lines)
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(&out, "%03d%c%s\r\n", resp.Code, sep, line)
	}
	return out.Bytes()
}

func splitEmbeddedNewlines(lines []string) []string {
	var out []string
	for _, line := range lines {
		start := 0
		for i := 0; i < len(line); i++ {
			if line[i] == '\n' {
				end := i
				if end > start && line[end-1] == '\r' {
					end--
				}
				out = append(out, line[start:end])
				start = i + 1
			}
		}
		out = append(out, line[start:])
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}
