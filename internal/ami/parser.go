package ami

import (
	"bufio"
	"io"
	"strings"
)

// maxLineBytes bounds a single header line. CEL AppData and Extra values can
// run far past the scanner's default token size.
const maxLineBytes = 256 * 1024

// Parser reads the manager wire protocol: blank-line terminated blocks of
// "Key: Value" headers, with a bare banner line ahead of the first block.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Parser{scanner: sc}
}

// Next reads the next block from the stream, action responses included.
// Returns false at EOF; a block cut off mid-way by EOF is still returned.
func (p *Parser) Next() (Event, bool) {
	var headers []header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		if line == "" {
			if len(headers) > 0 {
				return Event{headers: headers}, true
			}
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			// The banner and other bare lines outside a block carry no
			// headers; inside a block they are kept so no CEL payload text
			// is silently dropped.
			if len(headers) == 0 {
				continue
			}
			headers = append(headers, header{Value: line})
			continue
		}
		headers = append(headers, header{Key: key, Value: strings.TrimPrefix(value, " ")})
	}

	if len(headers) > 0 {
		return Event{headers: headers}, true
	}
	return Event{}, false
}

// NextEvent reads the next true event, skipping action responses such as the
// login acknowledgement.
func (p *Parser) NextEvent() (Event, bool) {
	for {
		evt, ok := p.Next()
		if !ok {
			return Event{}, false
		}
		if evt.IsResponse() {
			continue
		}
		return evt, true
	}
}
