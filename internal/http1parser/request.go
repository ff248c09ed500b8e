package http1parser

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// ParseRequest parses a complete request head as located by ScanHead. The
// returned request never has a readable body: message content, if any,
// follows the head in the stream and is framed separately.
func ParseRequest(head []byte) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProto, err)
	}
	req.Body = http.NoBody
	return req, nil
}

// HasHeader reports whether name appears in the header names returned by
// ScanHead, ignoring case.
func (h Head) HasHeader(name string) bool {
	for _, n := range h.Names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
