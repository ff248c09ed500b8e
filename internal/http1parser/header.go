package http1parser

import "errors"

var (
	ErrBadProto    = errors.New("bad protocol")
	ErrMissingData = errors.New("missing data")
)

const (
	_eNextHeader int = iota
	_eNextHeaderN
	_eHeader
	_eHeaderValueSpace
	_eHeaderValue
	_eHeaderValueN
	_eMLHeaderStart
	_eMLHeaderValue
)

// Head describes the request line and header block found at the start of
// an HTTP/1.x byte stream.
type Head struct {
	// Names holds the header names in the order they appeared, with their
	// original spelling.
	Names []string
	// Length is the number of bytes up to and including the blank line
	// that ends the header block.
	Length int
}

// ScanHead finds the end of the request head in input without allocating a
// parsed request. It returns ErrMissingData while the head is incomplete and
// ErrBadProto when the bytes cannot be an HTTP/1.x head.
// Inspired by https://github.com/evanphx/wildcat
func ScanHead(input []byte) (Head, error) {
	total := len(input)
	var path, version, headers int
	var headerNames []string

	// First line: METHOD TARGET VERSION
	var methodOk bool
	for i := 0; i < total; i++ {
		switch input[i] {
		case ' ', '\t':
			methodOk = true
			path = i + 1
		case '\r', '\n':
			return Head{}, ErrBadProto
		}
		if methodOk {
			break
		}
	}

	if !methodOk {
		return Head{}, ErrMissingData
	}

	var pathOk bool
	for i := path; i < total; i++ {
		switch input[i] {
		case ' ', '\t':
			pathOk = true
			version = i + 1
		case '\r', '\n':
			return Head{}, ErrBadProto
		}
		if pathOk {
			break
		}
	}

	if !pathOk {
		return Head{}, ErrMissingData
	}

	var versionOk bool
	var readN bool
	for i := version; i < total; i++ {
		c := input[i]

		switch readN {
		case false:
			switch c {
			case '\r':
				readN = true
			case '\n':
				headers = i + 1
				versionOk = true
			}
		case true:
			if c != '\n' {
				return Head{}, ErrBadProto
			}
			headers = i + 1
			versionOk = true
		}
		if versionOk {
			break
		}
	}

	if !versionOk {
		return Head{}, ErrMissingData
	}

	state := _eNextHeader
	start := headers

	for i := headers; i < total; i++ {
		switch state {
		case _eNextHeader:
			switch input[i] {
			case '\r':
				state = _eNextHeaderN
			case '\n':
				return Head{Names: headerNames, Length: i + 1}, nil
			case ' ', '\t':
				state = _eMLHeaderStart
			default:
				start = i
				state = _eHeader
			}
		case _eNextHeaderN:
			if input[i] != '\n' {
				return Head{}, ErrBadProto
			}

			return Head{Names: headerNames, Length: i + 1}, nil
		case _eHeader:
			switch input[i] {
			case ':':
				headerNames = append(headerNames, string(input[start:i]))
				state = _eHeaderValueSpace
			case '\r', '\n':
				// a header line without a colon
				return Head{}, ErrBadProto
			}
		case _eHeaderValueSpace:
			switch input[i] {
			case ' ', '\t':
				continue
			case '\r':
				state = _eHeaderValueN
				continue
			case '\n':
				state = _eNextHeader
				continue
			}

			start = i
			state = _eHeaderValue
		case _eHeaderValue:
			switch input[i] {
			case '\r':
				state = _eHeaderValueN
			case '\n':
				state = _eNextHeader
			default:
				continue
			}
		case _eHeaderValueN:
			if input[i] != '\n' {
				return Head{}, ErrBadProto
			}
			state = _eNextHeader
		case _eMLHeaderStart:
			switch input[i] {
			case ' ', '\t':
				continue
			}

			start = i
			state = _eMLHeaderValue
		case _eMLHeaderValue:
			switch input[i] {
			case '\r':
				state = _eHeaderValueN
			case '\n':
				state = _eNextHeader
			default:
				continue
			}
		}
	}

	return Head{}, ErrMissingData
}
