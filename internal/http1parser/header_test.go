package http1parser_test

import (
	"testing"

	"github.com/Windscribe/connectproxy/internal/http1parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanHead_Empty(t *testing.T) {
	http1Data := "CONNECT example.com:443 HTTP/1.1\r\n" +
		"\r\n"
	head, err := http1parser.ScanHead([]byte(http1Data))
	require.NoError(t, err)
	assert.Empty(t, head.Names)
	assert.Equal(t, len(http1Data), head.Length)
}

func TestScanHead(t *testing.T) {
	http1Data := "POST /index.html HTTP/1.1\r\n" +
		"Host: www.test.com\r\n" +
		"Accept: */*\r\n" +
		"Content-Length: 17\r\n" +
		"lowercase: 3z\r\n" +
		"\r\n"
	body := `{"hello":"world"}`

	head, err := http1parser.ScanHead([]byte(http1Data + body))
	require.NoError(t, err)
	assert.Len(t, head.Names, 4)
	assert.Contains(t, head.Names, "Content-Length")
	assert.Contains(t, head.Names, "lowercase")
	assert.Equal(t, len(http1Data), head.Length)
	assert.True(t, head.HasHeader("content-length"))
	assert.False(t, head.HasHeader("Transfer-Encoding"))
}

func TestScanHead_BareLineFeeds(t *testing.T) {
	http1Data := "CONNECT example.com:443 HTTP/1.1\n" +
		"Host: example.com\n" +
		"\n"
	head, err := http1parser.ScanHead([]byte(http1Data + "tail"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Host"}, head.Names)
	assert.Equal(t, len(http1Data), head.Length)
}

func TestScanHead_MissingData(t *testing.T) {
	for _, partial := range []string{
		"",
		"CONNECT",
		"CONNECT example.com:443",
		"CONNECT example.com:443 HTTP/1.1\r\n",
		"CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n",
		"CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r",
	} {
		_, err := http1parser.ScanHead([]byte(partial))
		assert.ErrorIs(t, err, http1parser.ErrMissingData, "%q", partial)
	}
}

func TestScanHead_InvalidData(t *testing.T) {
	for _, bad := range []string{
		"\r\n\r\n",
		"CONNECT\r\n\r\n",
		"CONNECT example.com:443 HTTP/1.1\rX",
		"CONNECT example.com:443 HTTP/1.1\r\nnot a header\r\n\r\n",
	} {
		_, err := http1parser.ScanHead([]byte(bad))
		assert.ErrorIs(t, err, http1parser.ErrBadProto, "%q", bad)
	}
}
