package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPSourceAcceptsConnection(t *testing.T) {
	src, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer src.Close()

	addr := src.ln.Addr().String()
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Write([]byte("hi"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted, err := src.Accept(ctx)
	require.NoError(t, err)
	assert.True(t, accepted.Local)
	assert.Nil(t, accepted.PeerCertificate)
	accepted.Stream.Close()
}

func TestAcceptWithCancellationRespectsContext(t *testing.T) {
	src, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = src.Accept(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:1234"))
	assert.True(t, isLoopback("[::1]:1234"))
	assert.False(t, isLoopback("93.184.216.34:443"))
}

type fakeStream struct {
	readDeadline  time.Time
	writeDeadline time.Time
	data          []byte
}

func (f *fakeStream) Read(p []byte) (int, error)  { return copy(p, f.data), nil }
func (f *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeStream) Close() error                { return nil }
func (f *fakeStream) SetReadDeadline(t time.Time) error {
	f.readDeadline = t
	return nil
}
func (f *fakeStream) SetWriteDeadline(t time.Time) error {
	f.writeDeadline = t
	return nil
}

func TestTimeoutStreamAppliesReadDeadline(t *testing.T) {
	fs := &fakeStream{data: []byte("x")}
	ts := NewTimeoutStream(fs)
	ts.SetReadTimeout(time.Second)

	buf := make([]byte, 1)
	_, err := ts.Read(buf)
	require.NoError(t, err)
	assert.False(t, fs.readDeadline.IsZero())
}

func TestTimeoutStreamDisabledReadTimeoutClearsDeadline(t *testing.T) {
	fs := &fakeStream{data: []byte("x")}
	ts := NewTimeoutStream(fs)
	ts.SetReadTimeout(0)

	buf := make([]byte, 1)
	_, err := ts.Read(buf)
	require.NoError(t, err)
	assert.True(t, fs.readDeadline.IsZero())
}

func TestTimeoutStreamDefaultWriteTimeout(t *testing.T) {
	fs := &fakeStream{}
	ts := NewTimeoutStream(fs)
	_, err := ts.Write([]byte("x"))
	require.NoError(t, err)
	assert.False(t, fs.writeDeadline.IsZero())
}
