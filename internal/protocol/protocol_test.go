package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := Envelope{Flag: FlagChat, Sender: "alice", Message: "hi"}.Stamp(time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC))

	data, err := Encode(env)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte("\n")))

	dec := NewDecoder(bytes.NewReader(data))
	got, raw, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env, got)
	assert.NotEmpty(t, raw)
}

func TestDecoderSkipsBlankLinesAndToleratesMalformedFrames(t *testing.T) {
	input := "\n{\"flag\":\"\",\"sender\":\"bob\",\"message\":\"hey\"}\nnot json\n{\"flag\":\"AUTH_OK\",\"sender\":\"\",\"message\":\"bob\"}\n"
	dec := NewDecoder(strings.NewReader(input))

	env, _, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob", env.Sender)

	_, raw, ok, err := dec.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "not json", string(raw))

	env, _, ok, err = dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, FlagAuthOK, env.Flag)
}

func TestDecoderReturnsEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	_, _, ok, err := dec.Next()
	assert.False(t, ok)
	assert.Error(t, err)
}

// timeoutThenDataReader simulates the acceptor's polling idiom: repeated
// idle read-deadline timeouts (no bytes available yet), followed by a read
// that finally delivers the whole line once data has arrived.
type timeoutThenDataReader struct {
	timeoutsLeft int
	data         []byte
	sent         bool
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func (r *timeoutThenDataReader) Read(p []byte) (int, error) {
	if r.timeoutsLeft > 0 {
		r.timeoutsLeft--
		return 0, fakeTimeoutErr{}
	}
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	return 0, io.EOF
}

func TestDecoderSurvivesRepeatedReadTimeoutsWithoutWedging(t *testing.T) {
	src := &timeoutThenDataReader{
		timeoutsLeft: 3,
		data:         []byte(`{"flag":"","sender":"bob","message":"hi"}` + "\n"),
	}
	dec := NewDecoder(src)

	for i := 0; i < 3; i++ {
		_, _, ok, err := dec.Next()
		assert.False(t, ok)
		require.Error(t, err)
		var te interface{ Timeout() bool }
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Timeout())
	}

	env, _, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob", env.Sender)
	assert.Equal(t, "hi", env.Message)
}

func TestDecoderRejectsLineExceedingMaxLine(t *testing.T) {
	oversized := bytes.Repeat([]byte("a"), maxLine+1024)
	dec := NewDecoder(bytes.NewReader(oversized))

	_, _, ok, err := dec.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestIsChat(t *testing.T) {
	assert.True(t, Envelope{Flag: FlagChat, Sender: "alice", Message: "hi"}.IsChat())
	assert.False(t, Envelope{Flag: FlagAdminMsg, Sender: "alice", Message: "hi"}.IsChat())
	assert.False(t, Envelope{Flag: FlagChat, Sender: "", Message: "hi"}.IsChat())
}

func TestDecodeCredentials(t *testing.T) {
	username, password, ok := DecodeCredentials([]byte(`{"username":"alice","password":"secret"}`))
	require.True(t, ok)
	assert.Equal(t, "alice", username)
	assert.Equal(t, "secret", password)

	_, _, ok = DecodeCredentials([]byte(`{"username":"alice"}`))
	assert.False(t, ok)

	_, _, ok = DecodeCredentials([]byte(`not json`))
	assert.False(t, ok)
}
