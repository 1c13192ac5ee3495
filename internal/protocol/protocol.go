// Package protocol defines the wire format shared by the server and every
// client. Each message is a single JSON object followed by a newline
// character — no length-prefixing, no binary framing.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Flag is the short uppercase tag that discriminates envelope semantics.
// The empty flag denotes a plain chat message.
type Flag string

const (
	FlagChat      Flag = ""
	FlagAuthOK    Flag = "AUTH_OK"
	FlagAuthInval Flag = "AUTH_INVALID"
	FlagAuthDeny  Flag = "AUTH_DENIED"
	FlagAuthBan   Flag = "AUTH_BAN"
	FlagUserList  Flag = "USER_LIST_UPDATE"
	FlagSysClosed Flag = "SYS_SERVER_CLOSED"
	FlagAdminMsg  Flag = "ADMIN_MSG"
	FlagAdminKick Flag = "ADMIN_KICK"
	FlagAdminBan  Flag = "ADMIN_BAN"
	FlagAdminMute Flag = "ADMIN_MUTE"
	FlagQuit      Flag = "CLIENT_QUIT"
)

// timeFormat is the server-stamped, human-readable timestamp used on every
// outgoing envelope: "DD Mon YYYY, HH:MM".
const timeFormat = "02 Jan 2006, 15:04"

// Envelope is the single wire unit exchanged in both directions.
type Envelope struct {
	Flag      Flag   `json:"flag"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Stamp returns a copy of e with Timestamp set to now, formatted the way the
// wire protocol expects. Only the server stamps timestamps; incoming
// envelopes from clients have theirs ignored.
func (e Envelope) Stamp(now time.Time) Envelope {
	e.Timestamp = now.Format(timeFormat)
	return e
}

// IsChat reports whether e is user-originated chat: empty flag, non-empty
// sender. Only such envelopes are appended to the message log.
func (e Envelope) IsChat() bool {
	return e.Flag == FlagChat && e.Sender != ""
}

// Encode serializes e as one JSON object followed by a single '\n'.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// maxLine bounds how much unterminated input Decoder will buffer before
// giving up on a line, mirroring bufio.Scanner's old max-token-size guard.
const maxLine = 64 * 1024

// ErrLineTooLong is returned when a single line exceeds maxLine without a
// terminating '\n' — the caller should treat the connection as unusable.
var ErrLineTooLong = errors.New("protocol: line too long")

// Decoder splits an incoming byte stream on '\n' and parses each complete
// line as an Envelope. It buffers partial lines across reads so a caller
// can feed it chunks of arbitrary size — the "buffer-merge hazard" the wire
// codec must handle.
//
// Built on bufio.Reader rather than bufio.Scanner deliberately: the
// acceptor's polling idiom calls Next() repeatedly against a read deadline
// that's expected to expire routinely on an idle connection. bufio.Scanner
// latches the first error it ever sees and refuses to read again after
// that — fine for a single pass over a file, fatal here, since the very
// first idle-timeout would permanently wedge the decoder. bufio.Reader has
// no such memory: each call attempts a fresh read, so a deadline timeout on
// one call doesn't poison the next.
type Decoder struct {
	r       *bufio.Reader
	pending []byte // bytes accumulated for the line currently in progress
}

// NewDecoder wraps r with a line-buffered envelope reader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Next reads the next complete line and parses it. It returns
// (envelope, rawLine, ok=true, nil) on success. A malformed line is reported
// via ok=false with the raw bytes so the caller can log it without closing
// the connection. Any read error (including a deadline timeout or EOF)
// comes back as err, with any partial line retained internally so the next
// call to Next() picks up where this one left off.
func (d *Decoder) Next() (env Envelope, raw []byte, ok bool, err error) {
	for {
		chunk, rerr := d.r.ReadBytes('\n')
		if len(chunk) > 0 {
			d.pending = append(d.pending, chunk...)
		}
		if len(d.pending) > maxLine {
			d.pending = nil
			return Envelope{}, nil, false, ErrLineTooLong
		}
		if rerr != nil {
			return Envelope{}, nil, false, rerr
		}

		line := bytes.TrimRight(d.pending, "\r\n")
		d.pending = nil
		if len(line) == 0 {
			continue // discard empty lines
		}
		raw = append([]byte(nil), line...)
		if jerr := json.Unmarshal(raw, &env); jerr != nil {
			return Envelope{}, raw, false, nil
		}
		return env, raw, true, nil
	}
}

// DecodeCredentials parses the first frame sent by a connecting client:
// {"username": str, "password": str}.
func DecodeCredentials(raw []byte) (username, password string, ok bool) {
	var c struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", "", false
	}
	if c.Username == "" || c.Password == "" {
		return "", "", false
	}
	return c.Username, c.Password, true
}
