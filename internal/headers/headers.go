// Package headers does the minimal RFC 5322 header/body framing SSE and PCE
// need at their respective commit/retrieve boundaries: pulling Message-Id,
// Subject and Date out of a raw message without attempting full MIME
// attachment decoding, which stays MFC's job.
package headers

import (
	"bytes"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Parsed holds the handful of header fields SSE and PCE care about.
type Parsed struct {
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	HasDate   bool
}

// Parse reads raw as an RFC 5322 message and extracts Message-Id, Subject,
// From and Date. A malformed header section degrades to a zero Parsed rather
// than an error: neither caller can reject a message purely for having
// headers go-message can't fully parse.
func Parse(raw []byte) Parsed {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		return Parsed{}
	}

	mh := mail.Header{Header: entity.Header}

	var out Parsed
	if id, err := mh.MessageID(); err == nil && id != "" {
		out.MessageID = "<" + id + ">"
	}
	if subj, err := mh.Subject(); err == nil {
		out.Subject = subj
	}
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		out.From = addrs[0].Address
	}
	if d, err := mh.Date(); err == nil && !d.IsZero() {
		out.Date = d
		out.HasDate = true
	}
	return out
}
