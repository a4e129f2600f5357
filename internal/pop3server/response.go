package pop3server

import (
	"bytes"
	"fmt"

	"github.com/mailstack/mailstack/internal/store"
)

// buildListResponseLines builds the multiline body for LIST, skipping any
// message already in deletionSet. Message numbers are the snapshot's
// 1-based index and never shift, even once earlier entries are deleted.
// Adapted from server/pop3/response.go's buildListResponseLines, narrowed
// from db.Message to store.InboxRecord.
func buildListResponseLines(snapshot []store.InboxRecord, deletionSet map[int]bool) []string {
	var lines []string
	for i, rec := range snapshot {
		if !deletionSet[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, rec.SizeBytes))
		}
	}
	return lines
}

// buildUIDLResponseLines builds the multiline body for UIDL: per Open
// Question resolution #3, the unique id is the raw message_id string, not a
// derived token.
func buildUIDLResponseLines(snapshot []store.InboxRecord, deletionSet map[int]bool) []string {
	var lines []string
	for i, rec := range snapshot {
		if !deletionSet[i] {
			lines = append(lines, fmt.Sprintf("%d %s", i+1, rec.MessageID))
		}
	}
	return lines
}

// countNonDeletedMessages returns how many snapshot entries are not in
// deletionSet.
func countNonDeletedMessages(snapshot []store.InboxRecord, deletionSet map[int]bool) int {
	count := 0
	for i := range snapshot {
		if !deletionSet[i] {
			count++
		}
	}
	return count
}

// buildSingleListResponse answers "LIST n": (false, "") for an out-of-range
// or already-deleted message number, else the scan-listing line for it.
func buildSingleListResponse(snapshot []store.InboxRecord, deletionSet map[int]bool, msgNumber int) (bool, string) {
	if msgNumber < 1 || msgNumber > len(snapshot) {
		return false, ""
	}
	if deletionSet[msgNumber-1] {
		return false, ""
	}
	return true, fmt.Sprintf("%d %d", msgNumber, snapshot[msgNumber-1].SizeBytes)
}

// buildSingleUIDLResponse is UIDL's single-message counterpart to
// buildSingleListResponse.
func buildSingleUIDLResponse(snapshot []store.InboxRecord, deletionSet map[int]bool, msgNumber int) (bool, string) {
	if msgNumber < 1 || msgNumber > len(snapshot) {
		return false, ""
	}
	if deletionSet[msgNumber-1] {
		return false, ""
	}
	return true, fmt.Sprintf("%d %s", msgNumber, snapshot[msgNumber-1].MessageID)
}

// computeStatTotals returns the count and octet-sum of non-deleted snapshot
// entries, i.e. exactly what STAT reports.
func computeStatTotals(snapshot []store.InboxRecord, deletionSet map[int]bool) (count int, size int64) {
	for i, rec := range snapshot {
		if !deletionSet[i] {
			count++
			size += rec.SizeBytes
		}
	}
	return count, size
}

// dotStuffPOP3 doubles the leading "." of every line in s that starts with
// one, per RFC 1939 §3's transparency rule. Lines are delimited by CRLF; a
// final partial line (no trailing CRLF) is stuffed the same way. Operates on
// bytes rather than string indexing so a message body with non-UTF8 octets
// is never misread.
func dotStuffPOP3(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	const crlf = "\r\n"
	out := make([]byte, 0, len(data)+8)
	start := 0
	for start <= len(data) {
		rest := data[start:]
		idx := bytes.Index(rest, []byte(crlf))
		var line []byte
		if idx < 0 {
			line = rest
			start = len(data) + 1
		} else {
			line = rest[:idx]
			start += idx + len(crlf)
		}
		if len(line) > 0 && line[0] == '.' {
			out = append(out, '.')
		}
		out = append(out, line...)
		if idx >= 0 {
			out = append(out, crlf...)
		}
	}
	return out
}

// splitHeaderBody locates the header/body boundary (the first empty CRLF
// line) for TOP, which must return headers in full regardless of k.
func splitHeaderBody(data []byte) (headers, body []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(data, sep)
	if idx < 0 {
		return data, nil
	}
	return data[:idx+2], data[idx+4:]
}

// firstKBodyLines returns the first k CRLF-delimited lines of body
// (including their terminating CRLF), or the whole body if it has k lines
// or fewer.
func firstKBodyLines(body []byte, k int) []byte {
	if k <= 0 || len(body) == 0 {
		return nil
	}
	const crlf = "\r\n"
	start := 0
	for n := 0; n < k && start < len(body); n++ {
		idx := bytes.Index(body[start:], []byte(crlf))
		if idx < 0 {
			return body[:]
		}
		start += idx + len(crlf)
	}
	return body[:start]
}
