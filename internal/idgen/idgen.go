// Package idgen generates short, sortable, collision-resistant identifiers
// for per-connection sessions. Adapted near-verbatim from the teacher's
// server/idgen package: a 12-byte timestamp+node+sequence+random value,
// base32-encoded.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	nodeID         []byte
	sequence       uint32
	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	nodeID = make([]byte, 3)
	if _, err := rand.Read(nodeID); err != nil {
		hostname, err := os.Hostname()
		if err != nil {
			now := time.Now().UnixNano()
			nodeID = []byte(fmt.Sprintf("%06x", now)[:6])
		} else {
			nodeHash := []byte(hostname)
			copy(nodeID, nodeHash)
			if len(nodeHash) < 3 {
				for i := len(nodeHash); i < 3; i++ {
					nodeID[i] = 0
				}
			}
		}
	}
}

// New returns a new 20-character lowercase base32 identifier: 4 bytes of
// truncated Unix timestamp, 3 bytes of node id, 2 bytes of sequence, 3
// bytes of random data.
func New() string {
	timestamp := uint32(time.Now().Unix())
	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF

	randomBytes := make([]byte, 3)
	if _, err := rand.Read(randomBytes); err != nil {
		randomBytes = []byte(fmt.Sprintf("%06x", time.Now().UnixNano())[:6])
	}

	id := make([]byte, 12)
	id[0] = byte(timestamp >> 24)
	id[1] = byte(timestamp >> 16)
	id[2] = byte(timestamp >> 8)
	id[3] = byte(timestamp)
	copy(id[4:7], nodeID)
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)
	copy(id[9:12], randomBytes)

	return strings.ToLower(base32Encoding.EncodeToString(id))
}
