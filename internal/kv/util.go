package kv

import (
	"encoding/binary"
	"strings"
	"time"
)

func nowMs() int64 { return time.Now().UnixMilli() }

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// escapeLike escapes LIKE metacharacters so ZScanPrefix's prefix argument is
// matched literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
