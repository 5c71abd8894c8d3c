package eventlog

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/parquedb/parquedb/internal/types"
)

// A chunk is one durably flushed batch: zstd-compressed JSONL, one event
// per line, named by the offset of its first event. Chunks are immutable
// once written except during tail recovery, which may rewrite the last
// chunk to drop a torn suffix.

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
)

const chunkExt = ".jzst"

func chunkKey(prefix, ns string, firstOffset uint64) string {
	return fmt.Sprintf("%s/%s/%016x%s", prefix, ns, firstOffset, chunkExt)
}

func parseChunkKey(key string) (firstOffset uint64, ok bool) {
	base := key[strings.LastIndexByte(key, '/')+1:]
	if !strings.HasSuffix(base, chunkExt) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(base, chunkExt), 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func encodeChunk(events []*types.Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range events {
		line, err := types.MarshalEvent(e)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return zstdEnc.EncodeAll(buf.Bytes(), nil), nil
}

// decodeChunk decodes as many intact events as the data contains. A torn
// or corrupt suffix stops the decode; the intact prefix is returned with
// truncated=true so recovery can rewrite the chunk.
func decodeChunk(data []byte) (events []*types.Event, truncated bool) {
	raw, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		// Whole-chunk corruption: decompress what we can't, keep nothing.
		return nil, true
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := types.UnmarshalEvent(line)
		if err != nil {
			return events, true
		}
		events = append(events, e)
	}
	if sc.Err() != nil {
		return events, true
	}
	return events, false
}
