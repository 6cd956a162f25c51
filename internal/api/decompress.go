package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// errPayloadTooLarge is returned when a gzip body inflates past the limit.
var errPayloadTooLarge = errors.New("decompressed payload too large")

// klauspost gzip readers carry ~32KB of state that Reset reuses.
var gzipReaderPool sync.Pool

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// gunzip inflates data, refusing output larger than limit bytes.
func gunzip(data []byte, limit int64) ([]byte, error) {
	var reader *gzip.Reader
	var err error
	if pooled, ok := gzipReaderPool.Get().(*gzip.Reader); ok {
		reader = pooled
		err = reader.Reset(bytes.NewReader(data))
	} else {
		reader, err = gzip.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		if reader != nil {
			gzipReaderPool.Put(reader)
		}
		return nil, fmt.Errorf("failed to initialize gzip reader: %w", err)
	}
	defer gzipReaderPool.Put(reader)

	var buf bytes.Buffer
	buf.Grow(len(data) * 4)
	n, err := io.Copy(&buf, io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip payload: %w", err)
	}
	if n > limit {
		return nil, errPayloadTooLarge
	}
	return buf.Bytes(), nil
}
