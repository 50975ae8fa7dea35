package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sensate-iot/platform-router/errors"
)

// MaxBatchSize caps the decompressed size DecodeBatch accepts.
const MaxBatchSize = 64 << 20

// EncodeBatch wraps records in a BatchContainer and gzips it. An empty
// record list yields an empty payload so callers can skip the publish.
func EncodeBatch(records [][]byte) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}

	size := 0
	for _, r := range records {
		size += len(r) + protowire.SizeTag(1) + protowire.SizeVarint(uint64(len(r)))
	}

	container := make([]byte, 0, size)
	for _, r := range records {
		container = protowire.AppendTag(container, 1, protowire.BytesType)
		container = protowire.AppendBytes(container, r)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(container); err != nil {
		return nil, errors.WrapInvalid(err, "wire", "EncodeBatch", "compress container")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.WrapInvalid(err, "wire", "EncodeBatch", "flush gzip writer")
	}
	return buf.Bytes(), nil
}

// DecodeBatch reverses EncodeBatch and returns the raw records.
func DecodeBatch(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeBatch", "open gzip reader")
	}
	defer zr.Close()

	container, err := io.ReadAll(io.LimitReader(zr, MaxBatchSize+1))
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeBatch", "decompress container")
	}
	if len(container) > MaxBatchSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("container exceeds %d bytes", MaxBatchSize),
			"wire", "DecodeBatch", "check size")
	}

	var records [][]byte
	err = walkFields(container, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		records = append(records, v)
		return n, nil
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeBatch", "parse container")
	}
	return records, nil
}
