package polyrisk

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
	"github.com/krolaw/zipstream"
	"github.com/xi2/xz"
)

// MaybeOpenFromGoogleStorage opens a gs://bucket/object path with client and
// returns a reader over its decompressed contents. Any other path, or a nil
// client, is opened from the local filesystem.
func MaybeOpenFromGoogleStorage(ctx context.Context, path string, client *storage.Client) (io.ReadCloser, error) {
	if client == nil || !strings.HasPrefix(path, "gs://") {
		return OpenMaybeCompressed(path)
	}

	// Detect the bucket and the path to the actual file
	pathParts := strings.SplitN(strings.TrimPrefix(path, "gs://"), "/", 2)
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] == "" {
		return nil, fmt.Errorf("%s: expected gs://bucket/object", path)
	}

	rdr, err := client.Bucket(pathParts[0]).Object(pathParts[1]).NewReader(ctx)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	rc, err := MaybeDecompressReadCloser(rdr)
	if err != nil {
		rdr.Close()
		return nil, err
	}

	return &sourceBackedReadCloser{ReadCloser: rc, source: rdr}, nil
}

// MaybeDecompressReadCloser sniffs the compression of a stream that cannot be
// rewound. Closing the result does not close r.
func MaybeDecompressReadCloser(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)

	head, err := br.Peek(6)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, pfx.Err(err)
	}
	dt, err := DetectDataType(bytes.NewReader(head))
	if err != nil {
		return nil, pfx.Err(err)
	}

	switch dt {
	case DataTypeGzip:
		return gzip.NewReader(br)
	case DataTypeZip:
		return &readCloserFaker{zipstream.NewReader(br)}, nil
	case DataTypeBZip2:
		return &readCloserFaker{bzip2.NewReader(br)}, nil
	case DataTypeXZ:
		reader, err := xz.NewReader(br, 0)
		if err != nil {
			return nil, pfx.Err(err)
		}
		return &readCloserFaker{reader}, nil
	case DataTypeZ:
		return zlib.NewReader(br)
	}

	return &readCloserFaker{br}, nil
}

type sourceBackedReadCloser struct {
	io.ReadCloser
	source io.Closer
}

func (c *sourceBackedReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if serr := c.source.Close(); err == nil {
		err = serr
	}
	return err
}
