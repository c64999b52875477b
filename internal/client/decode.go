package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding the proxy cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content-encoding")

// DecodeBody wraps body so that reads yield identity-encoded bytes for the
// given Content-Encoding value. Chained encodings ("gzip, br") are undone
// last-applied first. An empty encoding or an empty body returns body
// unchanged.
// Closing the result closes every decoder and then body.
func DecodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	if strings.TrimSpace(contentEncoding) == "" {
		return body, nil
	}

	// An empty stream has nothing to decode; gzip and zlib would fail
	// reading their header.
	br := bufio.NewReader(body)
	if _, err := br.Peek(1); errors.Is(err, io.EOF) {
		return body, nil
	}

	d := &decodedBody{Reader: br, closers: []func() error{body.Close}}
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		if err := d.push(coding); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) push(coding string) error {
	switch coding {
	case "", "identity":
		return nil
	case "br":
		d.Reader = brotli.NewReader(d.Reader)
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(d.Reader)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		d.Reader = gr
		d.closers = append(d.closers, gr.Close)
	case "zstd":
		zr, err := zstd.NewReader(d.Reader)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		rc := zr.IOReadCloser()
		d.Reader = rc
		d.closers = append(d.closers, rc.Close)
	case "deflate":
		// RFC 9110 deflate is zlib-wrapped, but raw DEFLATE is common too.
		br := bufio.NewReader(d.Reader)
		if isZlibHeader(br) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return fmt.Errorf("deflate: %w", err)
			}
			d.Reader = zr
			d.closers = append(d.closers, zr.Close)
			return nil
		}
		fr := flate.NewReader(br)
		d.Reader = fr
		d.closers = append(d.closers, fr.Close)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
	return nil
}

// isZlibHeader peeks the two-byte zlib header (CM=8, FCHECK valid).
func isZlibHeader(br *bufio.Reader) bool {
	h, err := br.Peek(2)
	if err != nil {
		return false
	}
	return h[0]&0x0f == 8 && (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}

// Close closes decoders innermost-first, then the underlying body.
func (d *decodedBody) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
