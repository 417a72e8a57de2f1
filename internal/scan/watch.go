package scan

import (
	"context"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
)

// Decoder extracts a QR string from a camera frame. ok is false when the
// frame holds no readable code.
type Decoder interface {
	Decode(frame []byte) (text string, ok bool)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(frame []byte) (string, bool)

// Decode implements Decoder.
func (f DecoderFunc) Decode(frame []byte) (string, bool) {
	return f(frame)
}

// Watch consumes frames until one decodes to a parsable payload. Frames
// with no code or an unreadable payload are skipped. It returns ctx.Err()
// on cancellation and SCAN_UNREADABLE if frames is closed first, so the
// scan loop never outlives the caller.
func Watch(ctx context.Context, frames <-chan []byte, dec Decoder) (Payload, error) {
	for {
		select {
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return Payload{}, apperrors.New(apperrors.ErrScanUnreadable, "camera stream closed before a code was read")
			}
			text, ok := dec.Decode(frame)
			if !ok {
				continue
			}
			p, err := Parse(text)
			if err != nil {
				logging.Debug("Ignoring unreadable scan", map[string]interface{}{"error": err.Error()})
				continue
			}
			return p, nil
		}
	}
}
