package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
)

// Classify maps a transport failure onto the error taxonomy. AppErrors pass
// through unchanged; timeouts become TIMEOUT, connection failures become
// NETWORK_UNAVAILABLE and anything else is REMOTE_REJECTED.
func Classify(op Operation, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	msg := fmt.Sprintf("%s failed", op)

	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrTimeout, msg, err)
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperrors.Wrap(apperrors.ErrTimeout, msg, err)
		}
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, msg, err)
	}

	switch {
	case stderrors.Is(err, driver.ErrBadConn),
		stderrors.Is(err, sql.ErrConnDone),
		stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, syscall.ECONNREFUSED),
		stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.EPIPE):
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, msg, err)
	}

	return apperrors.Wrap(apperrors.ErrRemoteRejected, msg, err)
}

// ClassifyStatus maps a write's HTTP status onto the taxonomy. 2xx is
// success. 408, 429 and 5xx are transient; any other status, 404 included,
// is a rejection.
func ClassifyStatus(op Operation, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout:
		return apperrors.Newf(apperrors.ErrTimeout, "%s: remote timed out (%d)", op, status)
	case status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Newf(apperrors.ErrNetworkUnavailable, "%s: remote unavailable (%d)", op, status)
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return apperrors.Newf(apperrors.ErrRemoteRejected, "%s: rejected with %d: %s", op, status, body)
}
