package davsdk

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io/fs"
	"net"
	"net/http"
)

// Outcome is what a finished request means for the item that issued it.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAccepted
	OutcomeCredentialsWrong
	OutcomeUserCanceledCredentials
	OutcomeNormalError
	OutcomeSoftError
	OutcomeTimeout
	OutcomeFatalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeCredentialsWrong:
		return "credentials wrong"
	case OutcomeUserCanceledCredentials:
		return "user canceled credentials"
	case OutcomeNormalError:
		return "normal error"
	case OutcomeSoftError:
		return "soft error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFatalError:
		return "fatal error"
	default:
		return "unknown"
	}
}

// IsSuccess is true for a completed and for an accepted request.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSuccess || o == OutcomeAccepted
}

// Classify maps a transport error and HTTP status to an Outcome. It is pure.
func Classify(err error, statusCode int) Outcome {
	if err != nil {
		if o, ok := classifyError(err); ok {
			return o
		}
	}

	switch {
	case statusCode == http.StatusAccepted:
		return OutcomeAccepted
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return OutcomeCredentialsWrong
	case statusCode == http.StatusInsufficientStorage:
		return OutcomeFatalError
	case statusCode >= 200 && statusCode < 300 && err == nil:
		return OutcomeSuccess
	default:
		// 412, 5xx, unfollowed 3xx, other 4xx, network and malformed replies
		return OutcomeNormalError
	}
}

func classifyError(err error) (Outcome, bool) {
	if errors.Is(err, ErrUserCanceledCredentials) {
		return OutcomeUserCanceledCredentials, true
	}
	if errors.Is(err, ErrLocalFileChanged) || errors.Is(err, fs.ErrNotExist) {
		return OutcomeSoftError, true
	}
	if errors.Is(err, ErrJobTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout, true
	}
	if isCertificateError(err) {
		return OutcomeFatalError, true
	}
	return OutcomeNormalError, false
}

func isCertificateError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
		hostnameErr x509.HostnameError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostnameErr)
}
