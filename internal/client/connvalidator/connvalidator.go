// Package connvalidator checks that the server is reachable, compatible and accepts our credentials.
package connvalidator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-version"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

// MinServerVersion is the oldest server release that speaks the chunking and poll protocol.
const MinServerVersion = "5.0"

type Status int

const (
	Undefined Status = iota
	Connected
	NotConfigured
	ServerVersionMismatch
	CredentialsWrong
	StatusNotFound
	UserCanceledCredentials
	Timeout
)

func (s Status) String() string {
	switch s {
	case Undefined:
		return "Undefined"
	case Connected:
		return "Connected"
	case NotConfigured:
		return "NotConfigured"
	case ServerVersionMismatch:
		return "Server Version Mismatch"
	case CredentialsWrong:
		return "Credentials Wrong"
	case StatusNotFound:
		return "Status not found"
	case UserCanceledCredentials:
		return "User canceled credentials"
	case Timeout:
		return "Timeout"
	default:
		return "status undeclared"
	}
}

// Result is the single outcome of a validator.
type Result struct {
	Status Status
	Errors []string
	Server *davsdk.ServerStatus
}

// Validator runs one connection check. It reports exactly one Result;
// once it has, every further check is a no-op.
type Validator struct {
	account    *davsdk.Account
	minVersion *version.Version

	mu       sync.Mutex
	errors   []string
	server   *davsdk.ServerStatus
	reported bool
	result   Result
	done     chan struct{}
}

func New(account *davsdk.Account) *Validator {
	return &Validator{
		account:    account,
		minVersion: version.Must(version.NewVersion(MinServerVersion)),
		done:       make(chan struct{}),
	}
}

// Done is closed once the validator reported its result.
func (v *Validator) Done() <-chan struct{} {
	return v.done
}

// Result returns the reported result and whether there is one yet.
func (v *Validator) Result() (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result, v.reported
}

// CheckServerAndAuth looks for status.php and then checks authentication.
// When the credentials are not ready yet they are fetched and ok is false:
// no result is reported and the caller starts a new validator once the
// credentials signal they were fetched.
func (v *Validator) CheckServerAndAuth(ctx context.Context) (res Result, ok bool) {
	if v.finished() {
		return Result{}, false
	}
	if v.account == nil {
		v.addError("No SwissDisk account configured")
		return v.report(NotConfigured), true
	}

	status, reply := v.account.CheckServer(ctx)
	if reply.Err != nil {
		v.addError(fmt.Sprintf("Unable to connect to %s", v.account.URL()))
		if reply.Outcome == davsdk.OutcomeTimeout {
			v.addError("timeout")
			return v.report(Timeout), true
		}
		v.addError(reply.ErrorString())
		return v.report(StatusNotFound), true
	}

	slog.Debug("server found", "url", v.account.URL().String(), "version", status.VersionString)
	v.mu.Lock()
	v.server = status
	v.mu.Unlock()

	if status.Version != "" {
		serverVersion, err := version.NewVersion(status.Version)
		if err != nil || serverVersion.LessThan(v.minVersion) {
			v.addError(fmt.Sprintf("The configured server for this client is too old. Please update to the latest server (%s or newer, found %q)", MinServerVersion, status.Version))
			return v.report(ServerVersionMismatch), true
		}
	}

	creds := v.account.Credentials()
	if creds == nil {
		v.addError("No credentials configured")
		return v.report(UserCanceledCredentials), true
	}
	if !creds.Ready() {
		// a new check starts once the credentials were fetched
		creds.Fetch(ctx)
		return Result{}, false
	}

	return v.CheckAuthentication(ctx)
}

// CheckAuthentication runs a PROPFIND on the WebDAV root, which fails with wrong credentials.
func (v *Validator) CheckAuthentication(ctx context.Context) (Result, bool) {
	if v.finished() {
		return Result{}, false
	}

	creds := v.account.Credentials()
	if creds == nil || !creds.Ready() {
		return v.report(UserCanceledCredentials), true
	}

	_, reply := v.account.Propfind(ctx, "", []string{"getlastmodified"})
	switch {
	case reply.Err == nil:
		v.mu.Lock()
		v.errors = nil
		v.mu.Unlock()
		return v.report(Connected), true
	case reply.Outcome == davsdk.OutcomeCredentialsWrong:
		slog.Debug("authentication failed", "status", reply.StatusCode, "error", reply.Err)
		v.addError("The provided credentials are not correct")
		return v.report(CredentialsWrong), true
	default:
		v.addError(reply.ErrorString())
		return v.report(Timeout), true
	}
}

func (v *Validator) finished() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reported {
		slog.Debug("connection validator already reported", "status", v.result.Status)
	}
	return v.reported
}

func (v *Validator) addError(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errors = append(v.errors, msg)
}

func (v *Validator) report(status Status) Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reported {
		return v.result
	}
	v.reported = true
	v.result = Result{
		Status: status,
		Errors: append([]string(nil), v.errors...),
		Server: v.server,
	}
	close(v.done)

	slog.Info("connection result", "status", status.String(), "errors", v.result.Errors)
	return v.result
}
