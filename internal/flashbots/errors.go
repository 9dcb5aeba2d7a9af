package flashbots

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Class separates failures worth a fallback from failures that will repeat.
type Class int

const (
	// ClassNetwork: timeout, refused connection, DNS, relay overloaded.
	ClassNetwork Class = iota + 1
	// ClassSemantic: malformed bundle, simulation failure, relay said no.
	ClassSemantic
)

func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassSemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// RelayError is every error the relay client returns.
type RelayError struct {
	Relay   string
	Method  string
	Class   Class
	Status  int // HTTP status, 0 when no response
	Code    int // JSON-RPC error code
	Message string
	Err     error
}

func (e *RelayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Relay, e.Method, e.Class)
	if e.Status != 0 {
		fmt.Fprintf(&b, " http %d", e.Status)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " code %d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *RelayError) Unwrap() error { return e.Err }

// ClassOf returns the class of err; plain network errors that never went
// through the client are classified the same way.
func ClassOf(err error) Class {
	if err == nil {
		return 0
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re.Class
	}
	return classifyTransport(err)
}

func IsNetwork(err error) bool { return err != nil && ClassOf(err) == ClassNetwork }

func IsSemantic(err error) bool { return err != nil && ClassOf(err) == ClassSemantic }

func classifyTransport(err error) Class {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassNetwork
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ClassNetwork
	case errors.As(err, &dnsErr), errors.As(err, &netErr):
		return ClassNetwork
	}
	s := strings.ToLower(err.Error())
	for _, frag := range []string{"dial tcp", "lookup ", "connection refused", "timeout", "eof", "no such host"} {
		if strings.Contains(s, frag) {
			return ClassNetwork
		}
	}
	return ClassSemantic
}

func classifyStatus(status int) Class {
	switch {
	case status == 408, status == 425, status == 429, status >= 500:
		return ClassNetwork
	default:
		return ClassSemantic
	}
}

// classifyRPC: a JSON-RPC error is semantic unless it is a rate limit or
// arrives on an overloaded-status response.
func classifyRPC(status, code int, msg string) Class {
	if classifyStatus(status) == ClassNetwork && status != 0 {
		return ClassNetwork
	}
	low := strings.ToLower(msg)
	if code == -32005 || strings.Contains(low, "rate limit") || strings.Contains(low, "too many requests") {
		return ClassNetwork
	}
	return ClassSemantic
}
