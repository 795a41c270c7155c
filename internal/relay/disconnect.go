package relay

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

var disconnectFragments = []string{
	"broken pipe",
	"connection reset",
	"write after close",
	"use of closed network connection",
	"client disconnected",
}

// IsClientGone reports whether err means the client went away rather than
// something actually failing.
func IsClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range disconnectFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
