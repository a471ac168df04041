package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	base := New("connection refused")
	err := WithContext(WithContext(base, "dial peer"), "start session")

	assert.Equal(t, "start session: dial peer: connection refused", err.Error())
	assert.Equal(t, base, RootCause(err))
}

func TestRootCauseWithoutContext(t *testing.T) {
	err := New("plain")
	assert.Equal(t, err, RootCause(err))
}

func TestGetPrintableMessage(t *testing.T) {
	friendly := NewFriendlyError("The daemon at %q is unreachable.", "peer:9045")
	wrapped := WithContext(friendly, "connect")

	assert.Equal(t, `The daemon at "peer:9045" is unreachable.`, GetPrintableMessage(wrapped))
	assert.Equal(t, "connect: plain", GetPrintableMessage(WithContext(New("plain"), "connect")))
}

func TestTypedErrors(t *testing.T) {
	assert.Equal(t, `invalid path "/a": leading or trailing slash`,
		InvalidPath{Path: "/a", Reason: "leading or trailing slash"}.Error())
	assert.Equal(t, `update path "b" does not match node path "a"`,
		PathMismatch{NodePath: "a", UpdatePath: "b"}.Error())
	assert.Equal(t, "no task found for remote-reader",
		NoSuchTask{Name: "remote-reader"}.Error())
	assert.Equal(t, "protocol violation: expected hello",
		ProtocolViolation{Reason: "expected hello"}.Error())
}
