package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCodeAcrossChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("start agent: %w", Wrap(CodeRuntimeFailure, cause, "启动失败"))

	require.Equal(t, CodeRuntimeFailure, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, New(CodeRuntimeFailure, ""))
	assert.NotErrorIs(t, err, New(CodeBusy, ""))
	assert.True(t, RetryableError(err))
}

func TestDefaultMessageAndOverrides(t *testing.T) {
	err := New(CodeExhaustedRange, "", WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("range", "5005-5010"))

	assert.Equal(t, "port range exhausted", err.Message())
	assert.False(t, err.ShouldAlert())
	assert.Equal(t, SeverityInfo, err.Severity())
	assert.Equal(t, map[string]string{"range": "5005-5010"}, err.Metadata())
	assert.Equal(t, "[EXHAUSTED_RANGE] port range exhausted", err.Error())
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:                  http.StatusNotFound,
		CodeAlreadyExists:             http.StatusConflict,
		CodeBusy:                      http.StatusConflict,
		CodeAgentNotRunning:           http.StatusConflict,
		CodeTransferTargetUnavailable: http.StatusConflict,
		CodeStartupTimeout:            http.StatusRequestTimeout,
		CodeStorageFailure:            http.StatusInternalServerError,
		Code("SOMETHING_ELSE"):        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
	assert.Equal(t, http.StatusInternalServerError, StatusOf(stdErrors.New("plain")))
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOT_REGISTERED"))
	assert.Equal(t, AttributesOf(CodeUnknown), attr)

	Register(Code("CUSTOM"), Attributes{Message: "custom", Severity: SeverityInfo})
	assert.Equal(t, "custom", New(Code("CUSTOM"), "").Message())
}
