package errors

import "net/http"

var httpStatus = map[Code]int{
	CodeInvalidArgument:           http.StatusBadRequest,
	CodeUnauthorized:              http.StatusUnauthorized,
	CodeNotFound:                  http.StatusNotFound,
	CodeAlreadyExists:             http.StatusConflict,
	CodeInvalidState:              http.StatusConflict,
	CodeBusy:                      http.StatusConflict,
	CodeExhaustedRange:            http.StatusConflict,
	CodeAgentNotRunning:           http.StatusConflict,
	CodeTransferTargetUnavailable: http.StatusConflict,
	CodeProcessCrashed:            http.StatusConflict,
	CodeStartupTimeout:            http.StatusRequestTimeout,
	CodeRateLimited:               http.StatusTooManyRequests,
	CodeRuntimeFailure:            http.StatusBadGateway,
	CodeInitializationFailure:     http.StatusServiceUnavailable,
	CodeTimeout:                   http.StatusGatewayTimeout,
}

// HTTPStatus 返回错误码对应的 HTTP 状态码，未登记的错误码按 500 处理。
func HTTPStatus(code Code) int {
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// StatusOf 返回任意 error 对应的 HTTP 状态码。
func StatusOf(err error) int {
	return HTTPStatus(CodeOf(err))
}
