package domain

type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) WithMessage(msg string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: msg,
	}
}

var (
	ErrNotConnected = &AppError{
		Code:    "NOT_CONNECTED",
		Message: "Socket is not connected",
	}

	ErrConnectionFailed = &AppError{
		Code:    "CONNECTION_FAILED",
		Message: "Connection failed",
	}

	ErrReconnectExhausted = &AppError{
		Code:    "RECONNECT_EXHAUSTED",
		Message: "Reconnect attempts exhausted",
	}

	ErrMissingOrderID = &AppError{
		Code:    "MISSING_ORDER_ID",
		Message: "Order chat requires an order id",
	}

	ErrMissingRoomID = &AppError{
		Code:    "MISSING_ROOM_ID",
		Message: "No resolved room id for the current chat",
	}

	ErrMissingSessionID = &AppError{
		Code:    "MISSING_SESSION_ID",
		Message: "No resolved session id for the current chat",
	}

	ErrNoActiveSession = &AppError{
		Code:    "NO_ACTIVE_SESSION",
		Message: "No chat session is active",
	}

	ErrAckTimeout = &AppError{
		Code:    "ACK_TIMEOUT",
		Message: "Server did not acknowledge in time",
	}

	ErrInvalidToken = &AppError{
		Code:    "TOKEN_INVALID",
		Message: "Token is invalid",
	}

	ErrNotFound = &AppError{
		Code:    "NOT_FOUND",
		Message: "Not found",
	}
)
