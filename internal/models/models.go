// Package models defines the data shared across TradeBridge modules: purchase
// records, pending deliveries and the operator API envelope.
package models

// APIStatus is the status field of an operator API response.
type APIStatus string

const (
	APIStatusOK       APIStatus = "ok"
	APIStatusError    APIStatus = "error"
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse wraps every JSON body the operator API returns.
type APIResponse struct {
	Status  APIStatus   `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps result in an "ok" envelope.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// Error reports a failed request.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

// Accepted reports work handed off for asynchronous processing.
func Accepted(message string) APIResponse {
	return APIResponse{Status: APIStatusAccepted, Message: message}
}
