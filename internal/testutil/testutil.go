// Package testutil provides common test utilities and helpers for TradeBridge tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/BTreeMap/TradeBridge/internal/signature"
)

// T is the subset of testing.TB used by the assertion helpers.
type T interface {
	Helper()
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// CallbackItem is one entry of a callback payload built by CallbackBody.
type CallbackItem struct {
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	Cost     int        `json:"cost,omitempty"`
	Result   bool       `json:"result"`
	Commands [][]string `json:"rcon,omitempty"`
}

type callbackBody struct {
	ShopID string         `json:"shop_id"`
	Buyer  string         `json:"buyer"`
	Items  []CallbackItem `json:"items"`
}

// CallbackBody returns an unsigned callback payload.
func CallbackBody(t T, shopID, buyer string, items ...CallbackItem) []byte {
	t.Helper()
	return MustMarshalJSON(t, callbackBody{ShopID: shopID, Buyer: buyer, Items: items})
}

// SignedCallback returns a callback payload signed with secret.
func SignedCallback(t T, secret, shopID, buyer string, items ...CallbackItem) []byte {
	t.Helper()
	body, err := signature.Sign(CallbackBody(t, shopID, buyer, items...), secret)
	if err != nil {
		t.Fatalf("failed to sign callback body: %v", err)
	}
	return body
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
// A []byte body is sent as-is.
func CreateHTTPRequest(t T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case []byte:
		reqBody = bytes.NewBuffer(b)
	default:
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, b))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
