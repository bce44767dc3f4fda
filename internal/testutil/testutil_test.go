package testutil

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/TradeBridge/internal/shopapi"
	"github.com/BTreeMap/TradeBridge/internal/signature"
)

func TestSignedCallbackVerifies(t *testing.T) {
	body := SignedCallback(t, "secret", "1", "Steve",
		CallbackItem{ID: "42", Name: "VIP", Result: true, Commands: [][]string{{"lp user %player% parent add vip", ""}}},
		CallbackItem{ID: "43", Result: false},
	)

	if !signature.NewValidator("secret").Valid(body) {
		t.Fatalf("signed callback should verify: %s", body)
	}
	if signature.NewValidator("other").Valid(body) {
		t.Error("signed callback should not verify with a different secret")
	}

	p, err := shopapi.ParseCallback(body)
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if p.Buyer != "Steve" || len(p.Records) != 2 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if !p.Records[0].Succeeded || p.Records[1].Succeeded {
		t.Errorf("result flags not preserved: %+v", p.Records)
	}
	if len(p.Records[0].Commands) != 1 {
		t.Errorf("expected one command, got %v", p.Records[0].Commands)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v", mockT.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{"valid JSON with matching status", `{"status":"ok","result":"test"}`, "ok", false},
		{"valid JSON with different status", `{"status":"error","message":"test"}`, "ok", true},
		{"invalid JSON", `{"status":}`, "ok", true},
		{"missing status field", `{"result":"test"}`, "ok", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			var response map[string]interface{}
			func() {
				// Fatalf on the mock panics to stop the helper.
				defer func() {
					if r := recover(); r != nil && !tt.shouldFail {
						t.Errorf("Unexpected panic: %v", r)
					}
				}()
				response = AssertJSONResponse(mockT, rr, tt.expectedStatus)
			}()

			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("Expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     interface{}
		wantBody string
	}{
		{"no body", "GET", nil, ""},
		{"raw bytes", "POST", []byte(`{"hash":"x"}`), `{"hash":"x"}`},
		{"marshaled struct", "POST", map[string]string{"buyer": "Steve"}, `{"buyer":"Steve"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateHTTPRequest(t, tt.method, "/callback", tt.body)
			if req.Method != tt.method {
				t.Errorf("Expected method %s, got %s", tt.method, req.Method)
			}
			if req.URL.Path != "/callback" {
				t.Errorf("Expected path /callback, got %s", req.URL.Path)
			}
			got, _ := io.ReadAll(req.Body)
			if string(got) != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var target map[string]interface{}
	MustUnmarshalJSON(t, MustMarshalJSON(t, map[string]int{"number": 123}), &target)
	if target["number"].(float64) != 123 {
		t.Errorf("Expected number to be 123, got %v", target["number"])
	}
}

// mockTestingT records failures instead of failing the real test.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
	panic("test failed")
}
