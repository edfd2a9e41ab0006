package scraper

import (
	"context"
	"errors"
	"net"
	"testing"

	"bustracker/internal/transit"
)

func TestClassifyBusOK(t *testing.T) {
	body := []byte(`{"bustime-response":{"vehicle":[{"vid":"4654","pid":954}]}}`)
	res := ClassifyBus(transit.CmdGetVehicles, 200, body, nil)
	if res.Kind != OutcomeOK {
		t.Fatalf("kind = %v, want ok (%s)", res.Kind, res.Message)
	}
	if len(res.Payload) == 0 {
		t.Fatal("no payload")
	}
}

func TestClassifyBusPartial(t *testing.T) {
	body := []byte(`{"bustime-response":{
		"vehicle":[{"vid":"4654","rt":"126"}],
		"error":[{"rt":"137","msg":"No data found for parameter"}]}}`)
	res := ClassifyBus(transit.CmdGetVehicles, 200, body, nil)
	if res.Kind != OutcomePartial {
		t.Fatalf("kind = %v, want partial", res.Kind)
	}
	if len(res.Payload) == 0 {
		t.Fatal("partial result lost its payload")
	}
	if res.Partial.Routes["137"] != "No data found for parameter" {
		t.Fatalf("partial errors = %+v", res.Partial)
	}
	if res.Retryable() {
		t.Fatal("partial must not be retryable")
	}
}

func TestClassifyBusAllEntitiesErrored(t *testing.T) {
	body := []byte(`{"bustime-response":{
		"error":[{"rt":"N5","msg":"No service scheduled"},{"rt":"X9","msg":"No service scheduled"}]}}`)
	res := ClassifyBus(transit.CmdGetVehicles, 200, body, nil)
	if res.Kind != OutcomePartial {
		t.Fatalf("kind = %v, want partial", res.Kind)
	}
	if res.Partial.Count() != 2 {
		t.Fatalf("count = %d", res.Partial.Count())
	}
}

func TestClassifyBusRateLimited(t *testing.T) {
	res := ClassifyBus(transit.CmdGetVehicles, 429, nil, nil)
	if res.Kind != OutcomeRateLimited {
		t.Fatalf("429: kind = %v", res.Kind)
	}

	body := []byte(`{"bustime-response":{"error":[{"msg":"Transaction limit for current day has been exceeded"}]}}`)
	res = ClassifyBus(transit.CmdGetVehicles, 200, body, nil)
	if res.Kind != OutcomeRateLimited {
		t.Fatalf("transaction limit: kind = %v (%s)", res.Kind, res.Message)
	}
	if !res.Retryable() {
		t.Fatal("rate-limited must be retryable")
	}
}

func TestClassifyBusPermanent(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"http 500", 500, ""},
		{"bad json", 200, `{"bustime-`},
		{"missing envelope", 200, `{"something":{}}`},
		{"no payload field", 200, `{"bustime-response":{}}`},
		{"api error message", 200, `{"bustime-response":{"error":[{"msg":"Invalid API access key supplied"}]}}`},
	}
	for _, tc := range cases {
		res := ClassifyBus(transit.CmdGetVehicles, tc.status, []byte(tc.body), nil)
		if res.Kind != OutcomePermanent {
			t.Errorf("%s: kind = %v", tc.name, res.Kind)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransportErrors(t *testing.T) {
	cases := []error{
		timeoutErr{},
		&net.OpError{Op: "read", Err: errors.New("connection reset by peer")},
		context.DeadlineExceeded,
	}
	for _, err := range cases {
		res := ClassifyBus(transit.CmdGetVehicles, 0, nil, err)
		if res.Kind != OutcomeTransient {
			t.Errorf("%v: kind = %v", err, res.Kind)
		}
	}
}

func TestClassifyTrain(t *testing.T) {
	ok := []byte(`{"ctatt":{"tmst":"2025-01-07T18:09:32","errCd":"0","errNm":null,"route":[]}}`)
	res := ClassifyTrain(200, ok, nil)
	if res.Kind != OutcomeOK {
		t.Fatalf("ok: kind = %v (%s)", res.Kind, res.Message)
	}

	limited := []byte(`{"ctatt":{"tmst":"2025-01-07T18:09:32","errCd":"901","errNm":"Transaction limit exceeded"}}`)
	res = ClassifyTrain(200, limited, nil)
	if res.Kind != OutcomeRateLimited {
		t.Fatalf("limited: kind = %v", res.Kind)
	}

	badKey := []byte(`{"ctatt":{"tmst":"2025-01-07T18:09:32","errCd":"101","errNm":"Invalid API key"}}`)
	res = ClassifyTrain(200, badKey, nil)
	if res.Kind != OutcomePermanent {
		t.Fatalf("bad key: kind = %v", res.Kind)
	}

	res = ClassifyTrain(503, nil, nil)
	if res.Kind != OutcomePermanent {
		t.Fatalf("503: kind = %v", res.Kind)
	}
}
