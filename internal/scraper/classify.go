package scraper

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"bustracker/internal/transit"
)

// Outcome kinds, in rough order of severity.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomePartial
	OutcomeTransient
	OutcomePermanent
	OutcomeRateLimited
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomePartial:
		return "partial"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeRateLimited:
		return "rate-limited"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// PartialErrors holds the per-entity error list of a partial response, keyed
// by the entity the upstream blamed.
type PartialErrors struct {
	Routes map[string]string
	Stops  map[string]string
	Other  []string
}

func (p *PartialErrors) empty() bool {
	return p == nil || (len(p.Routes) == 0 && len(p.Stops) == 0 && len(p.Other) == 0)
}

// Count returns the number of per-entity errors.
func (p *PartialErrors) Count() int {
	if p == nil {
		return 0
	}
	return len(p.Routes) + len(p.Stops) + len(p.Other)
}

// Result is a classified upstream response. Payload is the inner field for
// the command (nil unless Kind is OK or Partial).
type Result struct {
	Kind    OutcomeKind
	Payload json.RawMessage
	Partial *PartialErrors
	Message string
}

func (r Result) Retryable() bool {
	return r.Kind == OutcomeTransient || r.Kind == OutcomeRateLimited
}

// classifyMessage maps an upstream error string to its outcome. Entity-less
// messages other than the daily transaction limit ("Invalid API access key",
// "internal server error", and the like) are permanent.
func classifyMessage(msg string) OutcomeKind {
	if strings.Contains(strings.ToLower(msg), "transaction limit") {
		return OutcomeRateLimited
	}
	return OutcomePermanent
}

// classifyTransportErr covers failures before any body arrived: timeouts,
// connection resets, refused connections. All are retried after a rest.
func classifyTransportErr(err error) Result {
	return Result{Kind: OutcomeTransient, Message: err.Error()}
}

// ClassifyBus classifies one bus-time API response. transportErr is any
// error from the HTTP round trip itself; status and body are ignored when
// it is set.
func ClassifyBus(command string, status int, body []byte, transportErr error) Result {
	if transportErr != nil {
		return classifyTransportErr(transportErr)
	}
	if status == http.StatusTooManyRequests {
		return Result{Kind: OutcomeRateLimited, Message: "http 429"}
	}
	if status != http.StatusOK {
		return Result{Kind: OutcomePermanent, Message: fmt.Sprintf("http %d", status)}
	}

	var env transit.BusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{Kind: OutcomePermanent, Message: fmt.Sprintf("malformed json: %v", err)}
	}
	if env.BustimeResponse == nil {
		return Result{Kind: OutcomePermanent, Message: "missing bustime-response envelope"}
	}

	partial := parseBusErrors(env.BustimeResponse["error"])

	key := transit.ResponseKey[command]
	payload := env.BustimeResponse[key]
	hasPayload := len(payload) > 0 && string(payload) != "null"

	if hasPayload {
		if partial.empty() {
			return Result{Kind: OutcomeOK, Payload: payload}
		}
		return Result{Kind: OutcomePartial, Payload: payload, Partial: partial}
	}

	// No payload: decide from the error list alone.
	if partial.empty() {
		return Result{Kind: OutcomePermanent, Message: fmt.Sprintf("no %q field in response", key)}
	}
	if len(partial.Routes) > 0 || len(partial.Stops) > 0 {
		// Every error is blamed on a specific entity; downstream pauses
		// those entities rather than retrying the whole request.
		return Result{Kind: OutcomePartial, Partial: partial}
	}
	worst := OutcomePermanent
	for _, msg := range partial.Other {
		if classifyMessage(msg) == OutcomeRateLimited {
			worst = OutcomeRateLimited
			break
		}
	}
	return Result{Kind: worst, Message: strings.Join(partial.Other, "; ")}
}

func parseBusErrors(raw json.RawMessage) *PartialErrors {
	out := &PartialErrors{}
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}
	var list []transit.BusError
	if err := json.Unmarshal(raw, &list); err != nil {
		// Single-object form.
		var one transit.BusError
		if err := json.Unmarshal(raw, &one); err != nil {
			return out
		}
		list = []transit.BusError{one}
	}
	for _, e := range list {
		switch {
		case e.Route != "":
			if out.Routes == nil {
				out.Routes = map[string]string{}
			}
			out.Routes[e.Route] = e.Msg
		case e.StopID != "":
			if out.Stops == nil {
				out.Stops = map[string]string{}
			}
			out.Stops[e.StopID] = e.Msg
		default:
			out.Other = append(out.Other, e.Msg)
		}
	}
	return out
}

// ClassifyTrain classifies one train-tracker API response. The train API
// signals errors through errCd inside the ctatt payload rather than the
// HTTP status.
func ClassifyTrain(status int, body []byte, transportErr error) Result {
	if transportErr != nil {
		return classifyTransportErr(transportErr)
	}
	if status == http.StatusTooManyRequests {
		return Result{Kind: OutcomeRateLimited, Message: "http 429"}
	}
	if status != http.StatusOK {
		return Result{Kind: OutcomePermanent, Message: fmt.Sprintf("http %d", status)}
	}

	var env transit.TrainEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{Kind: OutcomePermanent, Message: fmt.Sprintf("malformed json: %v", err)}
	}
	if len(env.Ctatt) == 0 {
		return Result{Kind: OutcomePermanent, Message: "missing ctatt envelope"}
	}
	var hdr transit.TrainHeader
	if err := json.Unmarshal(env.Ctatt, &hdr); err != nil {
		return Result{Kind: OutcomePermanent, Message: fmt.Sprintf("malformed ctatt: %v", err)}
	}
	if hdr.ErrCode != "0" {
		kind := classifyMessage(hdr.ErrName)
		return Result{Kind: kind, Message: fmt.Sprintf("errCd %s: %s", hdr.ErrCode, hdr.ErrName)}
	}
	return Result{Kind: OutcomeOK, Payload: env.Ctatt}
}
