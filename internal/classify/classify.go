// Package classify maps raw reservation-endpoint response codes to retry
// decisions. The table below is the single source of truth for backoff
// policy; adding a server code is a data change, not a control-flow change.
package classify

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Raw response codes. CodeNetworkError is synthesized by the transport
// client when the request never produced a server response.
const (
	CodeOK             = 0
	CodeNotOpen        = 75637
	CodeRateLimited    = 702
	CodeRateLimitedAlt = -702
	CodeNetworkError   = -1
	CodeRiskControl    = -352
	CodeThrottled      = 429
	CodeSoldOut        = 75638
	CodeTooFrequent    = -509
)

type Kind int

const (
	// Success is terminal: the slot was reserved.
	Success Kind = iota
	// RetryAfter retries after a category-specific pause.
	RetryAfter
	// RetryImmediate retries after the small fixed network backoff.
	RetryImmediate
	// Fatal is terminal: no further attempts.
	Fatal
)

// ReasonCeiling marks the locally-generated fatal outcome, distinct from a
// server-declared one so callers can tell "the server said no" from
// "we gave up".
const ReasonCeiling = "retry ceiling exceeded"

// Outcome is the classifier's decision for one transport call. It is
// produced once per attempt and never persisted.
type Outcome struct {
	Kind   Kind
	Delay  time.Duration
	Reason string
	Code   int

	// Informational outcomes (risk control, not-open) are surfaced to the
	// status sink as state updates, not errors.
	Informational bool
}

func (o Outcome) Terminal() bool        { return o.Kind == Success || o.Kind == Fatal }
func (o Outcome) CeilingExceeded() bool { return o.Kind == Fatal && o.Reason == ReasonCeiling }

// Delays carries the per-category retry pauses. Values come from
// configuration; the zero value is not usable, call DefaultDelays.
type Delays struct {
	Normal      time.Duration
	RateLimit   time.Duration
	NotOpen     time.Duration
	RiskControl time.Duration
	Throttled   time.Duration
	TooFrequent time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Normal:      250 * time.Millisecond,
		RateLimit:   500 * time.Millisecond,
		NotOpen:     time.Second,
		RiskControl: 180 * time.Second,
		Throttled:   500 * time.Millisecond,
		TooFrequent: 100 * time.Millisecond,
	}
}

type category int

const (
	catSuccess category = iota
	catNotOpen
	catRateLimit
	catNetwork
	catRiskControl
	catThrottled
	catSoldOut
	catTooFrequent
)

// codeTable is immutable and loaded once. Codes absent from the table fall
// through to cautious default retrying rather than being treated as fatal.
var codeTable = map[int]category{
	CodeOK:             catSuccess,
	CodeNotOpen:        catNotOpen,
	CodeRateLimited:    catRateLimit,
	CodeRateLimitedAlt: catRateLimit,
	CodeNetworkError:   catNetwork,
	CodeRiskControl:    catRiskControl,
	CodeThrottled:      catThrottled,
	CodeSoldOut:        catSoldOut,
	CodeTooFrequent:    catTooFrequent,
}

type Classifier struct {
	delays     Delays
	maxRetries int
	log        *logrus.Entry
}

// New builds a classifier. maxRetries is the per-task retry ceiling; log may
// be nil.
func New(delays Delays, maxRetries int, log *logrus.Entry) *Classifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Classifier{delays: delays, maxRetries: maxRetries, log: log}
}

// Classify maps a raw code to an outcome using the code table only.
func (c *Classifier) Classify(code int, message string) Outcome {
	cat, known := codeTable[code]
	if !known {
		c.log.WithFields(logrus.Fields{"code": code, "message": message}).
			Warn("unknown response code, retrying with default interval")
		return Outcome{Kind: RetryAfter, Delay: c.delays.Normal, Code: code, Reason: message}
	}

	switch cat {
	case catSuccess:
		return Outcome{Kind: Success, Code: code}
	case catNotOpen:
		return Outcome{Kind: RetryAfter, Delay: c.delays.NotOpen, Code: code,
			Reason: "not open yet", Informational: true}
	case catRateLimit:
		return Outcome{Kind: RetryAfter, Delay: c.delays.RateLimit, Code: code, Reason: "rate limited"}
	case catNetwork:
		return Outcome{Kind: RetryImmediate, Delay: c.delays.Normal, Code: code, Reason: message}
	case catRiskControl:
		return Outcome{Kind: RetryAfter, Delay: c.delays.RiskControl, Code: code,
			Reason: "risk control triggered", Informational: true}
	case catThrottled:
		return Outcome{Kind: RetryAfter, Delay: c.delays.Throttled, Code: code, Reason: "throttled"}
	case catSoldOut:
		return Outcome{Kind: Fatal, Code: code, Reason: "sold out"}
	default:
		return Outcome{Kind: RetryAfter, Delay: c.delays.TooFrequent, Code: code, Reason: "operation too frequent"}
	}
}

// Decide applies the retry ceiling on top of Classify. attempt is the number
// of attempts already made for the task; once it reaches the ceiling the
// decision is Fatal regardless of the code-derived outcome.
func (c *Classifier) Decide(code int, message string, attempt int) Outcome {
	if attempt >= c.maxRetries {
		return Outcome{Kind: Fatal, Code: code, Reason: ReasonCeiling}
	}
	return c.Classify(code, message)
}
