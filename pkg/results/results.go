// Package results parses RPGUnit result documents.
package results

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is the outcome of a test case. Higher values are worse.
type Status int

const (
	StatusPassed Status = iota
	StatusFailed
	StatusErrored
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Worst returns the worse of two statuses.
func Worst(a, b Status) Status {
	if b > a {
		return b
	}

	return a
}

// Message is one failure or error detail.
type Message struct {
	Line *int   `json:"line,omitempty"`
	Text string `json:"text"`
}

// TestCaseResult is one testcase element of a result document.
type TestCaseResult struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Duration   time.Duration `json:"duration"`
	Assertions int           `json:"assertions"`
	Messages   []Message     `json:"messages,omitempty"`
}

type document struct {
	XMLName   xml.Name
	Suites    []suiteElement `xml:"testsuite"`
	TestCases []caseElement  `xml:"testcase"`
}

type suiteElement struct {
	Name      string         `xml:"name,attr"`
	Suites    []suiteElement `xml:"testsuite"`
	TestCases []caseElement  `xml:"testcase"`
}

type caseElement struct {
	Name       string          `xml:"name,attr"`
	Time       string          `xml:"time,attr"`
	Assertions string          `xml:"assertions,attr"`
	Failures   []detailElement `xml:"failure"`
	Errors     []detailElement `xml:"error"`
}

type detailElement struct {
	Type    string `xml:"type,attr"`
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

// Parse reads a result document with a testsuite or testsuites root and
// returns its test cases in document order. Member sources report line
// numbers with two implied decimals, so streamOriented must be false for them.
func Parse(r io.Reader, streamOriented bool) ([]*TestCaseResult, error) {
	var doc document

	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing result document: %w", err)
	}

	switch doc.XMLName.Local {
	case "testsuite", "testsuites":
	default:
		return nil, fmt.Errorf("unexpected result document root %q", doc.XMLName.Local)
	}

	elements := append([]caseElement(nil), doc.TestCases...)
	for _, s := range doc.Suites {
		elements = append(elements, s.flatten()...)
	}

	results := make([]*TestCaseResult, 0, len(elements))
	for _, el := range elements {
		results = append(results, el.result(streamOriented))
	}

	return results, nil
}

func (s suiteElement) flatten() []caseElement {
	cases := append([]caseElement(nil), s.TestCases...)
	for _, nested := range s.Suites {
		cases = append(cases, nested.flatten()...)
	}

	return cases
}

func (c caseElement) result(streamOriented bool) *TestCaseResult {
	res := &TestCaseResult{
		Name:   strings.ToUpper(strings.TrimSpace(c.Name)),
		Status: StatusPassed,
	}

	if ms, err := strconv.ParseFloat(strings.TrimSpace(c.Time), 64); err == nil {
		res.Duration = time.Duration(ms * float64(time.Millisecond))
	}

	if n, err := strconv.Atoi(strings.TrimSpace(c.Assertions)); err == nil {
		res.Assertions = n
	}

	if len(c.Failures) > 0 {
		res.Status = StatusFailed
	}

	if len(c.Errors) > 0 {
		res.Status = StatusErrored
	}

	for _, d := range c.Failures {
		res.Messages = append(res.Messages, d.message(streamOriented))
	}

	for _, d := range c.Errors {
		res.Messages = append(res.Messages, d.message(streamOriented))
	}

	return res
}

var lineToken = regexp.MustCompile(`:(\d+)\)`)

func (d detailElement) message(streamOriented bool) Message {
	body := strings.TrimSpace(d.Body)

	text := strings.TrimSpace(d.Message)
	if text == "" {
		text = body
	}

	if d.Type != "" {
		text = d.Type + ": " + text
	}

	msg := Message{Text: text}

	raw, ok := firstLine(body)
	if !ok {
		raw, ok = firstLine(d.Message)
	}

	if ok {
		line := int(math.Floor(NormalizeLine(raw, streamOriented)))
		msg.Line = &line
	}

	return msg
}

func firstLine(s string) (int, bool) {
	m := lineToken.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}

	return n, true
}

// NormalizeLine converts a reported line to a source line. Members report
// sequence numbers with two implied decimals.
func NormalizeLine(raw int, streamOriented bool) float64 {
	if streamOriented {
		return float64(raw)
	}

	return float64(raw) / 100
}
