// Package transform applies ordered mutation rules to gateway traffic:
// headers, query parameters, JSON bodies by dot path, request paths, and
// content-type conversion between JSON, XML and form encoding.
package transform

import (
	"net/http"
	"regexp"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// Direction says which side of the exchange a rule applies to.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
	DirectionBoth     Direction = "both"
)

// Kind is the part of the message a rule mutates.
type Kind string

const (
	KindHeader      Kind = "header"
	KindQueryParam  Kind = "query_param"
	KindBody        Kind = "body"
	KindPath        Kind = "path"
	KindContentType Kind = "content_type"
)

// Op is the mutation a rule performs.
type Op string

const (
	OpSet    Op = "set"
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	// OpRename moves a header/query/body field from Name to Value.
	OpRename Op = "rename"
	// OpMap rewrites the value at Name through Pattern → Value regex
	// replacement ($1 style references allowed).
	OpMap Op = "map"
)

// Rule is one declarative mutation. Name addresses a header, query parameter
// or body dot path depending on Kind; PATH rules ignore Name. CONTENT_TYPE
// rules use From/To instead of Op.
type Rule struct {
	Kind      Kind      `json:"kind"`
	Direction Direction `json:"direction"`
	Op        Op        `json:"op,omitempty"`
	Name      string    `json:"name,omitempty"`
	Value     string    `json:"value,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Chain is an ordered, pre-compiled list of rules.
type Chain struct {
	rules []compiledRule
}

// NewChain validates and compiles rules. Regex patterns compile once here so
// a bad pattern fails configuration, not traffic.
func NewChain(rules ...Rule) (*Chain, error) {
	c := &Chain{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Direction == "" {
			r.Direction = DirectionBoth
		}
		cr := compiledRule{Rule: r}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, apperrors.InvalidInput("transform pattern " + r.Pattern + ": " + err.Error())
			}
			cr.re = re
		}
		switch r.Kind {
		case KindHeader, KindBody:
		case KindQueryParam, KindPath:
			if r.Direction == DirectionResponse {
				return nil, apperrors.InvalidInput(string(r.Kind) + " rules apply to requests only")
			}
			cr.Direction = DirectionRequest
		case KindContentType:
			if r.From == "" || r.To == "" {
				return nil, apperrors.InvalidInput("content_type rule requires from and to")
			}
		default:
			return nil, apperrors.InvalidInput("unknown transform kind: " + string(r.Kind))
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// Len reports the number of rules in the chain.
func (c *Chain) Len() int { return len(c.rules) }

// ApplyRequest runs all request-direction rules against r in order.
func (c *Chain) ApplyRequest(r *http.Request) error {
	for _, rule := range c.rules {
		if rule.Direction == DirectionResponse {
			continue
		}
		if err := rule.applyRequest(r); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResponse runs all response-direction rules against resp in order.
func (c *Chain) ApplyResponse(resp *http.Response) error {
	for _, rule := range c.rules {
		if rule.Direction == DirectionRequest {
			continue
		}
		if err := rule.applyResponse(resp); err != nil {
			return err
		}
	}
	return nil
}

func (r compiledRule) applyRequest(req *http.Request) error {
	switch r.Kind {
	case KindHeader:
		r.applyHeader(req.Header)
	case KindQueryParam:
		q := req.URL.Query()
		r.applyValues(q)
		req.URL.RawQuery = q.Encode()
	case KindPath:
		switch r.Op {
		case OpSet:
			req.URL.Path = r.Value
		case OpMap:
			if r.re != nil {
				req.URL.Path = r.re.ReplaceAllString(req.URL.Path, r.Value)
			}
		}
	case KindBody:
		return rewriteRequestBody(req, func(body []byte) ([]byte, error) {
			return r.applyBody(body)
		})
	case KindContentType:
		return convertRequestBody(req, r.From, r.To)
	}
	return nil
}

func (r compiledRule) applyResponse(resp *http.Response) error {
	switch r.Kind {
	case KindHeader:
		r.applyHeader(resp.Header)
	case KindBody:
		return rewriteResponseBody(resp, func(body []byte) ([]byte, error) {
			return r.applyBody(body)
		})
	case KindContentType:
		return convertResponseBody(resp, r.From, r.To)
	}
	return nil
}

func (r compiledRule) applyHeader(h http.Header) {
	switch r.Op {
	case OpSet:
		h.Set(r.Name, r.Value)
	case OpAdd:
		h.Add(r.Name, r.Value)
	case OpRemove:
		h.Del(r.Name)
	case OpRename:
		values := h.Values(r.Name)
		if len(values) == 0 {
			return
		}
		h.Del(r.Name)
		for _, v := range values {
			h.Add(r.Value, v)
		}
	case OpMap:
		if r.re == nil {
			return
		}
		values := h.Values(r.Name)
		if len(values) == 0 {
			return
		}
		h.Del(r.Name)
		for _, v := range values {
			h.Add(r.Name, r.re.ReplaceAllString(v, r.Value))
		}
	}
}

// applyValues mirrors applyHeader for url.Values-shaped collections.
func (r compiledRule) applyValues(q map[string][]string) {
	switch r.Op {
	case OpSet:
		q[r.Name] = []string{r.Value}
	case OpAdd:
		q[r.Name] = append(q[r.Name], r.Value)
	case OpRemove:
		delete(q, r.Name)
	case OpRename:
		values, ok := q[r.Name]
		if !ok {
			return
		}
		delete(q, r.Name)
		q[r.Value] = append(q[r.Value], values...)
	case OpMap:
		if r.re == nil {
			return
		}
		values := q[r.Name]
		for i, v := range values {
			values[i] = r.re.ReplaceAllString(v, r.Value)
		}
	}
}
