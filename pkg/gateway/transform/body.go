package transform

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// applyBody mutates a JSON document addressed by dot paths.
func (r compiledRule) applyBody(body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return body, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("transform body: %w", err)
	}

	switch r.Op {
	case OpSet:
		setPath(doc, r.Name, parseValue(r.Value))
	case OpRemove:
		removePath(doc, r.Name)
	case OpRename:
		if v, ok := getPath(doc, r.Name); ok {
			removePath(doc, r.Name)
			setPath(doc, r.Value, v)
		}
	case OpMap:
		if r.re == nil {
			break
		}
		if v, ok := getPath(doc, r.Name); ok {
			if s, ok := v.(string); ok {
				setPath(doc, r.Name, r.re.ReplaceAllString(s, r.Value))
			}
		}
	}

	return json.Marshal(doc)
}

// parseValue interprets a rule value as JSON when possible so numbers,
// booleans and objects survive typed; anything else stays a string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func getPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func removePath(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func rewriteRequestBody(req *http.Request, fn func([]byte) ([]byte, error)) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	out, err := fn(body)
	if err != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(out))
	req.ContentLength = int64(len(out))
	req.Header.Del("Content-Length")
	return nil
}

func rewriteResponseBody(resp *http.Response, fn func([]byte) ([]byte, error)) error {
	if resp.Body == nil {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	out, err := fn(body)
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

func convertRequestBody(req *http.Request, from, to string) error {
	if !sameMediaType(req.Header.Get("Content-Type"), from) {
		return nil
	}
	err := rewriteRequestBody(req, func(body []byte) ([]byte, error) {
		return convertBody(body, from, to)
	})
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", to)
	return nil
}

func convertResponseBody(resp *http.Response, from, to string) error {
	if !sameMediaType(resp.Header.Get("Content-Type"), from) {
		return nil
	}
	err := rewriteResponseBody(resp, func(body []byte) ([]byte, error) {
		return convertBody(body, from, to)
	})
	if err != nil {
		return err
	}
	resp.Header.Set("Content-Type", to)
	return nil
}

func convertBody(body []byte, from, to string) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return body, nil
	}
	switch {
	case isJSON(from) && isXML(to):
		return jsonToXML(body)
	case isXML(from) && isJSON(to):
		return xmlToJSON(body)
	case isJSON(from) && isForm(to):
		return jsonToForm(body)
	case isForm(from) && isJSON(to):
		return formToJSON(body)
	}
	return nil, apperrors.InvalidInput("unsupported content conversion: " + from + " to " + to)
}

func sameMediaType(a, b string) bool {
	return mediaType(a) == mediaType(b)
}

func mediaType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func isJSON(ct string) bool { return mediaType(ct) == "application/json" }

func isXML(ct string) bool {
	mt := mediaType(ct)
	return mt == "application/xml" || mt == "text/xml"
}

func isForm(ct string) bool { return mediaType(ct) == "application/x-www-form-urlencoded" }

// xmlToJSON converts an XML document to JSON. Element nesting becomes object
// nesting, repeated siblings become arrays, attributes become "@name" keys
// and mixed text lands under "#text". Leaf elements with no attributes
// collapse to plain strings.
func xmlToJSON(body []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, apperrors.InvalidInput("xml document has no root element")
			}
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		val, err := decodeElement(dec, start)
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		return json.Marshal(map[string]any{start.Name.Local: val})
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	node := map[string]any{}
	for _, attr := range start.Attr {
		node["@"+attr.Name.Local] = attr.Value
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(node, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			s := strings.TrimSpace(text.String())
			if len(node) == 0 {
				return s, nil
			}
			if s != "" {
				node["#text"] = s
			}
			return node, nil
		}
	}
}

func addChild(node map[string]any, name string, child any) {
	existing, ok := node[name]
	if !ok {
		node[name] = child
		return
	}
	if arr, ok := existing.([]any); ok {
		node[name] = append(arr, child)
		return
	}
	node[name] = []any{existing, child}
}

// jsonToXML renders a JSON object as XML, inverting the xmlToJSON
// conventions. A single top-level key becomes the root element; otherwise
// the document is wrapped in <root>. Keys are emitted sorted for stable
// output.
func jsonToXML(body []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	var buf bytes.Buffer
	if len(doc) == 1 {
		for name, v := range doc {
			writeElement(&buf, name, v)
		}
	} else {
		writeElement(&buf, "root", doc)
	}
	return buf.Bytes(), nil
}

func writeElement(buf *bytes.Buffer, name string, v any) {
	switch t := v.(type) {
	case map[string]any:
		buf.WriteByte('<')
		buf.WriteString(name)
		for _, k := range sortedKeys(t) {
			if strings.HasPrefix(k, "@") {
				buf.WriteByte(' ')
				buf.WriteString(k[1:])
				buf.WriteString(`="`)
				escapeXML(buf, scalarString(t[k]))
				buf.WriteByte('"')
			}
		}
		buf.WriteByte('>')
		if txt, ok := t["#text"]; ok {
			escapeXML(buf, scalarString(txt))
		}
		for _, k := range sortedKeys(t) {
			if strings.HasPrefix(k, "@") || k == "#text" {
				continue
			}
			if arr, ok := t[k].([]any); ok {
				for _, item := range arr {
					writeElement(buf, k, item)
				}
				continue
			}
			writeElement(buf, k, t[k])
		}
		buf.WriteString("</")
		buf.WriteString(name)
		buf.WriteByte('>')
	case []any:
		for _, item := range t {
			writeElement(buf, name, item)
		}
	default:
		buf.WriteByte('<')
		buf.WriteString(name)
		buf.WriteByte('>')
		escapeXML(buf, scalarString(t))
		buf.WriteString("</")
		buf.WriteString(name)
		buf.WriteByte('>')
	}
}

func escapeXML(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}

func jsonToForm(body []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	vals := url.Values{}
	for _, k := range sortedKeys(doc) {
		switch t := doc[k].(type) {
		case []any:
			for _, item := range t {
				vals.Add(k, scalarString(item))
			}
		default:
			vals.Add(k, scalarString(t))
		}
	}
	return []byte(vals.Encode()), nil
}

func formToJSON(body []byte) ([]byte, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}

	doc := make(map[string]any, len(vals))
	for k, vs := range vals {
		if len(vs) == 1 {
			doc[k] = vs[0]
		} else {
			doc[k] = vs
		}
	}
	return json.Marshal(doc)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
