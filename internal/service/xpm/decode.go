package xpm

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

// maxXMLDepth bounds element nesting in scraped XML bodies.
const maxXMLDepth = 64

// DecodeInvoices normalizes a Practice Manager invoice body. JSON is tried
// first; anything else is scanned as XML. Plain JSON lists are filtered by
// window when it is bounded. Malformed XML yields the records read so far.
func DecodeInvoices(body []byte, window DateRange) ([]xero.InvoiceRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []xero.InvoiceRecord{}, nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err == nil {
		return decodeJSON(doc, window), nil
	}

	if trimmed[0] != '<' {
		return []xero.InvoiceRecord{}, nil
	}
	return decodeXML(trimmed), nil
}

func decodeJSON(doc any, window DateRange) []xero.InvoiceRecord {
	switch v := doc.(type) {
	case []any:
		out := make([]xero.InvoiceRecord, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if window.Bounded() && !inWindow(obj, window) {
				continue
			}
			out = append(out, recordFromJSON(obj))
		}
		return out
	case map[string]any:
		list := findInvoiceList(v)
		out := make([]xero.InvoiceRecord, 0, len(list))
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, recordFromJSON(obj))
			}
		}
		return out
	default:
		return []xero.InvoiceRecord{}
	}
}

func findInvoiceList(obj map[string]any) []any {
	for _, key := range []string{"invoices", "Invoices"} {
		if list, ok := obj[key].([]any); ok {
			return list
		}
	}
	for _, key := range []string{"Response", "response"} {
		if inner, ok := obj[key].(map[string]any); ok {
			return findInvoiceList(inner)
		}
	}
	return nil
}

// jsonField lists, in precedence order, the lower-cased source keys for one
// record field. The first key present with a scalar value wins.
type jsonField struct {
	keys   []string
	target func(*xero.InvoiceRecord) **string
}

var jsonFields = []jsonField{
	{[]string{"id", "invoiceid", "uuid"}, func(r *xero.InvoiceRecord) **string { return &r.ID }},
	{[]string{"internalid"}, func(r *xero.InvoiceRecord) **string { return &r.InternalID }},
	{[]string{"type"}, func(r *xero.InvoiceRecord) **string { return &r.Type }},
	{[]string{"description"}, func(r *xero.InvoiceRecord) **string { return &r.Description }},
	{[]string{"jobtext"}, func(r *xero.InvoiceRecord) **string { return &r.JobText }},
	{dateKeys[:2], func(r *xero.InvoiceRecord) **string { return &r.Date }},
	{[]string{"duedate"}, func(r *xero.InvoiceRecord) **string { return &r.DueDate }},
	{[]string{"amount"}, func(r *xero.InvoiceRecord) **string { return &r.Amount }},
	{[]string{"amounttax"}, func(r *xero.InvoiceRecord) **string { return &r.AmountTax }},
	{[]string{"amountincludingtax"}, func(r *xero.InvoiceRecord) **string { return &r.AmountIncludingTax }},
	{[]string{"amountpaid"}, func(r *xero.InvoiceRecord) **string { return &r.AmountPaid }},
	{[]string{"amountoutstanding"}, func(r *xero.InvoiceRecord) **string { return &r.AmountOutstanding }},
	{[]string{"status"}, func(r *xero.InvoiceRecord) **string { return &r.Status }},
	{[]string{"clientname"}, func(r *xero.InvoiceRecord) **string { return &r.ClientName }},
}

// lowerKeys indexes obj by lower-cased key. Keys differing only in case
// resolve to the one that sorts first.
func lowerKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		lower := strings.ToLower(key)
		if _, ok := out[lower]; !ok {
			out[lower] = obj[key]
		}
	}
	return out
}

func recordFromJSON(obj map[string]any) xero.InvoiceRecord {
	var rec xero.InvoiceRecord
	fields := lowerKeys(obj)
	for _, f := range jsonFields {
		for _, key := range f.keys {
			if v := scalar(fields[key]); v != nil {
				*f.target(&rec) = v
				break
			}
		}
	}
	if rec.ClientName == nil {
		if client, ok := fields["client"].(map[string]any); ok {
			rec.ClientName = scalar(lowerKeys(client)["name"])
		}
	}
	return rec
}

func scalar(v any) *string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case json.Number:
		s = val.String()
	case bool:
		if val {
			s = "true"
		} else {
			s = "false"
		}
	default:
		return nil
	}
	return &s
}

// dateKeys are checked in order, case-insensitively, to find the date used by
// the range filter. The first two also fill the record's Date.
var dateKeys = []string{"invoiceddate", "date", "createddate"}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	isoDate,
}

func inWindow(obj map[string]any, window DateRange) bool {
	fields := lowerKeys(obj)
	for _, key := range dateKeys {
		raw, ok := fields[key].(string)
		if !ok || raw == "" {
			continue
		}
		t, ok := parseDate(raw)
		if !ok {
			return false
		}
		return window.Contains(t)
	}
	return false
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// xmlFields maps direct children of <Invoice> to record fields.
var xmlFields = map[string]func(*xero.InvoiceRecord) **string{
	"ID":                 func(r *xero.InvoiceRecord) **string { return &r.ID },
	"InternalID":         func(r *xero.InvoiceRecord) **string { return &r.InternalID },
	"Type":               func(r *xero.InvoiceRecord) **string { return &r.Type },
	"Description":        func(r *xero.InvoiceRecord) **string { return &r.Description },
	"JobText":            func(r *xero.InvoiceRecord) **string { return &r.JobText },
	"Date":               func(r *xero.InvoiceRecord) **string { return &r.Date },
	"DueDate":            func(r *xero.InvoiceRecord) **string { return &r.DueDate },
	"Amount":             func(r *xero.InvoiceRecord) **string { return &r.Amount },
	"AmountTax":          func(r *xero.InvoiceRecord) **string { return &r.AmountTax },
	"AmountIncludingTax": func(r *xero.InvoiceRecord) **string { return &r.AmountIncludingTax },
	"AmountPaid":         func(r *xero.InvoiceRecord) **string { return &r.AmountPaid },
	"AmountOutstanding":  func(r *xero.InvoiceRecord) **string { return &r.AmountOutstanding },
	"Status":             func(r *xero.InvoiceRecord) **string { return &r.Status },
}

// decodeXML streams the body and emits one record per <Invoice> element. A
// captured field takes the text content of its whole subtree.
func decodeXML(body []byte) []xero.InvoiceRecord {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel

	records := []xero.InvoiceRecord{}
	var (
		path    []string // element names below the current <Invoice>
		depth   int
		inv     *xero.InvoiceRecord
		invAt   int
		text    strings.Builder
		capture int // len(path) of the field being captured, 0 when none
	)

	for {
		tok, err := dec.Token()
		if err != nil {
			// io.EOF or a syntax error: keep the invoices closed so far.
			return records
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth > maxXMLDepth {
				return records
			}
			if inv == nil {
				if t.Name.Local == "Invoice" {
					inv = &xero.InvoiceRecord{}
					invAt = depth
					path = path[:0]
				}
				continue
			}
			path = append(path, t.Name.Local)
			if capture == 0 && isCaptured(path) {
				capture = len(path)
				text.Reset()
			}

		case xml.CharData:
			if capture > 0 {
				text.Write(t)
			}

		case xml.EndElement:
			if inv != nil {
				if depth == invAt {
					records = append(records, *inv)
					inv = nil
				} else if len(path) > 0 {
					if capture == len(path) {
						assignXML(inv, path, text.String())
						capture = 0
					}
					path = path[:len(path)-1]
				}
			}
			depth--
		}
	}
}

func isCaptured(path []string) bool {
	switch len(path) {
	case 1:
		_, ok := xmlFields[path[0]]
		return ok
	case 2:
		return path[0] == "Client" && path[1] == "Name"
	default:
		return false
	}
}

func assignXML(rec *xero.InvoiceRecord, path []string, raw string) {
	value := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	var target **string
	if len(path) == 2 {
		target = &rec.ClientName
	} else {
		target = xmlFields[path[0]](rec)
	}
	if *target == nil {
		*target = &value
	}
}
