package transform

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// Encode serializes payload in the given format and returns the body with its
// content type. An empty format means JSON.
func Encode(format model.Format, payload any) ([]byte, string, error) {
	switch format {
	case "", model.FormatJSON:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return b, "application/json", nil
	case model.FormatYAML:
		b, err := yaml.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encode yaml: %w", err)
		}
		return b, "application/yaml", nil
	case model.FormatXML:
		b, err := encodeXML(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encode xml: %w", err)
		}
		return b, "application/xml", nil
	case model.FormatForm:
		values := url.Values{}
		flatten(values, "", payload)
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported format %q", model.ErrConfiguration, format)
	}
}

func encodeXML(payload any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := writeXML(enc, element("payload"), payload); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func element(name string) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: name}}
}

// field names a map entry <key>, or <entry key="..."> when the key is not a
// valid element name.
func field(key string) xml.StartElement {
	if validXMLName(key) {
		return element(key)
	}
	start := element("entry")
	start.Attr = []xml.Attr{{Name: xml.Name{Local: "key"}, Value: key}}
	return start
}

func validXMLName(s string) bool {
	if s == "" || strings.HasPrefix(strings.ToLower(s), "xml") {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (r == '-' || r == '.' || unicode.IsDigit(r)):
		default:
			return false
		}
	}
	return true
}

func writeXML(enc *xml.Encoder, start xml.StartElement, v any) error {
	switch t := v.(type) {
	case map[string]any:
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		for _, k := range sortedKeys(t) {
			if err := writeXML(enc, field(k), t[k]); err != nil {
				return err
			}
		}
		return enc.EncodeToken(start.End())
	case []any:
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		for _, item := range t {
			if err := writeXML(enc, element("item"), item); err != nil {
				return err
			}
		}
		return enc.EncodeToken(start.End())
	case nil:
		return enc.EncodeElement("", start)
	default:
		return enc.EncodeElement(fmt.Sprint(t), start)
	}
}

// flatten writes nested objects as dot-separated keys: user.id=1.
func flatten(values url.Values, prefix string, v any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			flatten(values, join(k), t[k])
		}
	case []any:
		for i, item := range t {
			flatten(values, join(strconv.Itoa(i)), item)
		}
	case nil:
		if prefix != "" {
			values.Add(prefix, "")
		}
	default:
		if prefix == "" {
			prefix = "value"
		}
		values.Add(prefix, fmt.Sprint(t))
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
