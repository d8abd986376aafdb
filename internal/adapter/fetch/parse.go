package fetch

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// parseList sniffs the payload shape and parses it. Plain text is one proxy
// URL per line; JSON is an array of URL strings or of proxy objects, bare or
// under a "proxies"/"data" key. Returns the usable proxies and how many
// entries had to be dropped.
func parseList(body []byte) ([]*domain.Proxy, int) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, 0
	}
	if trimmed[0] == '[' || trimmed[0] == '{' {
		return parseJSON(trimmed)
	}
	return parseLines(trimmed)
}

func parseLines(body []byte) ([]*domain.Proxy, int) {
	var out []*domain.Proxy
	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := parseEndpoint(line)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, p)
	}
	if scanner.Err() != nil {
		skipped++
	}
	return out, skipped
}

func parseJSON(body []byte) ([]*domain.Proxy, int) {
	root := gjson.ParseBytes(body)
	arr := root
	if root.IsObject() {
		arr = gjson.Result{}
		for _, key := range []string{"proxies", "data"} {
			if v := root.Get(key); v.IsArray() {
				arr = v
				break
			}
		}
	}
	if !arr.IsArray() {
		return nil, 1
	}

	var out []*domain.Proxy
	skipped := 0
	arr.ForEach(func(_, el gjson.Result) bool {
		p, err := parseElement(el)
		if err != nil {
			skipped++
			return true
		}
		out = append(out, p)
		return true
	})
	return out, skipped
}

func parseElement(el gjson.Result) (*domain.Proxy, error) {
	if el.Type == gjson.String {
		return parseEndpoint(el.Str)
	}
	if !el.IsObject() {
		return nil, domain.NewConfigValidationError("fetch.entry", el.Type.String(), "must be a URL string or an object")
	}

	scheme := el.Get("scheme").String()
	if scheme == "" {
		scheme = el.Get("protocol").String()
	}
	if scheme == "" {
		scheme = string(domain.SchemeHTTP)
	}
	parsed, err := domain.ParseProxyScheme(scheme)
	if err != nil {
		return nil, err
	}

	host := el.Get("host").String()
	if host == "" {
		host = el.Get("ip").String()
	}
	port := int(el.Get("port").Int())

	p := domain.NewProxy(parsed, host, port,
		el.Get("username").String(), el.Get("password").String())
	if cc := el.Get("country_code").String(); cc != "" {
		p.CountryCode = cc
	} else {
		p.CountryCode = el.Get("country").String()
	}
	p.Region = el.Get("region").String()
	if tags := el.Get("tags"); tags.IsArray() {
		tags.ForEach(func(_, tag gjson.Result) bool {
			if tag.Type == gjson.String && tag.Str != "" {
				p.Tags = append(p.Tags, tag.Str)
			}
			return true
		})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// parseEndpoint accepts scheme://host:port with optional credentials; a bare
// host:port is taken as plain http.
func parseEndpoint(raw string) (*domain.Proxy, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return domain.ParseProxyURL(raw)
}
