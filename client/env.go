package client

import (
	"net/http"
	"net/url"
	"strings"
)

// buildEnvironment constructs the CGI-like environment map described in
// spec.md section 4.1, in the order its construction rules are listed:
// request line, host-header split, per-header HTTP_ mapping, then
// caller-supplied meta-variables, which win on key collision.
func buildEnvironment(method, requestURI string, header http.Header, meta map[string]string) (map[string]string, error) {
	u, err := url.Parse(requestURI)
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		"REQUEST_METHOD": method,
		"PATH_INFO":      u.Path,
		"QUERY_STRING":   u.RawQuery,
		"SCRIPT_NAME":    "",
		"REMOTE_ADDR":    "0.0.0.0",
		"SERVER_ADDR":    "0.0.0.0",
	}

	if host := header.Get("Host"); host != "" {
		if idx := strings.Index(host, ":"); idx >= 0 {
			env["SERVER_NAME"] = host[:idx]
			env["SERVER_PORT"] = host[idx+1:]
		}
	}

	for key, values := range header {
		cgiKey := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if cgiKey != "CONTENT_TYPE" && cgiKey != "CONTENT_LENGTH" {
			cgiKey = "HTTP_" + cgiKey
		}
		env[cgiKey] = strings.Join(values, ", ")
	}

	for k, v := range meta {
		env[k] = v
	}

	return env, nil
}

// foldHeaders turns the response's string-valued header map into an
// http.Header, splitting any value containing embedded newlines into
// multiple occurrences of the same header key, per spec.md section 4.1.
func foldHeaders(raw map[string]string) http.Header {
	h := make(http.Header, len(raw))
	for k, v := range raw {
		for _, line := range strings.Split(v, "\n") {
			h.Add(k, line)
		}
	}
	return h
}
