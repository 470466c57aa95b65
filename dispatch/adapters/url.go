package adapters

import "strings"

// versionSegments are the path fragments that mean "this base URL already
// carries its own API version, don't append v1/" (§4.3.2).
var versionSegments = []string{"/v1", "/v2", "/v3", "/api/v"}

// stripVerbatim implements the trailing-`#` escape hatch shared by every
// adapter's buildUrl (§4.3.2, §9): a base URL ending in `#` is taken
// verbatim, with the `#` dropped and nothing else appended unless an
// endpoint is explicitly requested, in which case it is joined with a
// single `/`.
func stripVerbatim(baseURL string) (trimmed string, verbatim bool) {
	if strings.HasSuffix(baseURL, "#") {
		return strings.TrimSuffix(baseURL, "#"), true
	}
	return baseURL, false
}

func joinVerbatim(base, endpoint string) string {
	if endpoint == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}

func hasVersionSegment(s string) bool {
	for _, seg := range versionSegments {
		if strings.Contains(s, seg) {
			return true
		}
	}
	return false
}

func ensureTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

// buildOpenAICompatibleURL implements the OpenAI-compatible buildUrl rule:
// ensure trailing `/`, append `v1/` unless the path already carries a
// version segment, default endpoint `chat/completions` (§4.3.2, §8.9).
func buildOpenAICompatibleURL(baseURL, endpoint string) string {
	if trimmed, verbatim := stripVerbatim(baseURL); verbatim {
		return joinVerbatim(trimmed, endpoint)
	}
	base := ensureTrailingSlash(baseURL)
	if !hasVersionSegment(base) {
		base += "v1/"
	}
	if endpoint == "" {
		endpoint = "chat/completions"
	}
	return base + strings.TrimPrefix(endpoint, "/")
}

// buildVersionedURL implements the shared "append `<version>/` unless
// present, then the endpoint" rule used by Claude (v1) and Gemini
// (v1beta).
func buildVersionedURL(baseURL, version, defaultEndpoint, endpoint string) string {
	if trimmed, verbatim := stripVerbatim(baseURL); verbatim {
		ep := endpoint
		if ep == "" {
			ep = defaultEndpoint
		}
		return joinVerbatim(trimmed, ep)
	}
	base := ensureTrailingSlash(baseURL)
	versionSeg := version + "/"
	if !strings.Contains(base, "/"+version) && !strings.HasSuffix(base, versionSeg) {
		base += versionSeg
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return base + strings.TrimPrefix(endpoint, "/")
}
