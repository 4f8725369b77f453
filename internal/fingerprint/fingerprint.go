// Package fingerprint derives the (tenant, exact_key, semantic_query) triple
// that every other tier keys off of. exact_key is a BLAKE3 digest over a
// canonicalized view of the chat request; semantic_query is the normalized
// user-turn text fed to the embedder and the L3 verifier.
package fingerprint

import (
	"sort"
	"strconv"
	"strings"

	"github.com/reflexcache/reflex/internal/reflexerr"
	"lukechampine.com/blake3"
)

// Message is one chat turn. Role is one of "system", "user", "assistant".
type Message struct {
	Role    string
	Content string
}

// DecodingParams holds the subset of sampling parameters that influence
// output and therefore participate in the exact key. Anything not listed
// here is outside the allow-list and is ignored, per spec.
type DecodingParams struct {
	Temperature      float64
	TopP             float64
	MaxTokens        int
	PresencePenalty  float64
	FrequencyPenalty float64
	Stop             []string
}

// Request is the subset of an inbound chat-completion request the
// fingerprint cares about. The gateway is responsible for extracting this
// from the wire request; everything else (headers, request id, etc.) is
// outside the allow-list.
type Request struct {
	Tenant   string
	Model    string
	Messages []Message
	Params   DecodingParams
}

// Fingerprint is the derived identity of a request.
type Fingerprint struct {
	Tenant        string
	ExactKey      [32]byte
	SemanticQuery string
}

// Derive canonicalizes req and computes its fingerprint. An empty
// semantic_query after normalization is reported as reflexerr.EmptyQuery;
// callers must treat that as a hard miss, never as a panic or zero-value.
func Derive(req Request) (Fingerprint, error) {
	semanticQuery := buildSemanticQuery(req.Messages)
	if semanticQuery == "" {
		return Fingerprint{}, reflexerr.New(reflexerr.EmptyQuery, "fingerprint.Derive", nil)
	}

	digest := blake3.Sum256(canonicalBytes(req))
	return Fingerprint{
		Tenant:        req.Tenant,
		ExactKey:      digest,
		SemanticQuery: semanticQuery,
	}, nil
}

// canonicalBytes builds the deterministic byte image fed to BLAKE3: model
// name, messages in order, then the allow-listed decoding params. Field
// separators are control bytes that cannot appear in the inputs themselves,
// avoiding ambiguity between e.g. "ab"+"c" and "a"+"bc".
func canonicalBytes(req Request) []byte {
	const fieldSep = 0x1f
	const recordSep = 0x1e

	var b strings.Builder
	b.WriteString(req.Model)
	b.WriteByte(recordSep)

	for _, m := range req.Messages {
		b.WriteString(m.Role)
		b.WriteByte(fieldSep)
		b.WriteString(m.Content)
		b.WriteByte(recordSep)
	}

	b.WriteString(strconv.FormatFloat(req.Params.Temperature, 'g', -1, 64))
	b.WriteByte(fieldSep)
	b.WriteString(strconv.FormatFloat(req.Params.TopP, 'g', -1, 64))
	b.WriteByte(fieldSep)
	b.WriteString(strconv.Itoa(req.Params.MaxTokens))
	b.WriteByte(fieldSep)
	b.WriteString(strconv.FormatFloat(req.Params.PresencePenalty, 'g', -1, 64))
	b.WriteByte(fieldSep)
	b.WriteString(strconv.FormatFloat(req.Params.FrequencyPenalty, 'g', -1, 64))
	b.WriteByte(fieldSep)

	stops := append([]string(nil), req.Params.Stop...)
	sort.Strings(stops)
	for _, s := range stops {
		b.WriteString(s)
		b.WriteByte(fieldSep)
	}

	return []byte(b.String())
}

// buildSemanticQuery concatenates user turns in order, excluding system and
// assistant turns, trims whitespace and collapses internal whitespace runs.
func buildSemanticQuery(messages []Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if t := strings.TrimSpace(m.Content); t != "" {
			parts = append(parts, t)
		}
	}
	joined := strings.Join(parts, " ")
	return collapseWhitespace(strings.TrimSpace(joined))
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

