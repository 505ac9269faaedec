// Package httpcapture turns net/http requests into operation records.
package httpcapture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/record"
)

const (
	// AnonymousOperator is used when no identity could be resolved.
	AnonymousOperator = "anonymous"

	defaultMaxBodyBytes = 64 << 10
	redacted            = "[REDACTED]"
)

// MethodMapping maps HTTP methods onto operation verbs.
var MethodMapping = map[string]string{
	http.MethodGet:    "READ",
	http.MethodPost:   "CREATE",
	http.MethodPut:    "UPDATE",
	http.MethodPatch:  "PARTIAL_UPDATE",
	http.MethodDelete: "DELETE",
}

var defaultRedactKeys = []string{"password", "token", "secret", "api_key", "authorization"}

// Identity describes who performed a request.
type Identity struct {
	Operator  string
	UserID    string
	SubuserID string
}

// IdentityFunc resolves the caller of a request.
type IdentityFunc func(r *http.Request) Identity

// Options controls how requests are mapped.
type Options struct {
	// OperationType is used verbatim when set. Otherwise the type is the
	// mapped method verb joined with Name.
	OperationType string
	// Name identifies the handler, e.g. "orders".
	Name string
	// Target is the operation target. TargetFunc wins when both are set;
	// the request path is used when neither yields a value.
	Target     string
	TargetFunc func(r *http.Request) string
	// Details adds caller specific detail entries.
	Details  func(r *http.Request) models.Details
	Identity IdentityFunc
	// LogRequest adds query parameters, the content type and a JSON or
	// form encoded request body to the details. LogResponse adds the
	// captured response.
	LogRequest  bool
	LogResponse bool
	// MaxBodyBytes bounds captured request and response bodies.
	MaxBodyBytes int
	// RedactKeys lists detail keys whose values are replaced, matched case
	// insensitively. Nil selects a default list of credential names.
	RedactKeys []string
}

func (o Options) maxBody() int {
	if o.MaxBodyBytes > 0 {
		return o.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

// Captured holds what the wrapped handler wrote.
type Captured struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Truncated reports that Body holds only the first MaxBodyBytes.
	Truncated bool
}

// Extract maps a request and its captured response onto record parameters.
// The request body is read from reqBody rather than r.Body so the handler
// still sees the original stream.
func Extract(r *http.Request, reqBody []byte, resp Captured, opts Options) record.Params {
	id := Identity{}
	if opts.Identity != nil {
		id = opts.Identity(r)
	}
	if strings.TrimSpace(id.Operator) == "" {
		id.Operator = AnonymousOperator
	}

	target := opts.Target
	if opts.TargetFunc != nil {
		if t := opts.TargetFunc(r); t != "" {
			target = t
		}
	}
	if target == "" {
		target = r.URL.Path
	}

	redact := redactSet(opts.RedactKeys)

	details := models.NewDetails(
		"method", r.Method,
		"path", r.URL.Path,
		"user_agent", r.UserAgent(),
	)
	if opts.LogRequest {
		if q := valuesDetails(r.URL.Query(), redact); q.Len() > 0 {
			details.Set("query_params", models.Map(q))
		}
		ct := mediaType(r.Header.Get("Content-Type"))
		if ct != "" {
			details.Set("content_type", models.String(ct))
		}
		if len(reqBody) > 0 {
			details.Set("request", requestValue(ct, reqBody, redact))
		}
	}
	if opts.Details != nil {
		extra := opts.Details(r)
		extra.Range(func(key string, v models.Value) bool {
			details.Set(key, v)
			return true
		})
	}
	if opts.LogResponse {
		details.Set("response", models.Map(models.NewDetails(
			"status_code", statusOf(resp),
			"body", bodyValue(resp.Body, resp.Truncated, redact),
		)))
	}

	status := models.StatusSuccess
	if statusOf(resp) >= http.StatusBadRequest {
		status = models.StatusFailed
	}

	return record.Params{
		OperationType: OperationType(r, opts),
		Operator:      id.Operator,
		Target:        target,
		UserID:        id.UserID,
		SubuserID:     id.SubuserID,
		Details:       details,
		Status:        status,
		SourceIP:      SourceIP(r),
		RequestID:     r.Header.Get("X-Request-ID"),
	}
}

// OperationType returns the explicit type from opts or derives one from the
// request method and handler name, e.g. POST + "orders" = CREATE_ORDERS.
func OperationType(r *http.Request, opts Options) string {
	if opts.OperationType != "" {
		return opts.OperationType
	}
	method := strings.ToUpper(r.Method)
	verb, ok := MethodMapping[method]
	if !ok {
		verb = method
	}
	name := opts.Name
	if name == "" {
		name = firstSegment(r.URL.Path)
	}
	if name == "" {
		return verb
	}
	return verb + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// SourceIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func SourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Recorder accepts operations produced by the middleware.
type Recorder interface {
	LogOperation(ctx context.Context, op record.Params) (string, error)
}

// Middleware records one operation per request after the wrapped handler
// returns. Failures to record are logged and never reach the client.
func Middleware(rec Recorder, opts Options, logger zerolog.Logger) func(http.Handler) http.Handler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "httpcapture").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var reqBody []byte
			if opts.LogRequest && capturable(r.Header.Get("Content-Type")) && r.Body != nil {
				reqBody = peekBody(r, opts.maxBody())
			}

			cw := &captureWriter{ResponseWriter: w, limit: opts.maxBody(), keepBody: opts.LogResponse}
			next.ServeHTTP(cw, r)

			capture(r, reqBody, cw.captured(), opts, rec, logger)
		})
	}
}

func capture(r *http.Request, reqBody []byte, resp Captured, opts Options, rec Recorder, logger zerolog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("httpcapture: recording operation panicked")
		}
	}()

	params := Extract(r, reqBody, resp, opts)
	if _, err := rec.LogOperation(context.WithoutCancel(r.Context()), params); err != nil {
		logger.Warn().
			Err(err).
			Str("operation_type", params.OperationType).
			Str("path", r.URL.Path).
			Msg("httpcapture: failed to record operation")
	}
}

// peekBody reads up to limit bytes and puts them back in front of the
// remaining stream. Bodies larger than limit are not captured.
func peekBody(r *http.Request, limit int) []byte {
	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || len(buf) > limit {
		return nil
	}
	return buf
}

type captureWriter struct {
	http.ResponseWriter
	status    int
	limit     int
	keepBody  bool
	body      bytes.Buffer
	truncated bool
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	if c.keepBody {
		room := c.limit - c.body.Len()
		switch {
		case room >= len(p):
			c.body.Write(p)
		case room > 0:
			c.body.Write(p[:room])
			c.truncated = true
		default:
			c.truncated = true
		}
	}
	return c.ResponseWriter.Write(p)
}

func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *captureWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

func (c *captureWriter) captured() Captured {
	return Captured{
		StatusCode: c.status,
		Header:     c.Header(),
		Body:       c.body.Bytes(),
		Truncated:  c.truncated,
	}
}

func statusOf(resp Captured) int {
	if resp.StatusCode == 0 {
		return http.StatusOK
	}
	return resp.StatusCode
}

const formContentType = "application/x-www-form-urlencoded"

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func isJSON(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func capturable(contentType string) bool {
	mt := mediaType(contentType)
	return isJSON(mt) || mt == formContentType
}

func firstSegment(path string) string {
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			return seg
		}
	}
	return ""
}

// requestValue decodes a captured request body. Form bodies become a map
// shaped like query parameters.
func requestValue(mt string, body []byte, redact map[string]struct{}) models.Value {
	if mt == formContentType {
		if form, err := url.ParseQuery(string(body)); err == nil {
			return models.Map(valuesDetails(form, redact))
		}
	}
	return bodyValue(body, false, redact)
}

func valuesDetails(q url.Values, redact map[string]struct{}) models.Details {
	var d models.Details
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := q[k]
		if _, ok := redact[strings.ToLower(k)]; ok {
			d.Set(k, models.String(redacted))
			continue
		}
		if len(vals) == 1 {
			d.Set(k, models.String(vals[0]))
			continue
		}
		items := make([]models.Value, len(vals))
		for i, v := range vals {
			items[i] = models.String(v)
		}
		d.Set(k, models.List(items...))
	}
	return d
}

// bodyValue decodes a JSON body into a Value. Anything else, including a
// truncated body, is kept as a string.
func bodyValue(body []byte, truncated bool, redact map[string]struct{}) models.Value {
	if len(body) == 0 {
		return models.Null()
	}
	if !truncated {
		var v models.Value
		if err := v.UnmarshalJSON(body); err == nil {
			return redactValue(v, redact)
		}
	}
	s := string(body)
	if truncated {
		s = fmt.Sprintf("%s...(truncated)", s)
	}
	return models.String(s)
}

func redactValue(v models.Value, redact map[string]struct{}) models.Value {
	switch v.Kind() {
	case models.KindMap:
		src, _ := v.Details()
		var out models.Details
		src.Range(func(key string, item models.Value) bool {
			if _, ok := redact[strings.ToLower(key)]; ok {
				out.Set(key, models.String(redacted))
			} else {
				out.Set(key, redactValue(item, redact))
			}
			return true
		})
		return models.Map(out)
	case models.KindList:
		items, _ := v.Items()
		out := make([]models.Value, len(items))
		for i, item := range items {
			out[i] = redactValue(item, redact)
		}
		return models.List(out...)
	default:
		return v
	}
}

func redactSet(keys []string) map[string]struct{} {
	if keys == nil {
		keys = defaultRedactKeys
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[strings.ToLower(k)] = struct{}{}
	}
	return out
}
