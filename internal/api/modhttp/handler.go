// Package modhttp dispatches HTTP requests on dynamic module routes:
// /<module>/... and /@ns/<module>/... paths are resolved against the
// route registry and proxied to a module instance over IPC.
package modhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/core"
	"github.com/pylonhq/pylon/internal/correlator"
	"github.com/pylonhq/pylon/internal/ipc"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/registry"
)

const maxBodyBytes = 32 << 20

// Plane is the slice of the module plane the dispatcher drives.
type Plane interface {
	Invoke(ctx context.Context, req core.InvokeRequest) correlator.Result
	LookupRoute(module, method, path string) (registry.RouteEntry, bool)
	InvokeTimeout() time.Duration
	UploadTimeout() time.Duration
}

// Handler proxies dynamic routes. Install it as the mux fallback; the
// fixed surfaces register more specific patterns and win.
type Handler struct {
	Plane Plane
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	module, subpath, ok := splitModulePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	entry, ok := h.Plane.LookupRoute(module, r.Method, subpath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ident := auth.IdentityFrom(r.Context())
	if entry.RequiresAuth && ident == nil {
		// Routes behind auth are indistinguishable from absent ones.
		http.NotFound(w, r)
		return
	}

	body, timeout, err := h.readBody(r)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	invokeBody := ipc.HTTPInvokeBody{
		Query:   flatten(r.URL.Query()),
		Params:  routeParams(entry.Path, subpath),
		Headers: flattenHeader(r.Header),
		Body:    body,
	}
	if ident != nil {
		if raw, err := json.Marshal(ident); err == nil {
			invokeBody.User = raw
		}
	}
	payload, err := json.Marshal(invokeBody)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	shardKey := r.Header.Get("X-Shard-Key")
	if ident != nil {
		shardKey = ident.UserID
	}

	res := h.Plane.Invoke(r.Context(), core.InvokeRequest{
		Kind:      correlator.KindHTTP,
		Module:    module,
		HandlerID: entry.HandlerID,
		Payload:   payload,
		ShardKey:  shardKey,
		Timeout:   timeout,
	})
	writeResult(w, module, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, module string, res correlator.Result) {
	switch {
	case errors.Is(res.Err, core.ErrNoInstance):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "Module service unavailable",
			"module": module,
		})
		return
	case errors.Is(res.Err, correlator.ErrTimeout):
		http.Error(w, "module timed out", http.StatusGatewayTimeout)
		return
	case res.Err != nil:
		logging.Module(module, "").Warn("invoke failed", "error", res.Err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if len(res.Payload) > 0 {
		_, _ = w.Write(res.Payload)
	}
}

// readBody consumes the request body into a JSON value and picks the
// invoke deadline. Multipart uploads get the longer deadline and are
// passed through as text fields plus base64 file parts.
func (h *Handler) readBody(r *http.Request) (json.RawMessage, time.Duration, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		body, err := multipartBody(r)
		return body, h.Plane.UploadTimeout(), err
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	if len(raw) == 0 {
		return nil, h.Plane.InvokeTimeout(), nil
	}
	if json.Valid(raw) {
		return raw, h.Plane.InvokeTimeout(), nil
	}
	// Non-JSON bodies are forwarded as a JSON string.
	quoted, err := json.Marshal(string(raw))
	return quoted, h.Plane.InvokeTimeout(), err
}

func multipartBody(r *http.Request) (json.RawMessage, error) {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	for k, vs := range r.MultipartForm.Value {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	for k, fhs := range r.MultipartForm.File {
		if len(fhs) == 0 {
			continue
		}
		f, err := fhs[0].Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(f, maxBodyBytes))
		f.Close()
		if err != nil {
			return nil, err
		}
		fields[k] = map[string]any{
			"filename": fhs[0].Filename,
			"size":     fhs[0].Size,
			"data":     data, // base64 via encoding/json
		}
	}
	return json.Marshal(fields)
}

// splitModulePath separates the module prefix from the module-local
// subpath. A leading @ns segment binds to the following segment.
func splitModulePath(path string) (module, subpath string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	segs := strings.SplitN(trimmed, "/", 3)
	if strings.HasPrefix(segs[0], "@") {
		if len(segs) < 2 || segs[1] == "" {
			return "", "", false
		}
		module = segs[0] + "/" + segs[1]
		if len(segs) == 3 {
			subpath = "/" + segs[2]
		} else {
			subpath = "/"
		}
		return module, subpath, true
	}
	module = segs[0]
	if len(segs) >= 2 {
		subpath = "/" + strings.Join(segs[1:], "/")
	} else {
		subpath = "/"
	}
	return module, subpath, true
}

// routeParams exposes the unmatched tail of a prefix route as a
// wildcard param.
func routeParams(registered, path string) map[string]string {
	params := make(map[string]string)
	if registered != path && strings.HasPrefix(path, registered) {
		params["wildcard"] = strings.TrimPrefix(strings.TrimPrefix(path, registered), "/")
	}
	return params
}

func flatten(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}
