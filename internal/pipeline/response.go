package pipeline

import (
	"errors"
	"net/http"
)

// Response is an error that knows how to render itself. Authorizers
// return it for denials and challenges so the caller does not need to
// understand why the request failed.
type Response struct {
	Status   int
	Location string
	Body     string
	Err      error
}

func (r *Response) Error() string {
	if r.Err != nil {
		return http.StatusText(r.Status) + ": " + r.Err.Error()
	}

	return http.StatusText(r.Status)
}

func (r *Response) Unwrap() error {
	return r.Err
}

// ServeHTTP writes the response.
func (r *Response) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if r.Location != "" {
		w.Header().Set("Location", r.Location)
	}

	body := r.Body
	if body == "" {
		body = http.StatusText(r.Status)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(r.Status)
	_, _ = w.Write([]byte(body))
}

// Redirect returns a 303 See Other to location.
func Redirect(location string, err error) *Response {
	return &Response{Status: http.StatusSeeOther, Location: location, Err: err}
}

// Unauthorized returns a 401.
func Unauthorized(err error) *Response {
	return &Response{Status: http.StatusUnauthorized, Err: err}
}

// Forbidden returns a 403.
func Forbidden(err error) *Response {
	return &Response{Status: http.StatusForbidden, Err: err}
}

// NotFound returns a 404.
func NotFound(err error) *Response {
	return &Response{Status: http.StatusNotFound, Err: err}
}

// BadRequest returns a 400.
func BadRequest(err error) *Response {
	return &Response{Status: http.StatusBadRequest, Err: err}
}

// Internal returns a 500 with the given body.
func Internal(body string, err error) *Response {
	return &Response{Status: http.StatusInternalServerError, Body: body, Err: err}
}

// Serve renders err. A *Response anywhere in the chain is served as-is;
// anything else becomes a 500 "Internal server error".
func Serve(w http.ResponseWriter, r *http.Request, err error) {
	var resp *Response
	if !errors.As(err, &resp) {
		resp = Internal("Internal server error", err)
	}

	resp.ServeHTTP(w, r)
}
