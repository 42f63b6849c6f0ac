package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/wasm-watchdog/pkg/dispatcher"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

const (
	// OutcomeHeader names the invocation outcome on every function response
	OutcomeHeader = "X-Invocation-Outcome"

	// retryAfterSeconds is advertised when no instance is free
	retryAfterSeconds = "1"

	// DefaultMaxBodyBytes bounds a request body when none is configured
	DefaultMaxBodyBytes = 32 << 20
)

// StatusFor maps an invocation outcome to its HTTP status
func StatusFor(outcome types.Outcome) int {
	switch outcome {
	case types.OutcomeSuccess:
		return http.StatusOK
	case types.OutcomeBusy, types.OutcomeClosed:
		return http.StatusServiceUnavailable
	case types.OutcomeCreationError:
		return http.StatusBadGateway
	case types.OutcomeGPUUnavailable:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) invokeHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req := &dispatcher.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Invocation: types.Invocation{
			Body: body,
			Args: s.cfg.Args,
			Env:  s.environment(r, len(body)),
		},
	}

	resp := s.dispatcher.Handle(r.Context(), req)
	w.Header().Set(OutcomeHeader, string(resp.Outcome))

	switch resp.Outcome {
	case types.OutcomeSuccess:
		w.Header().Set("Content-Type", s.cfg.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Result.Stdout)

	case types.OutcomeFunctionError:
		if resp.Result != nil && len(resp.Result.Stdout) > 0 {
			w.Header().Set("Content-Type", s.cfg.ContentType)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write(resp.Result.Stdout)
			return
		}
		http.Error(w, resp.Err.Error(), http.StatusInternalServerError)

	case types.OutcomeBusy:
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, resp.Err.Error(), http.StatusServiceUnavailable)

	default:
		http.Error(w, resp.Err.Error(), StatusFor(resp.Outcome))
	}
}

// environment builds the CGI-style guest environment. Header names become
// Http_<Name> with dashes replaced by underscores.
func (s *Server) environment(r *http.Request, bodyLen int) []types.EnvVar {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]types.EnvVar, 0, len(names)+5)
	for _, name := range names {
		key := "Http_" + strings.ReplaceAll(name, "-", "_")
		if s.cfg.BufferHTTP && (key == "Http_Content_Length" || key == "Http_Transfer_Encoding") {
			continue
		}
		env = append(env, types.EnvVar{Name: key, Value: strings.Join(r.Header.Values(name), ",")})
	}

	if s.cfg.BufferHTTP {
		env = append(env, types.EnvVar{Name: "Http_Content_Length", Value: strconv.Itoa(bodyLen)})
	}
	env = append(env,
		types.EnvVar{Name: "Http_Method", Value: r.Method},
		types.EnvVar{Name: "Http_Path", Value: r.URL.Path},
	)
	if r.URL.RawQuery != "" {
		env = append(env, types.EnvVar{Name: "Http_Query", Value: r.URL.RawQuery})
	}
	env = append(env, types.EnvVar{Name: "PWD", Value: "/"})
	return env
}
