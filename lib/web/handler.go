/*
Copyright 2024 Gatewarden Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gatewarden/gatewarden/lib/repository"
)

// handlerFunc is a request handler that returns a JSON-serializable
// value or an error.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// makeHandler returns an httprouter.Handle from a handlerFunc.
func makeHandler(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			replyError(w, err)
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// readJSON reads the request body and unmarshals it into val.
func readJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// replyError maps an error to its HTTP status.
func replyError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case trace.IsNotFound(err):
		code = http.StatusNotFound
	case trace.IsBadParameter(err):
		code = http.StatusBadRequest
	case trace.IsAccessDenied(err):
		code = http.StatusForbidden
	case repository.IsReadTimeout(err):
		code = http.StatusGatewayTimeout
	case trace.IsConnectionProblem(err):
		code = http.StatusBadGateway
	default:
		code = http.StatusInternalServerError
	}
	roundtrip.ReplyJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{"message": trace.UserMessage(err)},
	})
}
