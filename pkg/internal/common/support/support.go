/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package support

import "net/http"

// HTTPHandler binds a path template and method to a handler func.
type HTTPHandler struct {
	path        string
	method      string
	handlerFunc http.HandlerFunc
}

// NewHTTPHandler returns an instance of HTTPHandler which can be used to handle http requests.
func NewHTTPHandler(path, method string, handle http.HandlerFunc) *HTTPHandler {
	return &HTTPHandler{path: path, method: method, handlerFunc: handle}
}

// Path returns the route template of the handler.
func (h *HTTPHandler) Path() string {
	return h.path
}

// Method returns the http method of the handler.
func (h *HTTPHandler) Method() string {
	return h.method
}

// Handle returns the http.HandlerFunc.
func (h *HTTPHandler) Handle() http.HandlerFunc {
	return h.handlerFunc
}
