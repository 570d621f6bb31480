/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package restapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trustbloc/apfed/pkg/restapi/operation"
)

// New returns new controller instance.
func New(config *operation.Config) (*Controller, error) {
	svc, err := operation.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create federation operations: %w", err)
	}

	return &Controller{svc: svc, handlers: svc.GetRESTHandlers()}, nil
}

// Controller contains handlers for controller
type Controller struct {
	svc      *operation.Operation
	handlers []operation.Handler
}

// GetOperations returns all controller endpoints
func (c *Controller) GetOperations() []operation.Handler {
	return c.handlers
}

// Matches reports whether the request belongs to a federation route.
func (c *Controller) Matches(req *http.Request, rm *mux.RouteMatch) bool {
	return c.svc.Matches(req, rm)
}

// ServeHTTP serves federation routes.
func (c *Controller) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	c.svc.ServeHTTP(rw, req)
}
