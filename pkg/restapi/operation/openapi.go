/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operation

// genericError model
//
// swagger:response genericError
type genericError struct { // nolint: unused,deadcode
	// in: body
	ErrMsg string
}

// inboxReq model
//
// swagger:parameters inboxReq
type inboxReq struct { // nolint: unused,deadcode
	// in: path
	// required: true
	Identifier string `json:"identifier"`
	// in: header
	// required: true
	Signature string `json:"Signature"`
	// in: body
	Activity map[string]interface{}
}

// sharedInboxReq model
//
// swagger:parameters sharedInboxReq
type sharedInboxReq struct { // nolint: unused,deadcode
	// in: header
	// required: true
	Signature string `json:"Signature"`
	// in: body
	Activity map[string]interface{}
}

// emptyRes model
//
// swagger:response emptyRes
type emptyRes struct { // nolint: unused,deadcode
}

// actorReq model
//
// swagger:parameters actorReq
type actorReq struct { // nolint: unused,deadcode
	// in: path
	// required: true
	Identifier string `json:"identifier"`
}

// documentRes model
//
// swagger:response documentRes
type documentRes struct { // nolint: unused,deadcode
	// in: body
	Document map[string]interface{}
}
