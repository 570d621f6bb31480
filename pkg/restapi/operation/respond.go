/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/restapi/messages"
)

func writeInboxRequestReadFailure(rw http.ResponseWriter, path string, errBodyRead error) {
	var tooLarge *http.MaxBytesError
	if errors.As(errBodyRead, &tooLarge) {
		logger.Infof(messages.InboxRequestBodyTooLarge, path, tooLarge.Limit)

		writeResponse(rw, http.StatusRequestEntityTooLarge,
			fmt.Sprintf(messages.InboxRequestBodyTooLarge, path, tooLarge.Limit))

		return
	}

	logger.Infof(messages.InboxFailReadRequestBody, path, errBodyRead)

	writeResponse(rw, http.StatusBadRequest, fmt.Sprintf(messages.InboxFailReadRequestBody, path, errBodyRead))
}

func writeInvalidActivity(rw http.ResponseWriter, path string, errInvalid error, receivedData []byte) {
	logger.Infof(messages.InvalidActivity, path, errInvalid)
	logger.Debugf(messages.DebugLogEventWithReceivedData,
		fmt.Sprintf(messages.InvalidActivity, path, errInvalid), receivedData)

	writeResponse(rw, http.StatusBadRequest, fmt.Sprintf(messages.InvalidActivity, path, errInvalid))
}

func writeMalformedSignature(rw http.ResponseWriter, path, reason string) {
	logger.Infof(messages.MalformedSignature, path, reason)

	writeResponse(rw, http.StatusBadRequest, fmt.Sprintf(messages.MalformedSignature, path, reason))
}

func writeUnverifiedSignature(rw http.ResponseWriter, path, reason string) {
	logger.Infof(messages.UnverifiedSignature, path, reason)

	writeResponse(rw, http.StatusUnauthorized, fmt.Sprintf(messages.UnverifiedSignature, path, reason))
}

func writeActorMismatch(rw http.ResponseWriter, activityID, path, keyID, actor string) {
	logger.Warnf(messages.ActorMismatch, activityID, path, keyID, actor)

	writeResponse(rw, http.StatusUnauthorized, messages.ErrActorMismatch.Error())
}

func writeInboxDispatchFailure(rw http.ResponseWriter, activityID, path string, errDispatch error) {
	logger.Errorf(messages.InboxDispatchFailure, activityID, path, errDispatch)

	writeResponse(rw, http.StatusInternalServerError,
		fmt.Sprintf(messages.InboxDispatchFailure, activityID, path, errDispatch))
}

func writeInboxAccepted(rw http.ResponseWriter, activityID, path string) {
	logger.Debugf(messages.InboxAccepted, activityID, path)

	rw.WriteHeader(http.StatusAccepted)
}

func writeActorDispatchFailure(rw http.ResponseWriter, identifier string, errDispatch error) {
	logger.Errorf(messages.ActorDispatchFailure, identifier, errDispatch)

	writeResponse(rw, http.StatusInternalServerError,
		fmt.Sprintf(messages.ActorDispatchFailure, identifier, errDispatch))
}

func writeObjectDispatchFailure(rw http.ResponseWriter, route string, errDispatch error) {
	logger.Errorf(messages.ObjectDispatchFailure, route, errDispatch)

	writeResponse(rw, http.StatusInternalServerError, fmt.Sprintf(messages.ObjectDispatchFailure, route, errDispatch))
}

func writeDocument(rw http.ResponseWriter, route string, doc activity.Document) {
	documentBytes, err := json.Marshal(doc)
	if err != nil {
		logger.Errorf(messages.FailToMarshalDocument, route, err)

		writeResponse(rw, http.StatusInternalServerError, fmt.Sprintf(messages.FailToMarshalDocument, route, err))

		return
	}

	rw.Header().Set("Content-Type", activity.ContentType)
	rw.Header().Set("Vary", "Accept")

	_, errWrite := rw.Write(documentBytes)
	if errWrite != nil {
		logger.Errorf("Serving "+route+"."+messages.FailWriteResponse, errWrite)
	}
}

func writeNotFound(rw http.ResponseWriter, path string) {
	logger.Debugf(messages.DebugLogEvent, "no route for "+path)

	writeResponse(rw, http.StatusNotFound, http.StatusText(http.StatusNotFound))
}

func writeMethodNotAllowed(rw http.ResponseWriter, method, allow string) {
	logger.Debugf(messages.DebugLogEvent, "method "+method+" is not allowed")

	rw.Header().Set("Allow", allow)

	writeResponse(rw, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
}

func writeErrorWithStatus(rw http.ResponseWriter, statusCode int, err error) {
	logger.Debugf(messages.DebugLogEvent, err.Error())

	writeResponse(rw, statusCode, err.Error())
}

func writeResponse(rw http.ResponseWriter, statusCode int, body string) {
	rw.WriteHeader(statusCode)

	_, errWrite := rw.Write([]byte(body))
	if errWrite != nil {
		logger.Errorf(messages.FailWriteResponse, errWrite)
	}
}
