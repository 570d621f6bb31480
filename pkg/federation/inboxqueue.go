/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package federation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/delivery"
	"github.com/trustbloc/apfed/pkg/inbox"
	"github.com/trustbloc/apfed/pkg/mq"
	"github.com/trustbloc/apfed/pkg/restapi/messages"
)

const messageInbox = "inbox"

type inboxTask struct {
	Recipient   string          `json:"recipient,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	SenderKeyID string          `json:"senderKeyId,omitempty"`
	Activity    json.RawMessage `json:"activity"`
	// Attempt counts the failed attempts so far.
	Attempt int `json:"attempt"`
}

type inboxMessage struct {
	Type  string     `json:"type"`
	Inbox *inboxTask `json:"inbox,omitempty"`
}

// inboxQueue defers processing of authenticated activities to queue workers.
type inboxQueue struct {
	mq      mq.Queue
	process func(ctx context.Context, ic *inbox.Context, act *activity.Activity) error
	retry   delivery.RetryPolicy
}

func (q *inboxQueue) enqueue(ctx context.Context, ic *inbox.Context, act *activity.Activity) error {
	task := &inboxTask{
		Recipient:   ic.Recipient,
		Sender:      ic.Sender,
		SenderKeyID: ic.SenderKeyID,
		Activity:    act.Bytes(),
	}

	if err := q.send(ctx, task); err != nil {
		logger.Errorf(messages.InboxEnqueueFailure, act.ID(), ic.Recipient, err)

		return err
	}

	return nil
}

func (q *inboxQueue) send(ctx context.Context, task *inboxTask, opts ...mq.EnqueueOption) error {
	raw, err := json.Marshal(&inboxMessage{Type: messageInbox, Inbox: task})
	if err != nil {
		return fmt.Errorf("failed to marshal inbox task: %w", err)
	}

	if err = q.mq.Enqueue(ctx, raw, opts...); err != nil {
		return fmt.Errorf("failed to enqueue inbox task: %w", err)
	}

	return nil
}

func (q *inboxQueue) handle(ctx context.Context, raw []byte) error {
	var m inboxMessage

	if err := json.Unmarshal(raw, &m); err != nil || m.Type != messageInbox || m.Inbox == nil {
		logger.Errorf("dropping invalid inbox task")

		return nil
	}

	task := m.Inbox

	act, err := activity.Parse(task.Activity)
	if err != nil {
		logger.Errorf("dropping inbox task with invalid activity: %s", err)

		return nil
	}

	ic := &inbox.Context{Recipient: task.Recipient, Sender: task.Sender, SenderKeyID: task.SenderKeyID}

	err = q.process(ctx, ic, act)
	if err == nil {
		return nil
	}

	if mq.HasNativeRetrial(q.mq) {
		return err
	}

	attempt := task.Attempt + 1

	delay, ok := q.retry(delivery.RetryContext{Attempt: attempt, Err: err})
	if !ok {
		logger.Errorf("giving up on activity %s after %d attempt(s): %s", act.ID(), attempt, err)

		return nil
	}

	next := *task
	next.Attempt = attempt

	logger.Infof("processing activity %s failed (attempt %d), retrying in %s", act.ID(), attempt, delay)

	return q.send(ctx, &next, mq.WithDelay(delay))
}

func isInboxMessage(raw []byte) bool {
	var m struct {
		Type string `json:"type"`
	}

	return json.Unmarshal(raw, &m) == nil && m.Type == messageInbox
}
