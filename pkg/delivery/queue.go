/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package delivery sends outbound activities through a two-stage queue: a fan-out stage
// expanding recipients into inboxes and a delivery stage posting to each inbox with retries.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/trustbloc/edge-core/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/fedutils"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/mq"
	"github.com/trustbloc/apfed/pkg/restapi/messages"
)

var logger = log.New("apfed-delivery")

const (
	defaultFanoutThreshold = 5

	messageFanout   = "fanout"
	messageDelivery = "delivery"
)

// FanoutMode controls whether Send expands recipients itself or leaves it to a fan-out task.
type FanoutMode string

// Fan-out modes.
const (
	// FanoutAuto uses a fan-out task when the audience needs resolving or is large.
	FanoutAuto FanoutMode = "auto"
	// FanoutForce always uses a fan-out task.
	FanoutForce FanoutMode = "force"
	// FanoutSkip always expands recipients within Send.
	FanoutSkip FanoutMode = "skip"
)

// ParseFanoutMode parses a fan-out mode name. An empty name is FanoutAuto.
func ParseFanoutMode(name string) (FanoutMode, error) {
	switch m := FanoutMode(name); m {
	case "":
		return FanoutAuto, nil
	case FanoutAuto, FanoutForce, FanoutSkip:
		return m, nil
	default:
		return "", fmt.Errorf("unknown fan-out mode %q", name)
	}
}

// FanoutTask is an activity waiting to be expanded into delivery tasks.
type FanoutTask struct {
	ID           string            `json:"id"`
	ActivityID   string            `json:"activityId"`
	ActivityType string            `json:"activityType,omitempty"`
	KeyPairs     []json.RawMessage `json:"keyPairs"`
	Recipients   []Recipient       `json:"recipients,omitempty"`
	// Audience holds actor and collection ids still to be resolved.
	Audience          []string  `json:"audience,omitempty"`
	PreferSharedInbox bool      `json:"preferSharedInbox,omitempty"`
	Payload           []byte    `json:"payload"`
	CreatedAt         time.Time `json:"createdAt"`
}

// DeliveryTask is an activity waiting to be posted to one inbox.
type DeliveryTask struct {
	ID           string            `json:"id"`
	ActivityID   string            `json:"activityId"`
	ActivityType string            `json:"activityType,omitempty"`
	KeyPairs     []json.RawMessage `json:"keyPairs"`
	Inbox        string            `json:"inbox"`
	SharedInbox  bool              `json:"sharedInbox,omitempty"`
	Payload      []byte            `json:"payload"`
	// Attempt counts the failed attempts so far.
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"createdAt"`
}

type message struct {
	Type     string        `json:"type"`
	Fanout   *FanoutTask   `json:"fanout,omitempty"`
	Delivery *DeliveryTask `json:"delivery,omitempty"`
}

// Error is a delivery rejected by the receiving server.
type Error struct {
	Inbox      string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("inbox %s responded with status %d: %s", e.Inbox, e.StatusCode, e.Body)
}

// Failure describes a delivery given up on.
type Failure struct {
	ActivityID string
	Inbox      string
	Attempt    int
	Err        error
}

// ErrorHandler is called once for each delivery given up on.
type ErrorHandler func(ctx context.Context, failure *Failure)

// Queue sends activities through a message queue.
type Queue struct {
	mq            mq.Queue
	knocker       *httpsig.DoubleKnocker
	resolver      RecipientResolver
	retry         RetryPolicy
	onError       ErrorHandler
	mode          FanoutMode
	threshold     int
	preferShared  bool
	excluded      []string
	permanent     map[int]bool
	limiter       *hostLimiter
	metrics       *metrics
	meterProvider metric.MeterProvider
	now           func() time.Time
}

// Option configures a Queue.
type Option func(q *Queue)

// WithDoubleKnocker sets the client used to post activities.
func WithDoubleKnocker(knocker *httpsig.DoubleKnocker) Option {
	return func(q *Queue) {
		q.knocker = knocker
	}
}

// WithRecipientResolver sets the resolver for audience ids.
func WithRecipientResolver(resolver RecipientResolver) Option {
	return func(q *Queue) {
		q.resolver = resolver
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(q *Queue) {
		q.retry = policy
	}
}

// WithErrorHandler sets the handler for deliveries given up on.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(q *Queue) {
		q.onError = handler
	}
}

// WithFanout sets the default fan-out mode and the recipient count above which FanoutAuto
// uses a fan-out task.
func WithFanout(mode FanoutMode, threshold int) Option {
	return func(q *Queue) {
		q.mode = mode
		q.threshold = threshold
	}
}

// WithPreferSharedInbox delivers through shared inboxes by default.
func WithPreferSharedInbox(prefer bool) Option {
	return func(q *Queue) {
		q.preferShared = prefer
	}
}

// WithExcludedBaseURIs skips inboxes on the given origins, typically the local server.
func WithExcludedBaseURIs(uris ...string) Option {
	return func(q *Queue) {
		q.excluded = append(q.excluded, uris...)
	}
}

// WithPermanentFailureStatusCodes sets the response codes never retried. Defaults to 404 and 410.
func WithPermanentFailureStatusCodes(codes ...int) Option {
	return func(q *Queue) {
		q.permanent = map[int]bool{}

		for _, c := range codes {
			q.permanent[c] = true
		}
	}
}

// WithRateLimit limits requests per second to each host. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(q *Queue) {
		q.limiter = newHostLimiter(perSecond, burst)
	}
}

// WithMeterProvider sets the provider for delivery metrics. Defaults to the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(q *Queue) {
		q.meterProvider = provider
	}
}

// WithClock sets the time source for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New returns a Queue sending through queue.
func New(queue mq.Queue, opts ...Option) *Queue {
	q := &Queue{
		mq:        queue,
		retry:     DefaultRetryPolicy(),
		mode:      FanoutAuto,
		threshold: defaultFanoutThreshold,
		permanent: map[int]bool{http.StatusNotFound: true, http.StatusGone: true},
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(q)
	}

	if q.knocker == nil {
		q.knocker = httpsig.NewDoubleKnocker()
	}

	if q.meterProvider == nil {
		q.meterProvider = otel.GetMeterProvider()
	}

	q.metrics = newMetrics(q.meterProvider)

	return q
}

// SendOptions are per-activity overrides.
type SendOptions struct {
	Fanout            FanoutMode
	PreferSharedInbox *bool
	Audience          []string
}

// SendOption configures one Send call.
type SendOption func(opts *SendOptions)

// WithFanoutMode overrides the fan-out mode for one activity.
func WithFanoutMode(mode FanoutMode) SendOption {
	return func(opts *SendOptions) {
		opts.Fanout = mode
	}
}

// PreferSharedInbox overrides the shared inbox preference for one activity.
func PreferSharedInbox(prefer bool) SendOption {
	return func(opts *SendOptions) {
		opts.PreferSharedInbox = &prefer
	}
}

// WithAudience adds actor or collection ids, such as a followers collection, resolved into
// recipients during fan-out.
func WithAudience(ids ...string) SendOption {
	return func(opts *SendOptions) {
		opts.Audience = append(opts.Audience, ids...)
	}
}

// Send queues act for delivery to recipients, signed with keyPairs. It returns once the work
// is enqueued; delivery failures are reported through the error handler.
func (q *Queue) Send(ctx context.Context, act *activity.Activity, keyPairs []httpsig.KeyPair,
	recipients []Recipient, opts ...SendOption) error {
	if act.ID() == "" {
		return messages.ErrMissingActivityID
	}

	if len(keyPairs) == 0 {
		return messages.ErrNoKeyPairs
	}

	options := SendOptions{Fanout: q.mode}
	for _, opt := range opts {
		opt(&options)
	}

	if len(recipients) == 0 && len(options.Audience) == 0 {
		return messages.ErrNoRecipients
	}

	keys, err := marshalKeyPairs(keyPairs)
	if err != nil {
		return err
	}

	id, err := fedutils.GenerateTaskID()
	if err != nil {
		return fmt.Errorf("failed to generate task id: %w", err)
	}

	task := &FanoutTask{
		ID:                id,
		ActivityID:        act.ID(),
		ActivityType:      act.Type(),
		KeyPairs:          keys,
		Recipients:        recipients,
		Audience:          options.Audience,
		PreferSharedInbox: q.preferShared,
		Payload:           act.Bytes(),
		CreatedAt:         q.now().UTC(),
	}

	if options.PreferSharedInbox != nil {
		task.PreferSharedInbox = *options.PreferSharedInbox
	}

	if q.useFanoutTask(options, len(recipients)) {
		logger.Debugf("queueing fan-out of activity %s", task.ActivityID)

		return q.enqueue(ctx, &message{Type: messageFanout, Fanout: task})
	}

	return q.ProcessFanout(ctx, task)
}

func (q *Queue) useFanoutTask(options SendOptions, recipients int) bool {
	switch options.Fanout {
	case FanoutForce:
		return true
	case FanoutSkip:
		return false
	default:
		return len(options.Audience) > 0 || recipients > q.threshold
	}
}

// ProcessFanout resolves the task's recipients and enqueues one delivery task per inbox.
func (q *Queue) ProcessFanout(ctx context.Context, task *FanoutTask) error {
	recipients := append([]Recipient(nil), task.Recipients...)

	if len(task.Audience) > 0 {
		if q.resolver == nil {
			logger.Warnf("no recipient resolver configured, ignoring audience of activity %s", task.ActivityID)
		} else {
			resolved, err := q.resolver.ResolveRecipients(ctx, task.Audience)
			if err != nil {
				return fmt.Errorf("failed to resolve audience of activity %s: %w", task.ActivityID, err)
			}

			recipients = append(recipients, resolved...)
		}
	}

	inboxes := ExtractInboxes(recipients, task.PreferSharedInbox, q.excluded)
	if len(inboxes) == 0 {
		logger.Infof("activity %s has no inboxes to deliver to", task.ActivityID)

		return nil
	}

	batch := make([][]byte, 0, len(inboxes))

	for _, inbox := range inboxes {
		id, err := fedutils.GenerateTaskID()
		if err != nil {
			return fmt.Errorf("failed to generate task id: %w", err)
		}

		raw, err := json.Marshal(&message{Type: messageDelivery, Delivery: &DeliveryTask{
			ID:           id,
			ActivityID:   task.ActivityID,
			ActivityType: task.ActivityType,
			KeyPairs:     task.KeyPairs,
			Inbox:        inbox.URL,
			SharedInbox:  inbox.Shared,
			Payload:      task.Payload,
			CreatedAt:    task.CreatedAt,
		}})
		if err != nil {
			return fmt.Errorf("failed to marshal delivery task: %w", err)
		}

		batch = append(batch, raw)
	}

	if err := mq.EnqueueMany(ctx, q.mq, batch); err != nil {
		return fmt.Errorf("failed to enqueue deliveries of activity %s: %w", task.ActivityID, err)
	}

	logger.Debugf("queued activity %s for %d inboxes", task.ActivityID, len(inboxes))

	return nil
}

// ProcessDelivery posts the task's activity to its inbox. Failures are retried per the retry
// policy, or left to the queue when it redelivers on its own.
func (q *Queue) ProcessDelivery(ctx context.Context, task *DeliveryTask) error {
	start := q.now()
	host := hostOf(task.Inbox)

	err := q.deliver(ctx, task)
	if err == nil {
		q.metrics.record(ctx, host, outcomeDelivered, q.now().Sub(start))
		logger.Debugf("delivered activity %s to %s", task.ActivityID, task.Inbox)

		return nil
	}

	attempt := task.Attempt + 1

	if q.isPermanent(err) {
		q.fail(ctx, task, attempt, err)

		return nil
	}

	if mq.HasNativeRetrial(q.mq) {
		q.metrics.record(ctx, host, outcomeRetried, q.now().Sub(start))

		return err
	}

	delay, retry := q.retry(RetryContext{Attempt: attempt, Err: err})
	if !retry {
		q.fail(ctx, task, attempt, err)

		return nil
	}

	logger.Infof("delivery of activity %s to %s failed (attempt %d), retrying in %s: %s",
		task.ActivityID, task.Inbox, attempt, delay, err)

	next := *task
	next.Attempt = attempt

	errEnqueue := q.enqueue(ctx, &message{Type: messageDelivery, Delivery: &next}, mq.WithDelay(delay))
	if errEnqueue != nil {
		q.fail(ctx, task, attempt, fmt.Errorf("%w (retry could not be queued: %s)", err, errEnqueue))

		return nil
	}

	q.metrics.record(ctx, host, outcomeRetried, q.now().Sub(start))

	return nil
}

func (q *Queue) deliver(ctx context.Context, task *DeliveryTask) error {
	keyPairs, err := unmarshalKeyPairs(task.KeyPairs)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", activity.ContentType)
	header.Set("Accept", activity.ContentType)

	req, err := httpsig.NewRequest(http.MethodPost, task.Inbox, header, task.Payload)
	if err != nil {
		return err
	}

	if err = q.limiter.wait(ctx, req.URL.Host); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := q.knocker.DoubleKnock(ctx, req, keyPairs)
	if err != nil {
		return err
	}

	if !resp.OK() {
		return &Error{Inbox: task.Inbox, StatusCode: resp.StatusCode, Body: truncate(string(resp.Body), 512)}
	}

	return nil
}

func (q *Queue) isPermanent(err error) bool {
	if errors.Is(err, httpsig.ErrURLRefused) {
		return true
	}

	var deliveryErr *Error

	return errors.As(err, &deliveryErr) && q.permanent[deliveryErr.StatusCode]
}

func (q *Queue) fail(ctx context.Context, task *DeliveryTask, attempt int, err error) {
	logger.Errorf("giving up delivery of activity %s to %s after %d attempt(s): %s",
		task.ActivityID, task.Inbox, attempt, err)

	q.metrics.record(ctx, hostOf(task.Inbox), outcomeFailed, 0)

	if q.onError != nil {
		q.onError(ctx, &Failure{ActivityID: task.ActivityID, Inbox: task.Inbox, Attempt: attempt, Err: err})
	}
}

// Listen consumes fan-out and delivery tasks until ctx is done. In-flight deliveries complete.
func (q *Queue) Listen(ctx context.Context, opts ...mq.ListenOption) error {
	return q.mq.Listen(ctx, q.Handle, opts...)
}

// Handle processes one queued fan-out or delivery task. Messages of other types are dropped.
func (q *Queue) Handle(ctx context.Context, raw []byte) error {
	var m message

	if err := json.Unmarshal(raw, &m); err != nil {
		logger.Errorf("dropping undecodable task: %s", err)

		return nil
	}

	switch {
	case m.Type == messageFanout && m.Fanout != nil:
		return q.ProcessFanout(ctx, m.Fanout)
	case m.Type == messageDelivery && m.Delivery != nil:
		return q.ProcessDelivery(ctx, m.Delivery)
	default:
		logger.Errorf("dropping task of unknown type %q", m.Type)

		return nil
	}
}

func (q *Queue) enqueue(ctx context.Context, m *message, opts ...mq.EnqueueOption) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal %s task: %w", m.Type, err)
	}

	if err = q.mq.Enqueue(ctx, raw, opts...); err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", m.Type, err)
	}

	return nil
}

func marshalKeyPairs(keyPairs []httpsig.KeyPair) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(keyPairs))

	for _, kp := range keyPairs {
		raw, err := httpsig.MarshalKeyPair(kp)
		if err != nil {
			return nil, fmt.Errorf("key pair %s can't be queued: %w", kp.KeyID, err)
		}

		out = append(out, raw)
	}

	return out, nil
}

func unmarshalKeyPairs(raw []json.RawMessage) ([]httpsig.KeyPair, error) {
	out := make([]httpsig.KeyPair, 0, len(raw))

	for _, r := range raw {
		kp, err := httpsig.UnmarshalKeyPair(r)
		if err != nil {
			return nil, err
		}

		out = append(out, kp)
	}

	return out, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return u.Host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
