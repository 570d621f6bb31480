/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package startcmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trustbloc/apfed/pkg/delivery"
	"github.com/trustbloc/apfed/pkg/federation"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/inbox"
	"github.com/trustbloc/apfed/pkg/trust"
)

// fileConfig is the optional YAML configuration file.
type fileConfig struct {
	// Idempotency is one of per-origin, per-inbox or global.
	Idempotency string `yaml:"idempotency"`
	// TrustPolicy is one of ignore, throw or trust.
	TrustPolicy string        `yaml:"trustPolicy"`
	KeyTTL      time.Duration `yaml:"keyTTL"`

	Signatures struct {
		TimeWindow    time.Duration `yaml:"timeWindow"`
		SkipTimeCheck bool          `yaml:"skipTimeCheck"`
		// FirstKnock is rfc9421 or cavage.
		FirstKnock string `yaml:"firstKnock"`
		// BuggyPeers are hosts whose 5xx answers to one signature scheme trigger a retry with the other.
		BuggyPeers []string `yaml:"buggyPeers"`
	} `yaml:"signatures"`

	Inbox struct {
		HydrateInbound bool                    `yaml:"hydrateInbound"`
		Retry          *delivery.BackoffConfig `yaml:"retry"`
		// MaxBodySize is in bytes.
		MaxBodySize int64 `yaml:"maxBodySize"`
	} `yaml:"inbox"`

	Outbox struct {
		Retry                       *delivery.BackoffConfig `yaml:"retry"`
		Fanout                      string                  `yaml:"fanout"`
		FanoutThreshold             int                     `yaml:"fanoutThreshold"`
		PreferSharedInbox           bool                    `yaml:"preferSharedInbox"`
		PermanentFailureStatusCodes []int                   `yaml:"permanentFailureStatusCodes"`
		RateLimit                   float64                 `yaml:"rateLimit"`
		RateBurst                   int                     `yaml:"rateBurst"`
	} `yaml:"outbox"`

	Routes struct {
		Actor                    string `yaml:"actor"`
		Inbox                    string `yaml:"inbox"`
		SharedInbox              string `yaml:"sharedInbox"`
		TrailingSlashInsensitive bool   `yaml:"trailingSlashInsensitive"`
	} `yaml:"routes"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	c := &fileConfig{}

	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return c, nil
}

func (c *fileConfig) apply(config *federation.Config) error {
	var err error

	if config.Idempotency, err = inbox.ParseStrategy(c.Idempotency); err != nil {
		return err
	}

	if config.TrustPolicy, err = trust.ParsePolicy(c.TrustPolicy); err != nil {
		return err
	}

	if c.Outbox.Fanout != "" {
		if config.Fanout, err = delivery.ParseFanoutMode(c.Outbox.Fanout); err != nil {
			return err
		}
	}

	if config.FirstKnock, err = parseScheme(c.Signatures.FirstKnock); err != nil {
		return err
	}

	config.KeyTTL = c.KeyTTL
	config.SignatureTimeWindow = c.Signatures.TimeWindow
	config.SkipSignatureTimeCheck = c.Signatures.SkipTimeCheck
	config.BuggyPeers = c.Signatures.BuggyPeers

	config.HydrateInbound = c.Inbox.HydrateInbound
	config.MaxInboxBodySize = c.Inbox.MaxBodySize
	if c.Inbox.Retry != nil {
		config.InboxRetryPolicy = delivery.NewBackoff(*c.Inbox.Retry).Policy()
	}

	if c.Outbox.Retry != nil {
		config.RetryPolicy = delivery.NewBackoff(*c.Outbox.Retry).Policy()
	}

	config.FanoutThreshold = c.Outbox.FanoutThreshold
	config.PreferSharedInbox = c.Outbox.PreferSharedInbox
	config.PermanentFailureStatusCodes = c.Outbox.PermanentFailureStatusCodes
	config.RateLimit = c.Outbox.RateLimit
	config.RateBurst = c.Outbox.RateBurst

	config.ActorPath = c.Routes.Actor
	config.InboxPath = c.Routes.Inbox
	config.SharedInboxPath = c.Routes.SharedInbox
	config.TrailingSlashInsensitive = c.Routes.TrailingSlashInsensitive

	return nil
}

func parseScheme(name string) (httpsig.Scheme, error) {
	switch name {
	case "":
		return "", nil
	case string(httpsig.SchemeRFC9421):
		return httpsig.SchemeRFC9421, nil
	case "cavage", string(httpsig.SchemeCavage):
		return httpsig.SchemeCavage, nil
	default:
		return "", fmt.Errorf("unknown signature scheme %q", name)
	}
}
