/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package startcmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hyperledger/aries-framework-go-ext/component/storage/mongodb"
	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/redis/go-redis/v9"

	"github.com/trustbloc/apfed/pkg/federation"
	"github.com/trustbloc/apfed/pkg/kvstore/ariesstore"
	"github.com/trustbloc/apfed/pkg/kvstore/rediskv"
	"github.com/trustbloc/apfed/pkg/mq/memmq"
	"github.com/trustbloc/apfed/pkg/mq/redismq"
)

const (
	storeName      = "apfed"
	queueName      = "federation"
	retryInterval  = time.Second
	requestTimeout = 10 * time.Second
)

// createBackends sets the store and queue of config for the configured database type.
func createBackends(parameters *apfedParameters, config *federation.Config) error {
	switch {
	case strings.EqualFold(parameters.databaseType, databaseTypeMemOption):
		store, err := ariesstore.New(mem.NewProvider(), storeName)
		if err != nil {
			return err
		}

		config.Store = store
		config.Queue = memmq.New()

		logger.Warnf("Using in-memory storage. Keys, idempotency records and queued deliveries are lost on restart")
	case strings.EqualFold(parameters.databaseType, databaseTypeMongoDBOption):
		store, err := createMongoDBStore(parameters)
		if err != nil {
			return err
		}

		config.Store = store
		config.Queue = memmq.New()

		logger.Warnf("MongoDB has no queue support. Queued deliveries are kept in memory")
	case strings.EqualFold(parameters.databaseType, databaseTypeRedisOption):
		client, err := createRedisClient(parameters)
		if err != nil {
			return err
		}

		config.Store = rediskv.New(client, rediskv.WithKeyPrefix(parameters.databasePrefix))
		config.Queue = redismq.New(client, parameters.databasePrefix+queueName)
	default:
		return errInvalidDatabaseType
	}

	return nil
}

func createMongoDBStore(parameters *apfedParameters) (*ariesstore.Store, error) {
	if parameters.databaseURL == "" {
		return nil, fmt.Errorf("%s is required for %s", databaseURLFlagName, databaseTypeMongoDBOption)
	}

	provider, err := mongodb.NewProvider(parameters.databaseURL,
		mongodb.WithDBPrefix(parameters.databasePrefix), mongodb.WithTimeout(requestTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB provider: %w", err)
	}

	var store *ariesstore.Store

	err = retry(parameters.databaseTimeout, databaseTypeMongoDBOption, func() error {
		var errOpen error

		store, errOpen = ariesstore.New(provider, storeName)

		return errOpen
	})
	if err != nil {
		return nil, err
	}

	return store, nil
}

func createRedisClient(parameters *apfedParameters) (*redis.Client, error) {
	if parameters.databaseURL == "" {
		return nil, fmt.Errorf("%s is required for %s", databaseURLFlagName, databaseTypeRedisOption)
	}

	options, err := redis.ParseURL(parameters.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(options)

	err = retry(parameters.databaseTimeout, databaseTypeRedisOption, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close() //nolint:errcheck

		return nil, err
	}

	return client, nil
}

func retry(timeout time.Duration, databaseType string, connect func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInterval
	b.MaxElapsedTime = timeout

	err := backoff.RetryNotify(connect, b, func(err error, wait time.Duration) {
		logger.Infof("Failed to connect to %s, will retry in %s: %s", databaseType, wait, err)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", databaseType, err)
	}

	logger.Infof("Connected to %s", databaseType)

	return nil
}
