/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package startcmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/federation"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/inbox"
	"github.com/trustbloc/apfed/pkg/kvstore/ariesstore"
	"github.com/trustbloc/apfed/pkg/mq/memmq"
	"github.com/trustbloc/apfed/pkg/trust"
)

const (
	logLevelCritical = "critical"
	logLevelError    = "error"
	logLevelWarn     = "warning"
	logLevelInfo     = "info"
	logLevelDebug    = "debug"
)

type mockServer struct {
	handler http.Handler
	err     error
}

func (s *mockServer) ListenAndServe(_, _, _ string, handler http.Handler) error {
	s.handler = handler

	return s.err
}

func baseArgs() []string {
	return []string{
		"--" + hostURLFlagName, "localhost:8080",
		"--" + externalURLFlagName, "https://local.example",
		"--" + databaseTypeFlagName, "mem",
	}
}

func TestStartCmdContents(t *testing.T) {
	startCmd := GetStartCmd(&mockServer{})

	require.Equal(t, "start", startCmd.Use)
	require.Equal(t, "Start apfed", startCmd.Short)
	require.Equal(t, "Start an ActivityPub federation server", startCmd.Long)

	checkFlagPropertiesCorrect(t, startCmd, hostURLFlagName, hostURLFlagShorthand, hostURLFlagUsage)
	checkFlagPropertiesCorrect(t, startCmd, externalURLFlagName, externalURLFlagShorthand, externalURLFlagUsage)
	checkFlagPropertiesCorrect(t, startCmd, databaseTypeFlagName, databaseTypeFlagShorthand, databaseTypeFlagUsage)
	checkFlagPropertiesCorrect(t, startCmd, configFileFlagName, configFileFlagShorthand, configFileFlagUsage)
}

func TestStartCmdWithMissingArgs(t *testing.T) {
	t.Run("host URL", func(t *testing.T) {
		startCmd := GetStartCmd(&mockServer{})
		startCmd.SetArgs([]string{})

		err := startCmd.Execute()
		require.EqualError(t, err,
			"Neither host-url (command line flag) nor APFED_HOST_URL (environment variable) have been set.")
	})
	t.Run("external URL", func(t *testing.T) {
		startCmd := GetStartCmd(&mockServer{})
		startCmd.SetArgs([]string{"--" + hostURLFlagName, "localhost:8080"})

		err := startCmd.Execute()
		require.EqualError(t, err,
			"Neither external-url (command line flag) nor APFED_EXTERNAL_URL (environment variable) have been set.")
	})
	t.Run("blank values", func(t *testing.T) {
		require.Equal(t, errMissingHostURL, startAPFed(&apfedParameters{}))
		require.Equal(t, errMissingExternalURL, startAPFed(&apfedParameters{hostURL: "localhost:8080"}))
	})
}

func TestStartCmdValidArgs(t *testing.T) {
	srv := &mockServer{}
	startCmd := GetStartCmd(srv)
	startCmd.SetArgs(baseArgs())

	require.NoError(t, startCmd.Execute())
	require.NotNil(t, srv.handler)

	t.Run("health check", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, healthCheckEndpoint, nil)
		req.Header.Set("Origin", "https://app.example")

		srv.handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		require.JSONEq(t, `{"status":"success"}`, rr.Body.String())
		require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	})
	t.Run("unsigned delivery to the shared inbox", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/inbox",
			strings.NewReader(`{"id":"https://remote.example/1","type":"Follow"}`))

		srv.handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code)
	})
	t.Run("unknown path", func(t *testing.T) {
		rr := httptest.NewRecorder()

		srv.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nothing/here", nil))

		require.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestStartCmdValidArgsEnvVar(t *testing.T) {
	t.Setenv(hostURLEnvKey, "localhost:8080")
	t.Setenv(externalURLEnvKey, "https://local.example")
	t.Setenv(databaseTypeEnvKey, "mem")
	t.Setenv(corsOriginsEnvKey, "https://app.example,https://other.example")

	srv := &mockServer{}
	startCmd := GetStartCmd(srv)
	startCmd.SetArgs([]string{})

	require.NoError(t, startCmd.Execute())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, healthCheckEndpoint, nil)
	req.Header.Set("Origin", "https://other.example")

	srv.handler.ServeHTTP(rr, req)

	require.Equal(t, "https://other.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartCmdInvalidArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  string
	}{
		{
			name: "invalid origin",
			args: []string{"--" + externalURLFlagName, "local.example"},
			err:  "invalid origin",
		},
		{
			name: "invalid database timeout",
			args: []string{"--" + databaseTimeoutFlagName, "soon"},
			err:  "invalid value for " + databaseTimeoutFlagName,
		},
		{
			name: "invalid allow private address",
			args: []string{"--" + allowPrivateAddressFlagName, "maybe"},
			err:  "invalid value for " + allowPrivateAddressFlagName,
		},
		{
			name: "missing config file",
			args: []string{"--" + configFileFlagName, "does-not-exist.yaml"},
			err:  "failed to read config file",
		},
		{
			name: "missing instance key file",
			args: []string{"--" + instanceKeyFileFlagName, "does-not-exist.json"},
			err:  "failed to read instance key",
		},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			startCmd := GetStartCmd(&mockServer{})
			startCmd.SetArgs(append(baseArgs(), tc.args...))

			err := startCmd.Execute()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestStartCmdLogLevels(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected log.Level
	}{
		{`Log level not specified - default to "info"`, "", log.INFO},
		{"Log level: critical", logLevelCritical, log.CRITICAL},
		{"Log level: error", logLevelError, log.ERROR},
		{"Log level: warn", logLevelWarn, log.WARNING},
		{"Log level: info", logLevelInfo, log.INFO},
		{"Log level: debug", logLevelDebug, log.DEBUG},
		{"Invalid log level - default to info", "mango", log.INFO},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			args := baseArgs()
			if tc.logLevel != "" {
				args = append(args, "--"+logLevelFlagName, tc.logLevel)
			}

			startCmd := GetStartCmd(&mockServer{})
			startCmd.SetArgs(args)

			require.NoError(t, startCmd.Execute())
			require.Equal(t, tc.expected, log.GetLevel(""))
		})
	}
}

func TestCreateBackends(t *testing.T) {
	t.Run("mem", func(t *testing.T) {
		config := &federation.Config{}

		require.NoError(t, createBackends(&apfedParameters{databaseType: "MEM"}, config))
		require.IsType(t, &ariesstore.Store{}, config.Store)
		require.IsType(t, &memmq.Queue{}, config.Queue)
	})
	t.Run("Error - invalid database type", func(t *testing.T) {
		err := createBackends(&apfedParameters{databaseType: "NotARealDatabaseType"}, &federation.Config{})
		require.Equal(t, errInvalidDatabaseType, err)
	})
	t.Run("Error - MongoDB url is blank", func(t *testing.T) {
		err := createBackends(&apfedParameters{databaseType: databaseTypeMongoDBOption}, &federation.Config{})
		require.EqualError(t, err, "database-url is required for mongodb")
	})
	t.Run("Error - Redis url is blank", func(t *testing.T) {
		err := createBackends(&apfedParameters{databaseType: databaseTypeRedisOption}, &federation.Config{})
		require.EqualError(t, err, "database-url is required for redis")
	})
	t.Run("Error - Redis url is invalid", func(t *testing.T) {
		err := createBackends(&apfedParameters{databaseType: databaseTypeRedisOption, databaseURL: "ftp://redis"},
			&federation.Config{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid Redis URL")
	})
	t.Run("Error - Redis is unreachable", func(t *testing.T) {
		err := createBackends(&apfedParameters{
			databaseType:    databaseTypeRedisOption,
			databaseURL:     "redis://127.0.0.1:1",
			databaseTimeout: time.Millisecond,
		}, &federation.Config{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to connect to redis")
	})
}

func TestConfigFile(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		path := writeFile(t, "apfed.yaml", `
idempotency: global
trustPolicy: throw
keyTTL: 1h
signatures:
  timeWindow: 5m
  firstKnock: cavage
  buggyPeers: [legacy.example]
inbox:
  hydrateInbound: true
  maxBodySize: 262144
  retry:
    initial: 2s
    maxAttempts: 3
outbox:
  fanout: force
  preferSharedInbox: true
  permanentFailureStatusCodes: [404, 410, 451]
  retry:
    max: 1h
routes:
  actor: /actors/{identifier}
  inbox: /actors/{identifier}/inbox
`)

		c, err := loadConfigFile(path)
		require.NoError(t, err)

		config := &federation.Config{}
		require.NoError(t, c.apply(config))

		require.Equal(t, inbox.Global, config.Idempotency)
		require.Equal(t, trust.PolicyThrow, config.TrustPolicy)
		require.Equal(t, time.Hour, config.KeyTTL)
		require.Equal(t, 5*time.Minute, config.SignatureTimeWindow)
		require.Equal(t, httpsig.SchemeCavage, config.FirstKnock)
		require.Equal(t, []string{"legacy.example"}, config.BuggyPeers)
		require.True(t, config.HydrateInbound)
		require.Equal(t, int64(262144), config.MaxInboxBodySize)
		require.NotNil(t, config.InboxRetryPolicy)
		require.NotNil(t, config.RetryPolicy)
		require.True(t, config.PreferSharedInbox)
		require.Equal(t, []int{404, 410, 451}, config.PermanentFailureStatusCodes)
		require.Equal(t, "/actors/{identifier}", config.ActorPath)

		srv := &mockServer{}
		startCmd := GetStartCmd(srv)
		startCmd.SetArgs(append(baseArgs(), "--"+configFileFlagName, path))

		require.NoError(t, startCmd.Execute())
	})
	t.Run("defaults", func(t *testing.T) {
		c, err := loadConfigFile("")
		require.NoError(t, err)

		config := &federation.Config{}
		require.NoError(t, c.apply(config))
		require.Equal(t, inbox.PerInbox, config.Idempotency)
		require.Equal(t, trust.PolicyIgnore, config.TrustPolicy)
		require.Nil(t, config.RetryPolicy)
	})
	t.Run("first knock scheme names", func(t *testing.T) {
		for content, scheme := range map[string]httpsig.Scheme{
			"signatures:\n  firstKnock: rfc9421":                         httpsig.SchemeRFC9421,
			"signatures:\n  firstKnock: cavage":                          httpsig.SchemeCavage,
			"signatures:\n  firstKnock: draft-cavage-http-signatures-12": httpsig.SchemeCavage,
		} {
			c, err := loadConfigFile(writeFile(t, "apfed.yaml", content))
			require.NoError(t, err)

			config := &federation.Config{}
			require.NoError(t, c.apply(config), content)
			require.Equal(t, scheme, config.FirstKnock, content)
		}
	})
	t.Run("invalid YAML", func(t *testing.T) {
		_, err := loadConfigFile(writeFile(t, "apfed.yaml", "idempotency: [global"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to parse config file")
	})
	t.Run("invalid values", func(t *testing.T) {
		for _, content := range []string{
			"idempotency: sometimes",
			"trustPolicy: maybe",
			"outbox:\n  fanout: always",
			"signatures:\n  firstKnock: smoke-signal",
		} {
			c, err := loadConfigFile(writeFile(t, "apfed.yaml", content))
			require.NoError(t, err)
			require.Error(t, c.apply(&federation.Config{}), content)
		}
	})
}

func TestReadInstanceKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	raw, err := httpsig.MarshalKeyPair(httpsig.KeyPair{KeyID: "https://local.example/actor#main-key", PrivateKey: priv})
	require.NoError(t, err)

	kp, err := readInstanceKey(writeFile(t, "key.json", string(raw)))
	require.NoError(t, err)
	require.Equal(t, "https://local.example/actor#main-key", kp.KeyID)

	srv := &mockServer{}
	startCmd := GetStartCmd(srv)
	startCmd.SetArgs(append(baseArgs(), "--"+instanceKeyFileFlagName, writeFile(t, "key.json", string(raw))))
	require.NoError(t, startCmd.Execute())

	raw, err = httpsig.MarshalKeyPair(httpsig.KeyPair{PrivateKey: priv})
	require.NoError(t, err)

	_, err = readInstanceKey(writeFile(t, "key.json", string(raw)))
	require.EqualError(t, err, "instance key has no kid")

	_, err = readInstanceKey(writeFile(t, "key.json", "{}"))
	require.Error(t, err)
}

func TestListenAndServe(t *testing.T) {
	h := HTTPServer{}
	err := h.ListenAndServe("localhost:8080", "test.cert", "test.key", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "open test.cert: no such file or directory")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func checkFlagPropertiesCorrect(t *testing.T, cmd *cobra.Command, flagName, flagShorthand, flagUsage string) {
	flag := cmd.Flag(flagName)

	require.NotNil(t, flag)
	require.Equal(t, flagName, flag.Name)
	require.Equal(t, flagShorthand, flag.Shorthand)
	require.Equal(t, flagUsage, flag.Usage)
	require.Equal(t, "", flag.Value.String())

	flagAnnotations := flag.Annotations
	require.Nil(t, flagAnnotations)
}
