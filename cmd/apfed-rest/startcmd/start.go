/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package startcmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/federation"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/inbox"
	cmdutils "github.com/trustbloc/apfed/pkg/utils/cmd"
)

const (
	hostURLFlagName      = "host-url"
	hostURLEnvKey        = "APFED_HOST_URL"
	hostURLFlagShorthand = "u"
	hostURLFlagUsage     = "URL to run the apfed instance on. Format: HostName:Port." +
		" Alternatively, this can be set with the following environment variable: " + hostURLEnvKey

	externalURLFlagName      = "external-url"
	externalURLEnvKey        = "APFED_EXTERNAL_URL"
	externalURLFlagShorthand = "e"
	externalURLFlagUsage     = "The public origin of this server, such as https://example.com." +
		" Actor, inbox and object ids are built on it." +
		" Alternatively, this can be set with the following environment variable: " + externalURLEnvKey

	tlsCertFileFlagName  = "tls-cert-file"
	tlsCertFileEnvKey    = "APFED_TLS_CERT_FILE"
	tlsCertFileFlagUsage = "TLS certificate file. If not set, the server is started without TLS." +
		" Alternatively, this can be set with the following environment variable: " + tlsCertFileEnvKey

	tlsKeyFileFlagName  = "tls-key-file"
	tlsKeyFileEnvKey    = "APFED_TLS_KEY_FILE"
	tlsKeyFileFlagUsage = "TLS private key file." +
		" Alternatively, this can be set with the following environment variable: " + tlsKeyFileEnvKey

	databaseTypeFlagName      = "database-type"
	databaseTypeEnvKey        = "APFED_DATABASE_TYPE"
	databaseTypeFlagShorthand = "t"
	databaseTypeFlagUsage     = "The type of database used for keys, idempotency records and queues." +
		" Supported options: mem, mongodb, redis. With mongodb, queues are kept in memory." +
		" Alternatively, this can be set with the following environment variable: " + databaseTypeEnvKey

	databaseTypeMemOption     = "mem"
	databaseTypeMongoDBOption = "mongodb"
	databaseTypeRedisOption   = "redis"

	databaseURLFlagName      = "database-url"
	databaseURLEnvKey        = "APFED_DATABASE_URL"
	databaseURLFlagShorthand = "l"
	databaseURLFlagUsage     = "The URL of the database. Not needed if using mem." +
		" Alternatively, this can be set with the following environment variable: " + databaseURLEnvKey

	databasePrefixFlagName      = "database-prefix"
	databasePrefixEnvKey        = "APFED_DATABASE_PREFIX"
	databasePrefixFlagShorthand = "p"
	databasePrefixFlagUsage     = "An optional prefix for database, key and queue names." +
		" Alternatively, this can be set with the following environment variable: " + databasePrefixEnvKey

	databaseTimeoutFlagName  = "database-timeout"
	databaseTimeoutEnvKey    = "APFED_DATABASE_TIMEOUT"
	databaseTimeoutFlagUsage = "How long to keep retrying the initial database connection, as a duration" +
		" such as 30s. Defaults to 30s." +
		" Alternatively, this can be set with the following environment variable: " + databaseTimeoutEnvKey

	instanceKeyFileFlagName  = "instance-key-file"
	instanceKeyFileEnvKey    = "APFED_INSTANCE_KEY_FILE"
	instanceKeyFileFlagUsage = "A private JWK file, with its kid set to the public key id, used to sign" +
		" document fetches for peers requiring authorized fetch." +
		" Alternatively, this can be set with the following environment variable: " + instanceKeyFileEnvKey

	allowPrivateAddressFlagName  = "allow-private-address"
	allowPrivateAddressEnvKey    = "APFED_ALLOW_PRIVATE_ADDRESS"
	allowPrivateAddressFlagUsage = "Allow fetching documents from loopback and private network addresses." +
		" Only meant for testing. Possible values: true, false. Defaults to false." +
		" Alternatively, this can be set with the following environment variable: " + allowPrivateAddressEnvKey

	corsOriginsFlagName  = "cors-allowed-origins"
	corsOriginsEnvKey    = "APFED_CORS_ALLOWED_ORIGINS"
	corsOriginsFlagUsage = "Origins allowed to read actors and objects from a browser. Defaults to all." +
		" Alternatively, this can be set with the following environment variable (comma-separated): " +
		corsOriginsEnvKey

	configFileFlagName      = "config-file"
	configFileEnvKey        = "APFED_CONFIG_FILE"
	configFileFlagShorthand = "c"
	configFileFlagUsage     = "An optional YAML file with federation settings: idempotency strategy, trust" +
		" policy, peer compatibility list and retry policies." +
		" Alternatively, this can be set with the following environment variable: " + configFileEnvKey

	logLevelFlagName  = "log-level"
	logLevelEnvKey    = "APFED_LOG_LEVEL"
	logLevelFlagUsage = "Logging level to set. Supported options: CRITICAL, ERROR, WARNING, INFO, DEBUG." +
		` Defaults to INFO if not set. Setting to DEBUG may adversely impact performance. Alternatively, this can be ` +
		"set with the following environment variable: " + logLevelEnvKey

	healthCheckEndpoint    = "/healthcheck"
	defaultDatabaseTimeout = 30 * time.Second
)

var logger = log.New("apfed-rest")

var (
	errMissingHostURL      = errors.New("host URL not provided")
	errMissingExternalURL  = errors.New("external URL not provided")
	errInvalidDatabaseType = errors.New("database type not set to a valid type." +
		" run start --help to see the available options")
)

type apfedParameters struct {
	srv                 server
	hostURL             string
	externalURL         string
	tlsCertFile         string
	tlsKeyFile          string
	databaseType        string
	databaseURL         string
	databasePrefix      string
	databaseTimeout     time.Duration
	instanceKeyFile     string
	allowPrivateAddress bool
	corsAllowedOrigins  []string
	configFile          string
	logLevel            string
}

type server interface {
	ListenAndServe(host, certFile, keyFile string, handler http.Handler) error
}

// HTTPServer represents an actual HTTP server implementation.
type HTTPServer struct{}

// ListenAndServe starts the server using the standard Go HTTP server implementation.
func (s *HTTPServer) ListenAndServe(host, certFile, keyFile string, handler http.Handler) error {
	if certFile != "" && keyFile != "" {
		return http.ListenAndServeTLS(host, certFile, keyFile, handler)
	}

	return http.ListenAndServe(host, handler) //nolint:gosec
}

// GetStartCmd returns the Cobra start command.
func GetStartCmd(srv server) *cobra.Command {
	startCmd := createStartCmd(srv)

	createFlags(startCmd)

	return startCmd
}

func createStartCmd(srv server) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start apfed",
		Long:  "Start an ActivityPub federation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := getParameters(cmd)
			if err != nil {
				return err
			}

			parameters.srv = srv

			return startAPFed(parameters)
		},
	}
}

func createFlags(startCmd *cobra.Command) {
	startCmd.Flags().StringP(hostURLFlagName, hostURLFlagShorthand, "", hostURLFlagUsage)
	startCmd.Flags().StringP(externalURLFlagName, externalURLFlagShorthand, "", externalURLFlagUsage)
	startCmd.Flags().String(tlsCertFileFlagName, "", tlsCertFileFlagUsage)
	startCmd.Flags().String(tlsKeyFileFlagName, "", tlsKeyFileFlagUsage)
	startCmd.Flags().StringP(databaseTypeFlagName, databaseTypeFlagShorthand, "", databaseTypeFlagUsage)
	startCmd.Flags().StringP(databaseURLFlagName, databaseURLFlagShorthand, "", databaseURLFlagUsage)
	startCmd.Flags().StringP(databasePrefixFlagName, databasePrefixFlagShorthand, "", databasePrefixFlagUsage)
	startCmd.Flags().String(databaseTimeoutFlagName, "", databaseTimeoutFlagUsage)
	startCmd.Flags().String(instanceKeyFileFlagName, "", instanceKeyFileFlagUsage)
	startCmd.Flags().String(allowPrivateAddressFlagName, "", allowPrivateAddressFlagUsage)
	startCmd.Flags().StringArray(corsOriginsFlagName, nil, corsOriginsFlagUsage)
	startCmd.Flags().StringP(configFileFlagName, configFileFlagShorthand, "", configFileFlagUsage)
	startCmd.Flags().String(logLevelFlagName, "", logLevelFlagUsage)
}

func getParameters(cmd *cobra.Command) (*apfedParameters, error) {
	hostURL, err := cmdutils.GetUserSetVar(cmd, hostURLFlagName, hostURLEnvKey, false)
	if err != nil {
		return nil, err
	}

	externalURL, err := cmdutils.GetUserSetVar(cmd, externalURLFlagName, externalURLEnvKey, false)
	if err != nil {
		return nil, err
	}

	databaseType, err := cmdutils.GetUserSetVar(cmd, databaseTypeFlagName, databaseTypeEnvKey, false)
	if err != nil {
		return nil, err
	}

	parameters := &apfedParameters{hostURL: hostURL, externalURL: externalURL, databaseType: databaseType}

	optional := []struct {
		flagName, envKey string
		value            *string
	}{
		{tlsCertFileFlagName, tlsCertFileEnvKey, &parameters.tlsCertFile},
		{tlsKeyFileFlagName, tlsKeyFileEnvKey, &parameters.tlsKeyFile},
		{databaseURLFlagName, databaseURLEnvKey, &parameters.databaseURL},
		{databasePrefixFlagName, databasePrefixEnvKey, &parameters.databasePrefix},
		{instanceKeyFileFlagName, instanceKeyFileEnvKey, &parameters.instanceKeyFile},
		{configFileFlagName, configFileEnvKey, &parameters.configFile},
		{logLevelFlagName, logLevelEnvKey, &parameters.logLevel},
	}

	for _, o := range optional {
		if *o.value, err = cmdutils.GetUserSetVar(cmd, o.flagName, o.envKey, true); err != nil {
			return nil, err
		}
	}

	parameters.databaseTimeout, err = cmdutils.GetDuration(cmd, databaseTimeoutFlagName, databaseTimeoutEnvKey,
		defaultDatabaseTimeout)
	if err != nil {
		return nil, err
	}

	parameters.allowPrivateAddress, err = cmdutils.GetBool(cmd, allowPrivateAddressFlagName, allowPrivateAddressEnvKey)
	if err != nil {
		return nil, err
	}

	parameters.corsAllowedOrigins, err = cmdutils.GetUserSetVarFromArrayString(cmd, corsOriginsFlagName,
		corsOriginsEnvKey, true)
	if err != nil {
		return nil, err
	}

	return parameters, nil
}

func startAPFed(parameters *apfedParameters) error {
	if parameters.hostURL == "" {
		return errMissingHostURL
	}

	if parameters.externalURL == "" {
		return errMissingExternalURL
	}

	setLogLevel(parameters.logLevel)

	fed, err := createFederation(parameters)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if errQueue := fed.StartQueue(ctx); errQueue != nil {
			logger.Errorf("Queue workers stopped: %s", errQueue)
		}
	}()

	logger.Infof("Starting apfed rest server on host %s for %s", parameters.hostURL, parameters.externalURL)

	return parameters.srv.ListenAndServe(parameters.hostURL, parameters.tlsCertFile, parameters.tlsKeyFile,
		newHandler(fed, parameters.corsAllowedOrigins))
}

func createFederation(parameters *apfedParameters) (*federation.Federation, error) {
	fileConfig, err := loadConfigFile(parameters.configFile)
	if err != nil {
		return nil, err
	}

	config := &federation.Config{
		Origin:              parameters.externalURL,
		AllowPrivateAddress: parameters.allowPrivateAddress,
	}

	if err = fileConfig.apply(config); err != nil {
		return nil, err
	}

	if parameters.instanceKeyFile != "" {
		kp, errKey := readInstanceKey(parameters.instanceKeyFile)
		if errKey != nil {
			return nil, errKey
		}

		config.InstanceKey = &kp
	}

	if err = createBackends(parameters, config); err != nil {
		return nil, err
	}

	fed, err := federation.New(config)
	if err != nil {
		return nil, err
	}

	fed.On(inbox.Wildcard, logActivity)

	return fed, nil
}

func newHandler(fed *federation.Federation, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	router.UseEncodedPath()

	router.HandleFunc(healthCheckEndpoint, healthCheckHandler).Methods(http.MethodGet)
	router.MatcherFunc(fed.Matches).Handler(fed)

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	}).Handler(router)
}

func healthCheckHandler(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)

	if _, err := rw.Write([]byte(`{"status":"success"}`)); err != nil {
		logger.Errorf("Failed to write health check response: %s", err)
	}
}

func logActivity(_ context.Context, ic *inbox.Context, act *activity.Activity) error {
	recipient := ic.Recipient
	if ic.Shared() {
		recipient = "shared inbox"
	}

	logger.Infof("Received %s activity %s from %s for %s", act.Type(), act.ID(), ic.Sender, recipient)

	return nil
}

func readInstanceKey(path string) (httpsig.KeyPair, error) {
	raw, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return httpsig.KeyPair{}, fmt.Errorf("failed to read instance key: %w", err)
	}

	kp, err := httpsig.UnmarshalKeyPair(raw)
	if err != nil {
		return httpsig.KeyPair{}, fmt.Errorf("failed to parse instance key: %w", err)
	}

	if kp.KeyID == "" {
		return httpsig.KeyPair{}, errors.New("instance key has no kid")
	}

	return kp, nil
}

func setLogLevel(logLevel string) {
	if logLevel == "" {
		logLevel = "INFO"
	}

	level, err := log.ParseLevel(strings.ToUpper(logLevel))
	if err != nil {
		logger.Warnf("%s is not a valid logging level. It must be one of the following: "+
			"CRITICAL, ERROR, WARNING, INFO, DEBUG. Defaulting to INFO.", logLevel)

		level = log.INFO
	}

	log.SetLevel("", level)
}
