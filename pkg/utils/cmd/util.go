/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// GetUserSetVar returns a value from the command line flag, or failing that the environment variable.
// If neither is set, an error is returned unless isOptional is true.
func GetUserSetVar(cmd *cobra.Command, flagName, envKey string, isOptional bool) (string, error) {
	if cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetString(flagName)
		if err != nil {
			return "", fmt.Errorf(flagName+" flag not found: %s", err)
		}

		return value, nil
	}

	value, isSet := os.LookupEnv(envKey)
	if isSet {
		return value, nil
	}

	if isOptional {
		return "", nil
	}

	return "", fmt.Errorf("Neither %s (command line flag) nor %s (environment variable) have been set.", //nolint:stylecheck,golint
		flagName, envKey)
}

// GetUserSetVarFromArrayString is GetUserSetVar for a comma-separated list.
func GetUserSetVarFromArrayString(cmd *cobra.Command, flagName, envKey string, isOptional bool) ([]string, error) {
	if cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetStringArray(flagName)
		if err != nil {
			return nil, fmt.Errorf(flagName+" flag not found: %s", err)
		}

		return value, nil
	}

	value, err := GetUserSetVar(cmd, flagName, envKey, isOptional)
	if err != nil || value == "" {
		return nil, err
	}

	return strings.Split(value, ","), nil
}

// GetDuration returns a duration flag or environment variable, or defaultValue if neither is set.
func GetDuration(cmd *cobra.Command, flagName, envKey string, defaultValue time.Duration) (time.Duration, error) {
	value, err := GetUserSetVar(cmd, flagName, envKey, true)
	if err != nil {
		return 0, err
	}

	if value == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", flagName, err)
	}

	return d, nil
}

// GetBool returns a boolean flag or environment variable, or false if neither is set.
func GetBool(cmd *cobra.Command, flagName, envKey string) (bool, error) {
	value, err := GetUserSetVar(cmd, flagName, envKey, true)
	if err != nil || value == "" {
		return false, err
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %w", flagName, err)
	}

	return b, nil
}
