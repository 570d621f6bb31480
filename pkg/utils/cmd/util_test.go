/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const (
	flagName = "host-url"
	envKey   = "APFED_TEST_HOST_URL"
)

func newCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String(flagName, "", "")
	cmd.Flags().StringArray("peers", nil, "")
	cmd.Flags().String("timeout", "", "")
	cmd.Flags().String("debug", "", "")

	return cmd
}

func TestGetUserSetVar(t *testing.T) {
	t.Run("flag", func(t *testing.T) {
		cmd := newCommand()
		require.NoError(t, cmd.Flags().Set(flagName, "localhost:8080"))

		value, err := GetUserSetVar(cmd, flagName, envKey, false)
		require.NoError(t, err)
		require.Equal(t, "localhost:8080", value)
	})

	t.Run("environment variable", func(t *testing.T) {
		t.Setenv(envKey, "localhost:9090")

		value, err := GetUserSetVar(newCommand(), flagName, envKey, false)
		require.NoError(t, err)
		require.Equal(t, "localhost:9090", value)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := GetUserSetVar(newCommand(), flagName, envKey, false)
		require.EqualError(t, err,
			"Neither host-url (command line flag) nor APFED_TEST_HOST_URL (environment variable) have been set.")

		value, err := GetUserSetVar(newCommand(), flagName, envKey, true)
		require.NoError(t, err)
		require.Empty(t, value)
	})
}

func TestGetUserSetVarFromArrayString(t *testing.T) {
	cmd := newCommand()
	require.NoError(t, cmd.Flags().Set("peers", "a.example"))
	require.NoError(t, cmd.Flags().Set("peers", "b.example"))

	values, err := GetUserSetVarFromArrayString(cmd, "peers", "APFED_TEST_PEERS", true)
	require.NoError(t, err)
	require.Equal(t, []string{"a.example", "b.example"}, values)

	t.Setenv("APFED_TEST_PEERS", "c.example,d.example")

	values, err = GetUserSetVarFromArrayString(newCommand(), "peers", "APFED_TEST_PEERS", true)
	require.NoError(t, err)
	require.Equal(t, []string{"c.example", "d.example"}, values)
}

func TestGetDuration(t *testing.T) {
	d, err := GetDuration(newCommand(), "timeout", "APFED_TEST_TIMEOUT", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	t.Setenv("APFED_TEST_TIMEOUT", "90s")

	d, err = GetDuration(newCommand(), "timeout", "APFED_TEST_TIMEOUT", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	t.Setenv("APFED_TEST_TIMEOUT", "soon")

	_, err = GetDuration(newCommand(), "timeout", "APFED_TEST_TIMEOUT", time.Minute)
	require.Error(t, err)
}

func TestGetBool(t *testing.T) {
	b, err := GetBool(newCommand(), "debug", "APFED_TEST_DEBUG")
	require.NoError(t, err)
	require.False(t, b)

	cmd := newCommand()
	require.NoError(t, cmd.Flags().Set("debug", "true"))

	b, err = GetBool(cmd, "debug", "APFED_TEST_DEBUG")
	require.NoError(t, err)
	require.True(t, b)

	t.Setenv("APFED_TEST_DEBUG", "maybe")

	_, err = GetBool(newCommand(), "debug", "APFED_TEST_DEBUG")
	require.Error(t, err)
}
